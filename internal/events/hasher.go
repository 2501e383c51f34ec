package events

import "crypto/sha256"

// EventID computes the SHA-256 digest identifying one collected frame:
// the router IP joined with the raw BMP payload. Two collectors
// mirroring the same router produce the same ID for the same frame, so
// the digest doubles as the cross-collector dedup key. The OpenBMP
// wrapper stays out of the hash because collector hash and timestamps
// differ per collector.
func EventID(routerIP string, bmpPayload []byte) []byte {
	h := sha256.New()
	h.Write([]byte(routerIP))
	h.Write(bmpPayload)
	return h.Sum(nil)
}
