package bgp

import (
	"net"

	"go.uber.org/zap"
)

// AddPathLookup reports whether add-path encoding (RFC 7911) is active
// for an AFI/SAFI pair on the session a message belongs to. Lookups are
// made once per prefix and must not block.
type AddPathLookup interface {
	AddPathEnabled(afi uint16, safi uint8) bool
}

// AddPathFunc adapts a plain function to AddPathLookup.
type AddPathFunc func(afi uint16, safi uint8) bool

func (f AddPathFunc) AddPathEnabled(afi uint16, safi uint8) bool {
	return f(afi, safi)
}

// Decoder decodes BGP UPDATE messages and their multiprotocol
// attributes. The add-path lookup and the logger are injected once;
// the decoder itself keeps no state between calls and is safe for
// concurrent use on independent buffers.
type Decoder struct {
	addPath AddPathLookup
	logger  *zap.Logger
}

// NewDecoder returns a Decoder. A nil lookup disables add-path for all
// families; a nil logger discards diagnostics.
func NewDecoder(addPath AddPathLookup, logger *zap.Logger) *Decoder {
	if addPath == nil {
		addPath = AddPathFunc(func(uint16, uint8) bool { return false })
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{addPath: addPath, logger: logger}
}

// DecodeMPReach decodes an MP_REACH_NLRI attribute payload (RFC 4760)
// into u: one next-hop attribute value plus NLRI entries appended in
// wire order. Malformed input stops the decode at the point of damage;
// conditions are logged, never returned, and already-written output
// stays in place.
func (d *Decoder) DecodeMPReach(attr []byte, u *Update) {
	cur := newCursor(attr)

	afi, err := cur.readUint16()
	if err != nil {
		d.logger.Warn("mp_reach attribute shorter than header", zap.Int("len", len(attr)))
		return
	}
	safi, err := cur.readUint8()
	if err != nil {
		d.logger.Warn("mp_reach attribute shorter than header", zap.Int("len", len(attr)))
		return
	}
	nhLen, err := cur.readUint8()
	if err != nil {
		d.logger.Warn("mp_reach attribute shorter than header", zap.Int("len", len(attr)))
		return
	}
	nh, err := cur.readBytes(int(nhLen))
	if err != nil {
		d.logger.Warn("mp_reach next-hop length exceeds attribute",
			zap.Uint8("nh_len", nhLen), zap.Int("remaining", cur.remaining()))
		return
	}
	if err := cur.skip(1); err != nil { // reserved octet
		d.logger.Warn("mp_reach attribute ends before reserved octet", zap.Int("len", len(attr)))
		return
	}

	switch afi {
	case AFIIPv4, AFIIPv6:
		d.decodeMPReachFamily(u, afi, safi, nh, cur.rest())
	case AFIBGPLS:
		d.logger.Info("mp_reach afi not implemented", zap.Uint16("afi", afi))
	default:
		d.logger.Info("mp_reach afi not implemented", zap.Uint16("afi", afi))
	}
}

// decodeMPReachFamily handles the IPv4/IPv6 path: resolve the next-hop
// to text, then hand the NLRI span to the SAFI-specific decoder. The
// next-hop is set before the SAFI is examined, so an unsupported SAFI
// still leaves a usable next-hop behind.
func (d *Decoder) decodeMPReachFamily(u *Update, afi uint16, safi uint8, nh, span []byte) {
	if len(nh) > net.IPv6len {
		// RFC 2545 pairs a global with a link-local next-hop; keep the
		// leading global address and drop the rest.
		d.logger.Debug("mp_reach next-hop truncated to 16 bytes", zap.Int("nh_len", len(nh)))
	}
	var buf [16]byte
	copy(buf[:], nh)
	u.SetAttr(AttrNextHop, addrString(afi, buf[:]))

	switch safi {
	case SAFIUnicast:
		d.decodeNLRI(&u.NLRI, afi, safi, span)
	case SAFILabeledUnicast:
		d.decodeLabeledNLRI(&u.NLRI, afi, safi, span)
	default:
		d.logger.Info("mp_reach safi not implemented",
			zap.Uint16("afi", afi), zap.Uint8("safi", safi))
	}
}

// decodeMPUnreach decodes an MP_UNREACH_NLRI attribute payload into
// u.Withdrawn. Returns the announced AFI/SAFI and the number of entries
// produced, so the caller can recognise End-of-RIB markers.
func (d *Decoder) decodeMPUnreach(attr []byte, u *Update) (afi uint16, safi uint8, entries int) {
	cur := newCursor(attr)

	afi, err := cur.readUint16()
	if err != nil {
		d.logger.Warn("mp_unreach attribute shorter than header", zap.Int("len", len(attr)))
		return 0, 0, 0
	}
	safi, err = cur.readUint8()
	if err != nil {
		d.logger.Warn("mp_unreach attribute shorter than header", zap.Int("len", len(attr)))
		return 0, 0, 0
	}

	before := len(u.Withdrawn)
	switch afi {
	case AFIIPv4, AFIIPv6:
		switch safi {
		case SAFIUnicast:
			d.decodeNLRI(&u.Withdrawn, afi, safi, cur.rest())
		case SAFILabeledUnicast:
			d.decodeLabeledNLRI(&u.Withdrawn, afi, safi, cur.rest())
		default:
			d.logger.Info("mp_unreach safi not implemented",
				zap.Uint16("afi", afi), zap.Uint8("safi", safi))
		}
	default:
		d.logger.Info("mp_unreach afi not implemented", zap.Uint16("afi", afi))
	}
	return afi, safi, len(u.Withdrawn) - before
}

// decodeNLRI decodes a span of plain unicast NLRI tuples: optional
// 4-byte path identifier, prefix length in bits, ceil(len/8) address
// bytes. Entries are appended to dst in wire order. A span that ends
// mid-prefix stops the decode; entries already produced are kept.
func (d *Decoder) decodeNLRI(dst *[]NLRIEntry, afi uint16, safi uint8, span []byte) {
	cur := newCursor(span)

	for cur.remaining() > 0 {
		var pathID uint32
		if d.addPath.AddPathEnabled(afi, safi) && cur.remaining() >= 4 {
			pathID, _ = cur.readUint32()
		}

		plen, err := cur.readUint8()
		if err != nil {
			d.logger.Warn("nlri truncated before prefix length", zap.Uint16("afi", afi))
			return
		}
		if int(plen) > addrBits(afi) {
			d.logger.Warn("nlri prefix length exceeds family maximum",
				zap.Uint16("afi", afi), zap.Uint8("prefix_len", plen))
			return
		}

		addr, err := cur.readBytes((int(plen) + 7) / 8)
		if err != nil {
			d.logger.Warn("nlri truncated inside prefix",
				zap.Uint16("afi", afi), zap.Uint8("prefix_len", plen), zap.Int("remaining", cur.remaining()))
			return
		}

		var buf [16]byte
		copy(buf[:], addr)

		entry := NLRIEntry{
			AFI:    afi,
			SAFI:   safi,
			Kind:   NLRIPlain,
			PathID: pathID,
			Length: plen,
			Prefix: addrString(afi, buf[:]),
		}
		copy(entry.Raw[:], buf[:4])
		*dst = append(*dst, entry)
	}
}

// decodeLabeledNLRI decodes a span of labeled-unicast NLRI tuples
// (RFC 3107): optional path identifier, combined prefix length covering
// label stack plus address, the label stack itself, then the address
// bytes. The emitted entry carries the address-only prefix length, with
// 24 bits subtracted per label popped.
func (d *Decoder) decodeLabeledNLRI(dst *[]NLRIEntry, afi uint16, safi uint8, span []byte) {
	cur := newCursor(span)

	for cur.remaining() > 0 {
		var pathID uint32
		if d.addPath.AddPathEnabled(afi, safi) && cur.remaining() >= 4 {
			pathID, _ = cur.readUint32()
		}

		plen, err := cur.readUint8()
		if err != nil {
			d.logger.Warn("labeled nlri truncated before prefix length", zap.Uint16("afi", afi))
			return
		}

		bits := int(plen)
		total := (bits + 7) / 8
		if total < labelWireBytes {
			d.logger.Warn("labeled nlri shorter than one label entry",
				zap.Uint16("afi", afi), zap.Uint8("prefix_len", plen))
			return
		}
		body, err := cur.readBytes(total)
		if err != nil {
			d.logger.Warn("labeled nlri truncated inside prefix",
				zap.Uint16("afi", afi), zap.Uint8("prefix_len", plen), zap.Int("remaining", cur.remaining()))
			return
		}

		var labels []uint32
		rest := body
		for len(rest) >= labelWireBytes {
			if bits < labelBits {
				// The combined length cannot cover another label; a
				// wrapped subtraction here is how the format gets
				// misread, so stop instead.
				d.logger.Warn("labeled nlri length underflow",
					zap.Uint16("afi", afi), zap.Int("remaining_bits", bits))
				return
			}
			lbl, raw := decodeLabel(rest)
			labels = append(labels, lbl.value)
			bits -= labelBits
			rest = rest[labelWireBytes:]
			if lbl.bottom || raw == labelWithdrawRaw {
				break
			}
		}

		if bits > addrBits(afi) {
			d.logger.Warn("labeled nlri address length exceeds family maximum",
				zap.Uint16("afi", afi), zap.Int("addr_bits", bits))
			return
		}

		var buf [16]byte
		copy(buf[:], rest)

		entry := NLRIEntry{
			AFI:    afi,
			SAFI:   safi,
			Kind:   NLRILabeled,
			PathID: pathID,
			Length: uint8(bits),
			Prefix: addrString(afi, buf[:]),
			Labels: labels,
		}
		copy(entry.Raw[:], buf[:4])
		*dst = append(*dst, entry)
	}
}

func addrBits(afi uint16) int {
	if afi == AFIIPv4 {
		return 32
	}
	return 128
}

// addrString renders a zero-padded 16-byte address buffer as canonical
// text for the family: dotted quad over the first 4 bytes for IPv4,
// colon-hex over all 16 for IPv6.
func addrString(afi uint16, buf []byte) string {
	if afi == AFIIPv4 {
		return net.IP(buf[:4]).String()
	}
	return net.IP(buf[:16]).String()
}
