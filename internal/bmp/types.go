package bmp

import "time"

// BMP message type codes (RFC 7854).
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// BMP peer types.
const (
	PeerTypeGlobal uint8 = 0
	PeerTypeRD     uint8 = 1
	PeerTypeLocal  uint8 = 2
	PeerTypeLocRIB uint8 = 3 // RFC 9069
)

// BMP header sizes.
const (
	CommonHeaderSize  = 6  // version(1) + msg_length(4) + msg_type(1)
	PerPeerHeaderSize = 42 // peer_type(1) + flags(1) + distinguisher(8) + addr(16) + AS(4) + BGPID(4) + ts_sec(4) + ts_usec(4)
)

// Informational TLV type codes (RFC 7854 §4.4, RFC 9069 §4.3).
const (
	TLVTypeTableName uint16 = 0
	TLVTypeSysDescr  uint16 = 1
	TLVTypeSysName   uint16 = 2
)

// BMPVersion is the expected BMP protocol version.
const BMPVersion uint8 = 3

// Peer flags. RFC 7854 §4.2 defines the first bit as V (IPv6 peer
// address); RFC 9069 §4.2 reuses the position as the F bit on Loc-RIB
// instance peers, which goBMP sets on add-path encoded Loc-RIB feeds.
const (
	PeerFlagIPv6       uint8 = 0x80
	PeerFlagPostPolicy uint8 = 0x40
	PeerFlagAddPath    uint8 = 0x80 // F bit, Loc-RIB peers only
)

// Peer Down reason codes (RFC 7854 §4.9).
const (
	PeerDownLocalNotification    uint8 = 1
	PeerDownLocalNoNotification  uint8 = 2
	PeerDownRemoteNotification   uint8 = 3
	PeerDownRemoteNoNotification uint8 = 4
	PeerDownPeerDeconfigured     uint8 = 5
)

// ADD-PATH capability Send/Receive values (RFC 7911 §4).
const (
	AddPathReceive     uint8 = 1
	AddPathSend        uint8 = 2
	AddPathSendReceive uint8 = 3
)

// AddPathTuple is one AFI/SAFI entry from an ADD-PATH capability
// (capability code 69).
type AddPathTuple struct {
	AFI         uint16
	SAFI        uint8
	SendReceive uint8
}

// ParsedBMP represents a parsed BMP message.
type ParsedBMP struct {
	MsgType    uint8
	PeerType   uint8
	PeerFlags  uint8
	IsLocRIB   bool
	HasAddPath bool // Loc-RIB F-bit heuristic; OPEN capabilities are authoritative
	TableName  string

	// Per-peer header fields (route monitoring, peer up, peer down).
	PeerAddr  string // empty for Loc-RIB instance peers
	PeerASN   uint32
	PeerBGPID string
	Timestamp time.Time // zero when the router supplied no timestamp

	BGPData []byte // The encapsulated BGP message bytes
	Offset  int    // Byte offset of this message within the raw payload (set by ParseAll)

	// Peer Up: extracted from the Sent and Received OPEN messages.
	LocalASN    uint32
	LocalBGPID  string
	AddPathSent []AddPathTuple
	AddPathRecv []AddPathTuple

	// Peer Down.
	PeerDownReason uint8
	NotifyCode     uint8
	NotifySubcode  uint8

	// Initiation TLVs.
	SysDescr string
	SysName  string
}

// NegotiatedAddPath returns the AFI/SAFI pairs for which the monitored
// session agreed on add-path encoding toward the router: the router's
// sent OPEN advertised receive and the peer's OPEN advertised send.
// Announcements the router replays over BMP for those pairs carry path
// identifiers.
func (p *ParsedBMP) NegotiatedAddPath() []AddPathTuple {
	var out []AddPathTuple
	for _, sent := range p.AddPathSent {
		if sent.SendReceive != AddPathReceive && sent.SendReceive != AddPathSendReceive {
			continue
		}
		for _, recv := range p.AddPathRecv {
			if recv.AFI != sent.AFI || recv.SAFI != sent.SAFI {
				continue
			}
			if recv.SendReceive == AddPathSend || recv.SendReceive == AddPathSendReceive {
				out = append(out, AddPathTuple{AFI: sent.AFI, SAFI: sent.SAFI, SendReceive: AddPathSendReceive})
				break
			}
		}
	}
	return out
}
