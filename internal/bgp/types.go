package bgp

import "fmt"

// AttrKind identifies a path attribute by its BGP wire type code.
type AttrKind uint8

// BGP path attribute type codes.
const (
	AttrOrigin          AttrKind = 1
	AttrASPath          AttrKind = 2
	AttrNextHop         AttrKind = 3
	AttrMED             AttrKind = 4
	AttrLocalPref       AttrKind = 5
	AttrAtomicAggregate AttrKind = 6
	AttrAggregator      AttrKind = 7
	AttrCommunity       AttrKind = 8
	AttrMPReachNLRI     AttrKind = 14
	AttrMPUnreachNLRI   AttrKind = 15
	AttrExtCommunity    AttrKind = 16
	AttrLargeCommunity  AttrKind = 32
)

// String returns the attribute name used in exported attribute maps.
func (k AttrKind) String() string {
	switch k {
	case AttrOrigin:
		return "origin"
	case AttrASPath:
		return "asPath"
	case AttrNextHop:
		return "nextHop"
	case AttrMED:
		return "med"
	case AttrLocalPref:
		return "localPref"
	case AttrAtomicAggregate:
		return "atomicAggregate"
	case AttrAggregator:
		return "aggregator"
	case AttrCommunity:
		return "stdCommunity"
	case AttrExtCommunity:
		return "extCommunity"
	case AttrLargeCommunity:
		return "largeCommunity"
	}
	return fmt.Sprintf("attr%d", uint8(k))
}

// AFI codes.
const (
	AFIIPv4  uint16 = 1
	AFIIPv6  uint16 = 2
	AFIBGPLS uint16 = 16388
)

// SAFI codes.
const (
	SAFIUnicast        uint8 = 1
	SAFILabeledUnicast uint8 = 4
)

// AS_PATH segment types.
const (
	ASPathSegmentSet      uint8 = 1
	ASPathSegmentSequence uint8 = 2
)

// Origin values.
var OriginValues = map[uint8]string{
	0: "IGP",
	1: "EGP",
	2: "INCOMPLETE",
}

// BGP message types.
const (
	BGPMsgTypeUpdate uint8 = 2
)

// BGP message header size: marker(16) + length(2) + type(1) = 19
const BGPHeaderSize = 19

// NLRIKind distinguishes plain unicast entries from labeled-unicast entries.
type NLRIKind uint8

const (
	NLRIPlain NLRIKind = iota
	NLRILabeled
)

func (k NLRIKind) String() string {
	if k == NLRILabeled {
		return "labeled"
	}
	return "plain"
}

// NLRIEntry is a single announced or withdrawn prefix.
type NLRIEntry struct {
	AFI    uint16
	SAFI   uint8
	Kind   NLRIKind
	PathID uint32 // 0 when add-path is not negotiated
	Length uint8  // prefix length in bits, address part only for labeled entries
	Prefix string // canonical text form

	// Raw holds the first 4 bytes of the decoded address. IPv6 prefixes
	// are truncated to this width; the storage schema keys on the value
	// as-is, so it is kept distinct from Prefix rather than widened.
	Raw [4]byte

	Labels []uint32 // 20-bit label values in wire order, empty for plain entries
}

// CIDR returns the prefix in text/length notation, e.g. "10.0.0.0/24".
func (e NLRIEntry) CIDR() string {
	return fmt.Sprintf("%s/%d", e.Prefix, e.Length)
}

// EORMark identifies the address family of an End-of-RIB marker.
type EORMark struct {
	AFI  uint16
	SAFI uint8
}

// Update is the decoded form of one BGP UPDATE. Attribute decoders write
// into Attrs keyed by wire type code; a later attribute of the same kind
// overwrites the earlier value. NLRI and Withdrawn collect entries in
// wire order across classic and multiprotocol encodings.
type Update struct {
	Attrs     map[AttrKind][]string
	NLRI      []NLRIEntry
	Withdrawn []NLRIEntry
	EOR       *EORMark
}

func NewUpdate() *Update {
	return &Update{Attrs: make(map[AttrKind][]string)}
}

// SetAttr replaces the values stored for kind.
func (u *Update) SetAttr(kind AttrKind, values ...string) {
	u.Attrs[kind] = values
}

// Attr returns the values stored for kind, nil if absent.
func (u *Update) Attr(kind AttrKind) []string {
	return u.Attrs[kind]
}

// AttrString returns the first value stored for kind, "" if absent.
func (u *Update) AttrString(kind AttrKind) string {
	if v := u.Attrs[kind]; len(v) > 0 {
		return v[0]
	}
	return ""
}
