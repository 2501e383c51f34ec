package bgp

import (
	"encoding/binary"
	"testing"
)

// buildBGPUpdate constructs a BGP UPDATE message with the given components.
func buildBGPUpdate(withdrawn []byte, pathAttrs []byte, nlri []byte) []byte {
	bodyLen := 2 + len(withdrawn) + 2 + len(pathAttrs) + len(nlri)
	totalLen := 19 + bodyLen

	msg := make([]byte, totalLen)
	// Marker: 16 bytes of 0xFF
	for i := 0; i < 16; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(totalLen))
	msg[18] = 2 // type = UPDATE

	offset := 19
	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(withdrawn)))
	offset += 2
	copy(msg[offset:], withdrawn)
	offset += len(withdrawn)

	binary.BigEndian.PutUint16(msg[offset:offset+2], uint16(len(pathAttrs)))
	offset += 2
	copy(msg[offset:], pathAttrs)
	offset += len(pathAttrs)

	copy(msg[offset:], nlri)
	return msg
}

// buildPathAttr constructs a single path attribute.
func buildPathAttr(flags byte, kind AttrKind, data []byte) []byte {
	if len(data) > 255 {
		// Extended length
		attr := make([]byte, 4+len(data))
		attr[0] = flags | 0x10 // Set Extended Length
		attr[1] = byte(kind)
		binary.BigEndian.PutUint16(attr[2:4], uint16(len(data)))
		copy(attr[4:], data)
		return attr
	}
	attr := make([]byte, 3+len(data))
	attr[0] = flags
	attr[1] = byte(kind)
	attr[2] = byte(len(data))
	copy(attr[3:], data)
	return attr
}

func TestParseUpdate_IPv4Announcement(t *testing.T) {
	// NLRI: 10.0.0.0/24
	nlri := []byte{24, 10, 0, 0}

	// Path attributes: ORIGIN=IGP, NEXT_HOP=192.168.1.1
	originAttr := buildPathAttr(0x40, AttrOrigin, []byte{0}) // IGP
	nexthopAttr := buildPathAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, nexthopAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.NLRI) != 1 {
		t.Fatalf("expected 1 announcement, got %d", len(u.NLRI))
	}
	if len(u.Withdrawn) != 0 {
		t.Fatalf("expected 0 withdrawals, got %d", len(u.Withdrawn))
	}

	e := u.NLRI[0]
	if e.CIDR() != "10.0.0.0/24" {
		t.Errorf("expected prefix '10.0.0.0/24', got '%s'", e.CIDR())
	}
	if e.AFI != AFIIPv4 || e.SAFI != SAFIUnicast {
		t.Errorf("expected afi/safi 1/1, got %d/%d", e.AFI, e.SAFI)
	}
	if got := u.AttrString(AttrOrigin); got != "IGP" {
		t.Errorf("expected origin 'IGP', got '%s'", got)
	}
	if got := u.AttrString(AttrNextHop); got != "192.168.1.1" {
		t.Errorf("expected nexthop '192.168.1.1', got '%s'", got)
	}
	if u.EOR != nil {
		t.Error("announcement must not be flagged as EOR")
	}
}

func TestParseUpdate_IPv4Withdrawal(t *testing.T) {
	// Withdrawn: 172.16.0.0/16
	withdrawn := []byte{16, 172, 16}

	msg := buildBGPUpdate(withdrawn, nil, nil)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Withdrawn) != 1 {
		t.Fatalf("expected 1 withdrawal, got %d", len(u.Withdrawn))
	}
	if u.Withdrawn[0].CIDR() != "172.16.0.0/16" {
		t.Errorf("expected prefix '172.16.0.0/16', got '%s'", u.Withdrawn[0].CIDR())
	}
	if u.EOR != nil {
		t.Error("withdrawal must not be flagged as EOR")
	}
}

func TestParseUpdate_ASPath(t *testing.T) {
	// AS_PATH: AS_SEQUENCE [64496, 64497, 64498]
	asPathData := []byte{
		ASPathSegmentSequence, 3, // type=SEQUENCE, count=3
		0, 0, 0xFB, 0xF0, // AS64496
		0, 0, 0xFB, 0xF1, // AS64497
		0, 0, 0xFB, 0xF2, // AS64498
	}
	asPathAttr := buildPathAttr(0x40, AttrASPath, asPathData)

	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, append(asPathAttr, nexthopAttr...)...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := u.AttrString(AttrASPath); got != "64496 64497 64498" {
		t.Errorf("expected AS_PATH '64496 64497 64498', got '%s'", got)
	}
}

func TestParseUpdate_Communities(t *testing.T) {
	commData := []byte{
		0xFB, 0xF0, 0x00, 0x64, // 64496:100
		0xFB, 0xF0, 0x00, 0xC8, // 64496:200
	}
	commAttr := buildPathAttr(0xC0, AttrCommunity, commData)

	lcData := make([]byte, 12)
	binary.BigEndian.PutUint32(lcData[0:4], 64496)
	binary.BigEndian.PutUint32(lcData[4:8], 1)
	binary.BigEndian.PutUint32(lcData[8:12], 2)
	lcAttr := buildPathAttr(0xC0, AttrLargeCommunity, lcData)

	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, commAttr...)
	pathAttrs = append(pathAttrs, lcAttr...)
	pathAttrs = append(pathAttrs, nexthopAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	std := u.Attr(AttrCommunity)
	if len(std) != 2 || std[0] != "64496:100" || std[1] != "64496:200" {
		t.Errorf("unexpected standard communities %v", std)
	}
	large := u.Attr(AttrLargeCommunity)
	if len(large) != 1 || large[0] != "64496:1:2" {
		t.Errorf("unexpected large communities %v", large)
	}
}

func TestParseUpdate_ExtCommunityRouteTarget(t *testing.T) {
	// RT:64496:99 (2-octet AS specific, subtype 0x02)
	extData := []byte{0x00, 0x02, 0xFB, 0xF0, 0x00, 0x00, 0x00, 0x63}
	extAttr := buildPathAttr(0xC0, AttrExtCommunity, extData)

	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, extAttr...)
	pathAttrs = append(pathAttrs, nexthopAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ext := u.Attr(AttrExtCommunity)
	if len(ext) != 1 || ext[0] != "RT:64496:99" {
		t.Errorf("unexpected extended communities %v", ext)
	}
}

func TestParseUpdate_MEDLocalPrefAggregator(t *testing.T) {
	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1})

	medData := make([]byte, 4)
	binary.BigEndian.PutUint32(medData, 100)
	medAttr := buildPathAttr(0x80, AttrMED, medData)

	lpData := make([]byte, 4)
	binary.BigEndian.PutUint32(lpData, 200)
	lpAttr := buildPathAttr(0x40, AttrLocalPref, lpData)

	aggData := make([]byte, 8)
	binary.BigEndian.PutUint32(aggData[0:4], 64496)
	copy(aggData[4:8], []byte{192, 0, 2, 1})
	aggAttr := buildPathAttr(0xC0, AttrAggregator, aggData)

	atomicAttr := buildPathAttr(0x40, AttrAtomicAggregate, nil)

	pathAttrs := append(originAttr, nexthopAttr...)
	pathAttrs = append(pathAttrs, medAttr...)
	pathAttrs = append(pathAttrs, lpAttr...)
	pathAttrs = append(pathAttrs, aggAttr...)
	pathAttrs = append(pathAttrs, atomicAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := u.AttrString(AttrMED); got != "100" {
		t.Errorf("expected MED '100', got '%s'", got)
	}
	if got := u.AttrString(AttrLocalPref); got != "200" {
		t.Errorf("expected LocalPref '200', got '%s'", got)
	}
	if got := u.AttrString(AttrAggregator); got != "64496 192.0.2.1" {
		t.Errorf("expected aggregator '64496 192.0.2.1', got '%s'", got)
	}
	if got := u.AttrString(AttrAtomicAggregate); got != "1" {
		t.Errorf("expected atomic aggregate marker, got '%s'", got)
	}
}

func TestParseUpdate_AddPath(t *testing.T) {
	// NLRI with Add-Path: path_id=42, 10.0.0.0/24
	nlri := []byte{
		0, 0, 0, 42, // path_id=42
		24, 10, 0, 0,
	}
	// Withdrawn with Add-Path: path_id=9, 172.16.0.0/16
	withdrawn := []byte{
		0, 0, 0, 9,
		16, 172, 16,
	}

	originAttr := buildPathAttr(0x40, AttrOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1})
	pathAttrs := append(originAttr, nexthopAttr...)

	msg := buildBGPUpdate(withdrawn, pathAttrs, nlri)

	u, err := testDecoder(true).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.NLRI) != 1 || u.NLRI[0].PathID != 42 {
		t.Fatalf("expected announcement with path id 42, got %+v", u.NLRI)
	}
	if len(u.Withdrawn) != 1 || u.Withdrawn[0].PathID != 9 {
		t.Fatalf("expected withdrawal with path id 9, got %+v", u.Withdrawn)
	}
}

func TestParseUpdate_IPv6MPReach(t *testing.T) {
	nh := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	mpReach := buildMPReach(AFIIPv6, SAFIUnicast, nh, []byte{32, 0x20, 0x01, 0x0d, 0xb8})

	mpReachAttr := buildPathAttr(0x80, AttrMPReachNLRI, mpReach)
	originAttr := buildPathAttr(0x40, AttrOrigin, []byte{0})
	pathAttrs := append(originAttr, mpReachAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nil)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.NLRI) != 1 {
		t.Fatalf("expected 1 announcement, got %d", len(u.NLRI))
	}

	e := u.NLRI[0]
	if e.AFI != AFIIPv6 {
		t.Errorf("expected AFI 2, got %d", e.AFI)
	}
	if e.CIDR() != "2001:db8::/32" {
		t.Errorf("expected prefix '2001:db8::/32', got '%s'", e.CIDR())
	}
	if got := u.AttrString(AttrNextHop); got != "2001:db8::1" {
		t.Errorf("expected nexthop '2001:db8::1', got '%s'", got)
	}
}

func TestParseUpdate_IPv6MPUnreach(t *testing.T) {
	// MP_UNREACH_NLRI: AFI=2, SAFI=1, 2001:db8:1::/48
	mpUnreach := []byte{
		0, 2, // AFI=2
		1,  // SAFI=1
		48, // prefix len
		0x20, 0x01, 0x0d, 0xb8, 0x00, 0x01,
	}
	mpUnreachAttr := buildPathAttr(0x80, AttrMPUnreachNLRI, mpUnreach)

	msg := buildBGPUpdate(nil, mpUnreachAttr, nil)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Withdrawn) != 1 {
		t.Fatalf("expected 1 withdrawal, got %d", len(u.Withdrawn))
	}

	e := u.Withdrawn[0]
	if e.AFI != AFIIPv6 {
		t.Errorf("expected AFI 2, got %d", e.AFI)
	}
	if e.CIDR() != "2001:db8:1::/48" {
		t.Errorf("expected prefix '2001:db8:1::/48', got '%s'", e.CIDR())
	}
	if u.EOR != nil {
		t.Error("withdrawal with routes must not be flagged as EOR")
	}
}

func TestParseUpdate_LabeledMPUnreach(t *testing.T) {
	// Withdrawn labeled route: sentinel label + /24 = 48 bits.
	mpUnreach := []byte{0, 1, SAFILabeledUnicast, 48, 0x80, 0x00, 0x00, 10, 1, 2}
	mpUnreachAttr := buildPathAttr(0x80, AttrMPUnreachNLRI, mpUnreach)

	msg := buildBGPUpdate(nil, mpUnreachAttr, nil)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Withdrawn) != 1 {
		t.Fatalf("expected 1 withdrawal, got %d", len(u.Withdrawn))
	}
	e := u.Withdrawn[0]
	if e.Kind != NLRILabeled || e.CIDR() != "10.1.2.0/24" {
		t.Errorf("expected labeled 10.1.2.0/24, got %s %s", e.Kind, e.CIDR())
	}
}

func TestParseUpdate_EORIPv4(t *testing.T) {
	msg := buildBGPUpdate(nil, nil, nil)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.EOR == nil {
		t.Fatal("expected EOR marker for empty UPDATE")
	}
	if u.EOR.AFI != AFIIPv4 || u.EOR.SAFI != SAFIUnicast {
		t.Errorf("expected IPv4 unicast EOR, got %d/%d", u.EOR.AFI, u.EOR.SAFI)
	}
}

func TestParseUpdate_EORIPv6(t *testing.T) {
	// Empty MP_UNREACH (AFI+SAFI only) as the sole attribute.
	mpUnreachAttr := buildPathAttr(0x80, AttrMPUnreachNLRI, []byte{0, 2, 1})

	msg := buildBGPUpdate(nil, mpUnreachAttr, nil)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.EOR == nil {
		t.Fatal("expected EOR marker for empty MP_UNREACH")
	}
	if u.EOR.AFI != AFIIPv6 || u.EOR.SAFI != SAFIUnicast {
		t.Errorf("expected IPv6 unicast EOR, got %d/%d", u.EOR.AFI, u.EOR.SAFI)
	}
	if len(u.Withdrawn) != 0 {
		t.Errorf("expected no withdrawals, got %d", len(u.Withdrawn))
	}
}

func TestParseUpdate_NonUpdateSkipped(t *testing.T) {
	msg := buildBGPUpdate(nil, nil, nil)
	msg[18] = 4 // KEEPALIVE

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != nil {
		t.Errorf("expected nil update for non-UPDATE message, got %+v", u)
	}
}

func TestParseUpdate_UnknownAttribute(t *testing.T) {
	nlri := []byte{24, 10, 0, 0}
	originAttr := buildPathAttr(0x40, AttrOrigin, []byte{0})
	nexthopAttr := buildPathAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1})
	unknownAttr := buildPathAttr(0xC0, 99, []byte{0xDE, 0xAD})
	pathAttrs := append(originAttr, nexthopAttr...)
	pathAttrs = append(pathAttrs, unknownAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := u.AttrString(AttrKind(99)); got != "dead" {
		t.Errorf("expected unknown attribute kept as hex 'dead', got '%s'", got)
	}
}

func TestParseUpdate_TruncatedAttrHeader(t *testing.T) {
	// Path attributes with only 1 byte (need at least 2 for flags+type).
	pathAttrs := []byte{0x40}
	nlri := []byte{24, 10, 0, 0}
	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	_, err := testDecoder(false).ParseUpdate(msg)
	if err == nil {
		t.Fatal("expected error for truncated attr header")
	}
}

func TestParseUpdate_TruncatedAttrLength(t *testing.T) {
	// Extended length flag set but the length bytes are missing.
	pathAttrs := []byte{0x50, byte(AttrOrigin)}
	nlri := []byte{24, 10, 0, 0}
	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	_, err := testDecoder(false).ParseUpdate(msg)
	if err == nil {
		t.Fatal("expected error for truncated extended attr length")
	}
}

func TestParseUpdate_AttrDataTruncated(t *testing.T) {
	// Attribute claims 4 bytes of data but carries only 2.
	pathAttrs := []byte{0x40, byte(AttrOrigin), 4, 0x00, 0x00}
	nlri := []byte{24, 10, 0, 0}
	msg := buildBGPUpdate(nil, pathAttrs, nlri)

	_, err := testDecoder(false).ParseUpdate(msg)
	if err == nil {
		t.Fatal("expected error for truncated attr data")
	}
}

func TestParseUpdate_UnsupportedAFIMPReach(t *testing.T) {
	// MP_REACH with AFI=3 contributes neither entries nor a next-hop.
	mpReach := buildMPReach(3, SAFIUnicast, []byte{192, 168, 1, 1}, []byte{24, 10, 0, 0})
	mpReachAttr := buildPathAttr(0x80, AttrMPReachNLRI, mpReach)
	originAttr := buildPathAttr(0x40, AttrOrigin, []byte{0})
	pathAttrs := append(originAttr, mpReachAttr...)

	msg := buildBGPUpdate(nil, pathAttrs, nil)

	u, err := testDecoder(false).ParseUpdate(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.NLRI) != 0 {
		t.Errorf("expected 0 announcements, got %d", len(u.NLRI))
	}
	if _, ok := u.Attrs[AttrNextHop]; ok {
		t.Error("expected no next-hop from unsupported AFI")
	}
	if u.EOR != nil {
		t.Error("unsupported AFI skip must not be flagged as EOR")
	}
}

func TestOriginASN(t *testing.T) {
	cases := []struct {
		path string
		want *int
	}{
		{"64496 64497 64498", intPtr(64498)},
		{"64496", intPtr(64496)},
		{"", nil},
		{"64496 {64497,64498}", nil},
	}
	for _, c := range cases {
		got := OriginASN(c.path)
		switch {
		case c.want == nil && got != nil:
			t.Errorf("OriginASN(%q): expected nil, got %d", c.path, *got)
		case c.want != nil && (got == nil || *got != *c.want):
			t.Errorf("OriginASN(%q): expected %d, got %v", c.path, *c.want, got)
		}
	}
}

func intPtr(v int) *int { return &v }
