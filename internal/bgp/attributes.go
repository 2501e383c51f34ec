package bgp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// decodeAttributes walks the path attributes section of a BGP UPDATE
// and writes decoded values into u. It returns the number of attributes
// seen and, when an MP_UNREACH attribute carried no routes, that
// attribute's family so the caller can recognise End-of-RIB markers.
func (d *Decoder) decodeAttributes(data []byte, u *Update) (int, *EORMark, error) {
	count := 0
	var emptyUnreach *EORMark

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return count, emptyUnreach, fmt.Errorf("attr header truncated at offset %d", offset)
		}

		flags := data[offset]
		kind := AttrKind(data[offset+1])
		offset += 2

		// Attribute length: 1 byte or 2 bytes depending on Extended Length flag.
		var attrLen int
		if flags&0x10 != 0 { // Extended Length
			if offset+2 > len(data) {
				return count, emptyUnreach, fmt.Errorf("extended attr length truncated")
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return count, emptyUnreach, fmt.Errorf("attr length truncated")
			}
			attrLen = int(data[offset])
			offset++
		}

		if offset+attrLen > len(data) {
			return count, emptyUnreach, fmt.Errorf("attr data truncated (type %d, need %d, have %d)", kind, attrLen, len(data)-offset)
		}

		attrData := data[offset : offset+attrLen]
		offset += attrLen
		count++

		switch kind {
		case AttrOrigin:
			decodeOrigin(attrData, u)
		case AttrASPath:
			decodeASPath(attrData, u)
		case AttrNextHop:
			decodeNextHop(attrData, u)
		case AttrMED:
			decodeUint32Attr(attrData, u, AttrMED)
		case AttrLocalPref:
			decodeUint32Attr(attrData, u, AttrLocalPref)
		case AttrAtomicAggregate:
			u.SetAttr(AttrAtomicAggregate, "1")
		case AttrAggregator:
			decodeAggregator(attrData, u)
		case AttrCommunity:
			decodeCommunity(attrData, u)
		case AttrMPReachNLRI:
			d.DecodeMPReach(attrData, u)
		case AttrMPUnreachNLRI:
			afi, safi, _ := d.decodeMPUnreach(attrData, u)
			if len(attrData) == 3 {
				// AFI + SAFI with no routes is the RFC 4724 EOR form.
				emptyUnreach = &EORMark{AFI: afi, SAFI: safi}
			}
		case AttrExtCommunity:
			decodeExtCommunities(attrData, u)
		case AttrLargeCommunity:
			decodeLargeCommunity(attrData, u)
		default:
			u.SetAttr(kind, hex.EncodeToString(attrData))
		}
	}

	return count, emptyUnreach, nil
}

func decodeOrigin(data []byte, u *Update) {
	if len(data) < 1 {
		return
	}
	if v, ok := OriginValues[data[0]]; ok {
		u.SetAttr(AttrOrigin, v)
	} else {
		u.SetAttr(AttrOrigin, fmt.Sprintf("UNKNOWN(%d)", data[0]))
	}
}

func decodeASPath(data []byte, u *Update) {
	var segments []string
	offset := 0
	for offset+2 <= len(data) {
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2

		if offset+segLen*4 > len(data) {
			break
		}

		asns := make([]string, segLen)
		for i := 0; i < segLen; i++ {
			asn := binary.BigEndian.Uint32(data[offset : offset+4])
			asns[i] = strconv.FormatUint(uint64(asn), 10)
			offset += 4
		}

		switch segType {
		case ASPathSegmentSequence:
			segments = append(segments, strings.Join(asns, " "))
		case ASPathSegmentSet:
			segments = append(segments, "{"+strings.Join(asns, ",")+"}")
		}
	}

	u.SetAttr(AttrASPath, strings.Join(segments, " "))
}

func decodeNextHop(data []byte, u *Update) {
	if len(data) == 4 {
		u.SetAttr(AttrNextHop, net.IP(data).String())
	}
}

func decodeUint32Attr(data []byte, u *Update, kind AttrKind) {
	if len(data) == 4 {
		u.SetAttr(kind, strconv.FormatUint(uint64(binary.BigEndian.Uint32(data)), 10))
	}
}

func decodeAggregator(data []byte, u *Update) {
	switch len(data) {
	case 8: // 4-octet ASN + IPv4 address
		asn := binary.BigEndian.Uint32(data[0:4])
		u.SetAttr(AttrAggregator, fmt.Sprintf("%d %s", asn, net.IP(data[4:8])))
	case 6: // 2-octet ASN + IPv4 address
		asn := binary.BigEndian.Uint16(data[0:2])
		u.SetAttr(AttrAggregator, fmt.Sprintf("%d %s", asn, net.IP(data[2:6])))
	}
}

func decodeCommunity(data []byte, u *Update) {
	var comms []string
	for i := 0; i+4 <= len(data); i += 4 {
		hi := binary.BigEndian.Uint16(data[i : i+2])
		lo := binary.BigEndian.Uint16(data[i+2 : i+4])
		comms = append(comms, fmt.Sprintf("%d:%d", hi, lo))
	}
	if len(comms) > 0 {
		u.SetAttr(AttrCommunity, comms...)
	}
}

func decodeExtCommunities(data []byte, u *Update) {
	var comms []string
	for i := 0; i+8 <= len(data); i += 8 {
		comms = append(comms, decodeExtCommunity(data[i:i+8]))
	}
	if len(comms) > 0 {
		u.SetAttr(AttrExtCommunity, comms...)
	}
}

// decodeExtCommunity decodes a single 8-byte extended community into a
// human-readable string. Recognises Route Target (subtype 0x02) and
// Route Origin / Site-of-Origin (subtype 0x03) for 2-octet AS, IPv4,
// and 4-octet AS types. Falls back to hex for unknown types.
func decodeExtCommunity(data []byte) string {
	typeLow := data[1]

	// Mask transitive bit for matching.
	typeHighBase := data[0] & 0x3F

	switch typeHighBase {
	case 0x00: // 2-Octet AS Specific
		asn := binary.BigEndian.Uint16(data[2:4])
		val := binary.BigEndian.Uint32(data[4:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	case 0x01: // IPv4 Address Specific
		ip := net.IP(data[2:6]).String()
		val := binary.BigEndian.Uint16(data[6:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%s:%d", ip, val)
		case 0x03:
			return fmt.Sprintf("SOO:%s:%d", ip, val)
		}
	case 0x02: // 4-Octet AS Specific
		asn := binary.BigEndian.Uint32(data[2:6])
		val := binary.BigEndian.Uint16(data[6:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	}

	return hex.EncodeToString(data)
}

func decodeLargeCommunity(data []byte, u *Update) {
	var comms []string
	for i := 0; i+12 <= len(data); i += 12 {
		global := binary.BigEndian.Uint32(data[i : i+4])
		data1 := binary.BigEndian.Uint32(data[i+4 : i+8])
		data2 := binary.BigEndian.Uint32(data[i+8 : i+12])
		comms = append(comms, fmt.Sprintf("%d:%d:%d", global, data1, data2))
	}
	if len(comms) > 0 {
		u.SetAttr(AttrLargeCommunity, comms...)
	}
}

// OriginASN extracts the origin AS number (last ASN) from a
// space-delimited AS path string. Returns nil if the path is empty or
// ends with an AS_SET (e.g. "{64497,64498}").
func OriginASN(asPath string) *int {
	asPath = strings.TrimSpace(asPath)
	if asPath == "" {
		return nil
	}

	fields := strings.Fields(asPath)
	last := fields[len(fields)-1]

	// AS_SET at the end → origin is ambiguous.
	if strings.HasPrefix(last, "{") {
		return nil
	}

	asn, err := strconv.Atoi(last)
	if err != nil {
		return nil
	}
	return &asn
}
