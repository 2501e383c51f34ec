package bmp

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// ParseAll parses all concatenated BMP messages from raw bytes.
// Collectors may bundle multiple BMP messages in a single raw record
// (one per TCP read). Messages that fail to parse are skipped so one
// bad PDU does not poison the rest of the batch.
func ParseAll(data []byte) ([]*ParsedBMP, error) {
	var results []*ParsedBMP
	offset := 0
	for offset < len(data) {
		remaining := data[offset:]
		if len(remaining) < CommonHeaderSize {
			break
		}
		msgLength := binary.BigEndian.Uint32(remaining[1:5])
		if msgLength < uint32(CommonHeaderSize) || int(msgLength) > len(remaining) {
			// Cannot trust the length field to advance past this one.
			break
		}
		parsed, err := Parse(remaining[:msgLength])
		if err != nil {
			offset += int(msgLength)
			continue
		}
		// Store the offset of this BMP message within the raw payload
		// so callers can extract the per-peer header.
		parsed.Offset = offset
		results = append(results, parsed)
		offset += int(msgLength)
	}
	if len(results) == 0 && offset == 0 {
		return nil, fmt.Errorf("bmp: no valid messages found in %d bytes", len(data))
	}
	return results, nil
}

// Parse parses a complete BMP message from raw bytes.
func Parse(data []byte) (*ParsedBMP, error) {
	if len(data) < CommonHeaderSize {
		return nil, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}

	version := data[0]
	if version != BMPVersion {
		return nil, fmt.Errorf("bmp: unsupported version %d (expected %d)", version, BMPVersion)
	}

	msgLength := binary.BigEndian.Uint32(data[1:5])
	msgType := data[5]

	if msgLength < uint32(CommonHeaderSize) {
		return nil, fmt.Errorf("bmp: declared msg_length %d smaller than common header size %d", msgLength, CommonHeaderSize)
	}
	if int(msgLength) > len(data) {
		return nil, fmt.Errorf("bmp: declared msg_length %d exceeds available data %d", msgLength, len(data))
	}

	result := &ParsedBMP{
		MsgType:   msgType,
		TableName: "UNKNOWN",
	}

	switch msgType {
	case MsgTypeRouteMonitoring:
		return parseRouteMonitoring(data[CommonHeaderSize:msgLength], result)
	case MsgTypePeerDown:
		return parsePeerDown(data[CommonHeaderSize:msgLength], result)
	case MsgTypePeerUp:
		return parsePeerUp(data[CommonHeaderSize:msgLength], result)
	case MsgTypeInitiation:
		return parseInitiation(data[CommonHeaderSize:msgLength], result)
	case MsgTypeTermination:
		return result, nil
	default:
		// Statistics Report (1), Route Mirroring (6) — kept for the
		// event log but carry nothing to decode here.
		return result, nil
	}
}

// parseInitiation handles BMP Initiation messages (RFC 7854 §4.3).
// Initiation messages have no per-peer header — TLVs follow immediately
// after the common header.
func parseInitiation(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	parseTLVs(data, result)
	return result, nil
}

func parseRouteMonitoring(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < PerPeerHeaderSize {
		return nil, fmt.Errorf("bmp: route monitoring too short for per-peer header (%d bytes)", len(data))
	}
	parsePerPeerHeader(data, result)

	bgpData := data[PerPeerHeaderSize:]
	if len(bgpData) == 0 {
		return nil, fmt.Errorf("bmp: no data after per-peer header")
	}

	if result.IsLocRIB {
		// For Loc-RIB (RFC 9069), the structure is:
		// per-peer header (42) + BGP UPDATE + TLVs such as the VRF
		// table name. Find the BGP message end, then parse TLVs after.
		bgpMsgLen, err := bgpMessageLength(bgpData)
		if err != nil || bgpMsgLen > len(bgpData) {
			// If we can't parse a BGP header, treat all remaining as BGP data.
			result.BGPData = bgpData
			return result, nil
		}
		result.BGPData = bgpData[:bgpMsgLen]
		parseTLVs(bgpData[bgpMsgLen:], result)
		return result, nil
	}

	result.BGPData = bgpData
	return result, nil
}

func parsePeerDown(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < PerPeerHeaderSize {
		return nil, fmt.Errorf("bmp: peer down too short for per-peer header (%d bytes)", len(data))
	}
	parsePerPeerHeader(data, result)

	if len(data) <= PerPeerHeaderSize {
		return result, nil
	}
	result.PeerDownReason = data[PerPeerHeaderSize]
	rest := data[PerPeerHeaderSize+1:]

	switch result.PeerDownReason {
	case PeerDownLocalNotification, PeerDownRemoteNotification:
		parseNotification(rest, result)
	default:
		if result.IsLocRIB {
			// RFC 9069 Section 5: Loc-RIB Peer Down may carry TLVs
			// after the reason code.
			parseTLVs(rest, result)
		}
	}
	return result, nil
}

// peerUpOpenOffset skips the local address (16), local port (2) and
// remote port (2) that precede the Sent OPEN in a Peer Up body
// (RFC 7854 §4.10).
const peerUpOpenOffset = PerPeerHeaderSize + 16 + 2 + 2

func parsePeerUp(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < PerPeerHeaderSize {
		return nil, fmt.Errorf("bmp: peer up too short for per-peer header (%d bytes)", len(data))
	}
	parsePerPeerHeader(data, result)

	if result.IsLocRIB {
		// RFC 9069 Section 4.4: For Loc-RIB Peer Up, the Sent Open and
		// Received Open fields are empty (zero-length), so TLVs start
		// right after the per-peer header.
		result.LocalBGPID = RouterIDFromPeerHeader(data)
		parseTLVs(data[PerPeerHeaderSize:], result)
		return result, nil
	}

	if len(data) <= peerUpOpenOffset {
		return result, nil
	}
	openData := data[peerUpOpenOffset:]

	sent, ok := parseBGPOpen(openData)
	if !ok {
		return result, nil
	}
	result.LocalASN = sent.asn
	result.LocalBGPID = sent.bgpID
	result.AddPathSent = sent.addPath

	if recv, ok := parseBGPOpen(openData[sent.msgLen:]); ok {
		result.AddPathRecv = recv.addPath
	}
	return result, nil
}

// parsePerPeerHeader fills the peer identity fields from a per-peer
// header (RFC 7854 §4.2). Callers have already verified 42 bytes.
func parsePerPeerHeader(data []byte, result *ParsedBMP) {
	result.PeerType = data[0]
	result.PeerFlags = data[1]
	result.IsLocRIB = result.PeerType == PeerTypeLocRIB
	// For global peers the same flag bit means an IPv6 peer address, so
	// the F-bit shortcut applies to Loc-RIB instance peers only. OPEN
	// capabilities decide for everything else.
	result.HasAddPath = result.IsLocRIB && result.PeerFlags&PeerFlagAddPath != 0
	result.PeerAddr = peerAddrString(data[10:26])
	result.PeerASN = binary.BigEndian.Uint32(data[26:30])
	result.PeerBGPID = net.IP(data[30:34]).String()
	sec := binary.BigEndian.Uint32(data[34:38])
	usec := binary.BigEndian.Uint32(data[38:42])
	if sec != 0 || usec != 0 {
		result.Timestamp = time.Unix(int64(sec), int64(usec)*1000).UTC()
	}
}

// parseNotification pulls the error code and subcode out of the BGP
// NOTIFICATION that accompanies peer down reasons 1 and 3 (RFC 4271
// §4.5: code at offset 19, subcode at offset 20).
func parseNotification(data []byte, result *ParsedBMP) {
	if len(data) < 21 || data[18] != 3 {
		return
	}
	result.NotifyCode = data[19]
	result.NotifySubcode = data[20]
}

// peerAddrString renders the 16-byte peer address field. BMP (RFC 7854
// §4.2) encodes IPv4 as 12 zero bytes + 4 IPv4 bytes, which differs
// from the ::ffff: IPv4-mapped format that net.IP.To4() recognizes. An
// all-zero field (Loc-RIB instance peers) yields "".
func peerAddrString(addr []byte) string {
	allZero := true
	for _, b := range addr {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return ""
	}
	isV4 := true
	for _, b := range addr[:12] {
		if b != 0 {
			isV4 = false
			break
		}
	}
	if isV4 {
		return net.IP(addr[12:16]).String()
	}
	return net.IP(addr).String()
}

// RouterIDFromPeerHeader extracts a printable peer identity from a BMP
// per-peer header. For Loc-RIB (peer type 3, RFC 9069 Section 4.1) the
// Peer Address is all zeros but Peer BGP ID carries the local router's
// identifier, so that field is the fallback.
func RouterIDFromPeerHeader(data []byte) string {
	if len(data) < PerPeerHeaderSize {
		return ""
	}
	if addr := peerAddrString(data[10:26]); addr != "" {
		return addr
	}
	bgpID := data[30:34]
	for _, b := range bgpID {
		if b != 0 {
			return net.IP(bgpID).String()
		}
	}
	return ""
}

// parseTLVs extracts Table Name and other informational TLVs.
// Unknown types are skipped.
func parseTLVs(data []byte, result *ParsedBMP) {
	offset := 0
	for offset+4 <= len(data) {
		tlvType := binary.BigEndian.Uint16(data[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4

		if offset+tlvLen > len(data) {
			break
		}

		value := data[offset : offset+tlvLen]
		switch tlvType {
		case TLVTypeTableName:
			if tlvLen > 0 {
				result.TableName = string(value)
			}
		case TLVTypeSysDescr:
			result.SysDescr = string(value)
		case TLVTypeSysName:
			result.SysName = string(value)
		}

		offset += tlvLen
	}
}

// bgpMessageLength reads the length field from a BGP message header.
// BGP header: marker(16) + length(2) + type(1) = 19 bytes minimum.
func bgpMessageLength(data []byte) (int, error) {
	if len(data) < 19 {
		return 0, fmt.Errorf("bmp: bgp message too short (%d bytes)", len(data))
	}
	for i := 0; i < 16; i++ {
		if data[i] != 0xFF {
			return 0, fmt.Errorf("bmp: invalid bgp marker at byte %d", i)
		}
	}
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < 19 {
		return 0, fmt.Errorf("bmp: invalid bgp message length %d", length)
	}
	if length > 4096 {
		return 0, fmt.Errorf("bmp: bgp message length %d exceeds maximum 4096", length)
	}
	return length, nil
}

// bgpOpenMinLen is marker(16) + length(2) + type(1) + version(1) +
// my_as(2) + hold_time(2) + bgp_id(4) + opt_parm_len(1).
const bgpOpenMinLen = 29

// asTrans is the 2-byte placeholder ASN from RFC 6793.
const asTrans = 23456

// BGP capability codes carried inside OPEN optional parameter type 2.
const (
	cap4ByteASN uint8 = 65
	capAddPath  uint8 = 69
)

type bgpOpen struct {
	asn     uint32
	bgpID   string
	addPath []AddPathTuple
	msgLen  int
}

// parseBGPOpen decodes a BGP OPEN message starting at its 16-byte
// marker (RFC 4271 §4.2). The boolean is false when data does not
// begin with a well-formed OPEN.
func parseBGPOpen(data []byte) (bgpOpen, bool) {
	var open bgpOpen
	if len(data) < bgpOpenMinLen {
		return open, false
	}
	for i := 0; i < 16; i++ {
		if data[i] != 0xFF {
			return open, false
		}
	}
	msgLen := int(binary.BigEndian.Uint16(data[16:18]))
	if data[18] != 1 || msgLen < bgpOpenMinLen || msgLen > len(data) {
		return open, false
	}
	open.msgLen = msgLen
	open.asn = uint32(binary.BigEndian.Uint16(data[20:22]))
	open.bgpID = net.IP(data[24:28]).String()

	optParmLen := int(data[28])
	if optParmLen > 0 && bgpOpenMinLen+optParmLen <= msgLen {
		caps := scanCapabilities(data[bgpOpenMinLen : bgpOpenMinLen+optParmLen])
		// If the 2-byte ASN is AS_TRANS, the 4-byte ASN capability
		// carries the real value.
		if open.asn == asTrans && caps.as4 != 0 {
			open.asn = caps.as4
		}
		open.addPath = caps.addPath
	}
	return open, true
}

type openCaps struct {
	as4     uint32
	addPath []AddPathTuple
}

// scanCapabilities walks BGP Optional Parameters (RFC 5492) and
// collects the 4-byte ASN (RFC 6793, code 65) and ADD-PATH (RFC 7911,
// code 69) capabilities.
//
// Optional Parameters layout:
//
//	Each parameter: Type(1) + Length(1) + Value(variable)
//	Type 2 = Capabilities: Value contains one or more capabilities
//	Each capability: Code(1) + Length(1) + Value(variable)
func scanCapabilities(optParams []byte) openCaps {
	var caps openCaps
	offset := 0
	for offset+2 <= len(optParams) {
		paramType := optParams[offset]
		paramLen := int(optParams[offset+1])
		offset += 2

		if offset+paramLen > len(optParams) {
			return caps
		}

		if paramType == 2 {
			capData := optParams[offset : offset+paramLen]
			capOffset := 0
			for capOffset+2 <= len(capData) {
				capCode := capData[capOffset]
				capLen := int(capData[capOffset+1])
				capOffset += 2

				if capOffset+capLen > len(capData) {
					break
				}

				switch {
				case capCode == cap4ByteASN && capLen == 4:
					caps.as4 = binary.BigEndian.Uint32(capData[capOffset : capOffset+4])
				case capCode == capAddPath:
					// One AFI(2)/SAFI(1)/SendReceive(1) tuple per four bytes.
					for i := 0; i+4 <= capLen; i += 4 {
						t := capData[capOffset+i : capOffset+i+4]
						caps.addPath = append(caps.addPath, AddPathTuple{
							AFI:         binary.BigEndian.Uint16(t[0:2]),
							SAFI:        t[2],
							SendReceive: t[3],
						})
					}
				}

				capOffset += capLen
			}
		}

		offset += paramLen
	}
	return caps
}
