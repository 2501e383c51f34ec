package bgp

import (
	"encoding/binary"
	"fmt"
)

// ParseUpdate decodes one BGP message, including the 19-byte header.
// Non-UPDATE messages return (nil, nil) so callers can skip them.
// Errors cover the UPDATE framing itself (section lengths, attribute
// headers); NLRI-body damage inside an attribute stops quietly with
// whatever was decoded so far, per the multiprotocol decode contract.
func (d *Decoder) ParseUpdate(data []byte) (*Update, error) {
	if len(data) < BGPHeaderSize {
		return nil, fmt.Errorf("bgp: message too short (%d bytes)", len(data))
	}

	if data[18] != BGPMsgTypeUpdate {
		return nil, nil
	}

	return d.parseUpdatePayload(data[BGPHeaderSize:])
}

func (d *Decoder) parseUpdatePayload(data []byte) (*Update, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bgp: update payload too short (%d bytes)", len(data))
	}

	u := NewUpdate()
	offset := 0

	// Withdrawn routes length, then classic IPv4 withdrawals.
	withdrawnLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+withdrawnLen > len(data) {
		return nil, fmt.Errorf("bgp: withdrawn length %d exceeds data", withdrawnLen)
	}
	d.decodeNLRI(&u.Withdrawn, AFIIPv4, SAFIUnicast, data[offset:offset+withdrawnLen])
	offset += withdrawnLen

	// Total path attribute length.
	if offset+2 > len(data) {
		return nil, fmt.Errorf("bgp: no room for path attr length")
	}
	attrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if offset+attrLen > len(data) {
		return nil, fmt.Errorf("bgp: path attr length %d exceeds data", attrLen)
	}

	nAttrs, emptyUnreach, err := d.decodeAttributes(data[offset:offset+attrLen], u)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse path attrs: %w", err)
	}
	offset += attrLen

	// Classic IPv4 NLRI fills the rest of the payload.
	d.decodeNLRI(&u.NLRI, AFIIPv4, SAFIUnicast, data[offset:])

	// End-of-RIB: an empty UPDATE marks IPv4 unicast; an UPDATE whose
	// only attribute is an empty MP_UNREACH marks that family. The
	// offset check rules out payloads with trailing NLRI bytes.
	if withdrawnLen == 0 && offset == len(data) {
		switch {
		case nAttrs == 0:
			u.EOR = &EORMark{AFI: AFIIPv4, SAFI: SAFIUnicast}
		case nAttrs == 1 && emptyUnreach != nil:
			u.EOR = emptyUnreach
		}
	}

	return u, nil
}
