package bgp

// MPLS label entry: 3 octets on the wire, value in the top 20 bits,
// experimental bits next, bottom-of-stack flag in the lowest bit.
const (
	labelWireBytes = 3
	labelBits      = 24
)

// labelWithdrawRaw is the reserved encoding a speaker uses to withdraw a
// labeled route without naming a real label. It terminates a label stack
// like bottom-of-stack even though its own bottom-of-stack bit is clear.
const labelWithdrawRaw uint32 = 0x800000

type mplsLabel struct {
	value  uint32
	exp    uint8
	bottom bool
}

// decodeLabel decodes one 3-octet label entry. It returns the decoded
// fields and the raw 24-bit value for sentinel comparison. b must hold
// at least labelWireBytes.
func decodeLabel(b []byte) (mplsLabel, uint32) {
	raw := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return mplsLabel{
		value:  raw >> 4,
		exp:    uint8(raw>>1) & 0x07,
		bottom: raw&0x01 != 0,
	}, raw
}
