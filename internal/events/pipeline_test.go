package events

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/unixian97/openbmp/internal/bmp"
	"github.com/unixian97/openbmp/internal/session"
)

// --- wire builders ---

func buildBGPMessage(msgType uint8, body []byte) []byte {
	msg := make([]byte, 19+len(body))
	for i := 0; i < 16; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(len(msg)))
	msg[18] = msgType
	copy(msg[19:], body)
	return msg
}

func buildBGPUpdate(withdrawn, attrs, nlri []byte) []byte {
	body := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(withdrawn)))
	body = append(body, u16[:]...)
	body = append(body, withdrawn...)
	binary.BigEndian.PutUint16(u16[:], uint16(len(attrs)))
	body = append(body, u16[:]...)
	body = append(body, attrs...)
	body = append(body, nlri...)
	return buildBGPMessage(2, body)
}

func buildPathAttr(flags, attrType uint8, value []byte) []byte {
	attr := []byte{flags, attrType, byte(len(value))}
	return append(attr, value...)
}

// buildPerPeerHeader builds a 42-byte per-peer header with an IPv4 peer
// address, a fixed BGP ID of 198.51.100.1, and the given timestamp.
func buildPerPeerHeader(peerIPv4 []byte, asn uint32, tsSec, tsUsec uint32) []byte {
	hdr := make([]byte, bmp.PerPeerHeaderSize)
	hdr[0] = bmp.PeerTypeGlobal
	copy(hdr[22:26], peerIPv4)
	binary.BigEndian.PutUint32(hdr[26:30], asn)
	copy(hdr[30:34], []byte{198, 51, 100, 1})
	binary.BigEndian.PutUint32(hdr[34:38], tsSec)
	binary.BigEndian.PutUint32(hdr[38:42], tsUsec)
	return hdr
}

func buildBMP(msgType uint8, body []byte) []byte {
	msg := make([]byte, bmp.CommonHeaderSize+len(body))
	msg[0] = 3
	binary.BigEndian.PutUint32(msg[1:5], uint32(len(msg)))
	msg[5] = msgType
	copy(msg[6:], body)
	return msg
}

func buildBMPRouteMonitoring(peer, update []byte) []byte {
	return buildBMP(bmp.MsgTypeRouteMonitoring, append(append([]byte{}, peer...), update...))
}

func buildBMPPeerUp(peer, sentOpen, recvOpen []byte) []byte {
	body := make([]byte, 0, len(peer)+20+len(sentOpen)+len(recvOpen))
	body = append(body, peer...)
	body = append(body, make([]byte, 20)...) // local address + ports
	body = append(body, sentOpen...)
	body = append(body, recvOpen...)
	return buildBMP(bmp.MsgTypePeerUp, body)
}

func buildBGPOpen(asn uint16, bgpID []byte, optParams []byte) []byte {
	body := make([]byte, 10+len(optParams))
	body[0] = 4 // version
	binary.BigEndian.PutUint16(body[1:3], asn)
	binary.BigEndian.PutUint16(body[3:5], 180)
	copy(body[5:9], bgpID)
	body[9] = byte(len(optParams))
	copy(body[10:], optParams)
	return buildBGPMessage(1, body)
}

func buildAddPathParam(tuples ...bmp.AddPathTuple) []byte {
	capVal := make([]byte, 0, len(tuples)*4)
	for _, t := range tuples {
		var e [4]byte
		binary.BigEndian.PutUint16(e[0:2], t.AFI)
		e[2] = t.SAFI
		e[3] = t.SendReceive
		capVal = append(capVal, e[:]...)
	}
	capBytes := append([]byte{69, byte(len(capVal))}, capVal...)
	return append([]byte{2, byte(len(capBytes))}, capBytes...)
}

func buildBMPInitiation(sysName, sysDescr string) []byte {
	body := make([]byte, 0, 8+len(sysName)+len(sysDescr))
	tlv := make([]byte, 4)
	binary.BigEndian.PutUint16(tlv[0:2], bmp.TLVTypeSysName)
	binary.BigEndian.PutUint16(tlv[2:4], uint16(len(sysName)))
	body = append(body, tlv...)
	body = append(body, sysName...)
	binary.BigEndian.PutUint16(tlv[0:2], bmp.TLVTypeSysDescr)
	binary.BigEndian.PutUint16(tlv[2:4], uint16(len(sysDescr)))
	body = append(body, tlv...)
	body = append(body, sysDescr...)
	return buildBMP(bmp.MsgTypeInitiation, body)
}

func record(frame []byte) *kgo.Record {
	return &kgo.Record{Topic: "openbmp.raw", Value: frame}
}

func newTestPipeline(reg *session.Registry) *Pipeline {
	return NewPipeline(nil, reg, 500, 2000, 32<<20, zap.NewNop())
}

// --- tests ---

func TestProcessRecord_RowPerPrefix(t *testing.T) {
	p := newTestPipeline(session.NewRegistry(false))

	peer := buildPerPeerHeader([]byte{192, 0, 2, 1}, 65001, 1700000100, 500000)
	attrs := append(
		buildPathAttr(0x40, 1, []byte{0}), // ORIGIN IGP
		buildPathAttr(0x40, 3, []byte{203, 0, 113, 9})..., // NEXT_HOP
	)
	update := buildBGPUpdate(
		[]byte{24, 192, 0, 2},
		attrs,
		[]byte{24, 10, 0, 0, 16, 172, 16},
	)
	bmpMsg := buildBMPRouteMonitoring(peer, update)
	frame := buildLegacyFrame(0xC0FFEE00, bmpMsg)

	rows := p.processRecord(context.Background(), record(frame))

	if len(rows) != 3 {
		t.Fatalf("expected 3 rows (2 announces + 1 withdrawal), got %d", len(rows))
	}

	wantID := EventID("", bmpMsg)
	for i, r := range rows {
		if r.Seq != i {
			t.Errorf("row %d: expected seq %d, got %d", i, i, r.Seq)
		}
		if !bytes.Equal(r.EventID, wantID) {
			t.Errorf("row %d: event id does not match the frame hash", i)
		}
		if !bytes.Equal(r.FrameRaw, frame) {
			t.Errorf("row %d: expected the raw frame to be carried", i)
		}
		// Legacy frames carry no router identity; the per-peer BGP ID is
		// the fallback.
		if r.RouterIP != "198.51.100.1" {
			t.Errorf("row %d: expected router 198.51.100.1, got %s", i, r.RouterIP)
		}
	}

	if rows[0].Action != ActionAnnounce || rows[0].Prefix != "10.0.0.0/24" {
		t.Errorf("row 0: expected A 10.0.0.0/24, got %s %s", rows[0].Action, rows[0].Prefix)
	}
	if rows[1].Action != ActionAnnounce || rows[1].Prefix != "172.16.0.0/16" {
		t.Errorf("row 1: expected A 172.16.0.0/16, got %s %s", rows[1].Action, rows[1].Prefix)
	}
	if rows[2].Action != ActionWithdraw || rows[2].Prefix != "192.0.2.0/24" {
		t.Errorf("row 2: expected D 192.0.2.0/24, got %s %s", rows[2].Action, rows[2].Prefix)
	}

	if rows[0].Nexthop != "203.0.113.9" {
		t.Errorf("expected nexthop 203.0.113.9, got %s", rows[0].Nexthop)
	}
	wantTime := time.Unix(1700000100, 500000*1000).UTC()
	if !rows[0].MsgTime.Equal(wantTime) {
		t.Errorf("expected msg time %v, got %v", wantTime, rows[0].MsgTime)
	}
}

func TestProcessRecord_AttrsByName(t *testing.T) {
	p := newTestPipeline(session.NewRegistry(false))

	peer := buildPerPeerHeader([]byte{192, 0, 2, 1}, 65001, 0, 0)
	attrs := append(
		buildPathAttr(0x40, 2, []byte{2, 2, 0, 0, 0xFD, 0xE9, 0, 0, 0xFD, 0xEA}), // AS_PATH 65001 65002
		buildPathAttr(0x40, 3, []byte{203, 0, 113, 9})...,
	)
	attrs = append(attrs,
		buildPathAttr(0xC0, 8, []byte{0xFD, 0xE9, 0x00, 0x64, 0xFD, 0xE9, 0x00, 0x65})..., // two communities
	)
	update := buildBGPUpdate(nil, attrs, []byte{24, 10, 0, 0})
	frame := buildLegacyFrame(0xC0FFEE00, buildBMPRouteMonitoring(peer, update))

	rows := p.processRecord(context.Background(), record(frame))

	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.ASPath != "65001 65002" {
		t.Errorf("expected as path %q, got %q", "65001 65002", r.ASPath)
	}
	if r.OriginASN == nil || *r.OriginASN != 65002 {
		t.Errorf("expected origin asn 65002, got %v", r.OriginASN)
	}
	if got := r.Attrs["asPath"]; len(got) != 1 || got[0] != "65001 65002" {
		t.Errorf("expected asPath attr, got %v", got)
	}
	if got := r.Attrs["stdCommunity"]; len(got) != 2 || got[0] != "65001:100" || got[1] != "65001:101" {
		t.Errorf("expected two communities, got %v", got)
	}
}

func TestProcessRecord_EORAndKeepaliveProduceNoRows(t *testing.T) {
	p := newTestPipeline(session.NewRegistry(false))

	peer := buildPerPeerHeader([]byte{192, 0, 2, 1}, 65001, 0, 0)

	eor := buildLegacyFrame(1, buildBMPRouteMonitoring(peer, buildBGPUpdate(nil, nil, nil)))
	if rows := p.processRecord(context.Background(), record(eor)); len(rows) != 0 {
		t.Errorf("expected no rows for End-of-RIB, got %d", len(rows))
	}

	keepalive := buildLegacyFrame(1, buildBMPRouteMonitoring(peer, buildBGPMessage(4, nil)))
	if rows := p.processRecord(context.Background(), record(keepalive)); len(rows) != 0 {
		t.Errorf("expected no rows for keepalive, got %d", len(rows))
	}
}

func TestProcessRecord_LegacyInitiationSkipped(t *testing.T) {
	// Legacy frames have no router IP: there is nothing to key the
	// routers table on, so the initiation is skipped without touching
	// the writer.
	p := newTestPipeline(session.NewRegistry(false))

	frame := buildLegacyFrame(1, buildBMPInitiation("edge-r1", "Test OS 1.0"))

	rows := p.processRecord(context.Background(), record(frame))
	if len(rows) != 0 {
		t.Errorf("expected no rows for initiation, got %d", len(rows))
	}
}

func TestProcessRecord_AddPathFromPeerUp(t *testing.T) {
	reg := session.NewRegistry(false)
	p := newTestPipeline(reg)

	peer := buildPerPeerHeader([]byte{192, 0, 2, 1}, 65001, 0, 0)
	sentOpen := buildBGPOpen(64512, []byte{198, 51, 100, 1},
		buildAddPathParam(bmp.AddPathTuple{AFI: 1, SAFI: 1, SendReceive: 3}))
	recvOpen := buildBGPOpen(65001, []byte{192, 0, 2, 1},
		buildAddPathParam(bmp.AddPathTuple{AFI: 1, SAFI: 1, SendReceive: 2}))

	rows := p.processRecord(context.Background(), record(buildLegacyFrame(1, buildBMPPeerUp(peer, sentOpen, recvOpen))))
	if len(rows) != 0 {
		t.Fatalf("peer up should produce no rows, got %d", len(rows))
	}

	update := buildBGPUpdate(nil,
		buildPathAttr(0x40, 3, []byte{203, 0, 113, 9}),
		[]byte{0, 0, 0, 7, 24, 10, 0, 0})
	rows = p.processRecord(context.Background(), record(buildLegacyFrame(1, buildBMPRouteMonitoring(peer, update))))

	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].PathID != 7 {
		t.Errorf("expected path id 7, got %d", rows[0].PathID)
	}
	if rows[0].Prefix != "10.0.0.0/24" {
		t.Errorf("expected prefix 10.0.0.0/24, got %s", rows[0].Prefix)
	}
}

func TestProcessRecord_GarbageFrameSkipped(t *testing.T) {
	p := newTestPipeline(session.NewRegistry(false))

	rows := p.processRecord(context.Background(), record([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	if len(rows) != 0 {
		t.Errorf("garbage frame should produce nothing, got %d rows", len(rows))
	}
}
