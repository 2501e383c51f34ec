package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/unixian97/openbmp/internal/bgp"
	"github.com/unixian97/openbmp/internal/bmp"
	"github.com/unixian97/openbmp/internal/session"
	"go.uber.org/zap"
)

// debug-raw drains a topic with a throwaway consumer group and pretty
// prints every frame: OpenBMP envelope, BMP messages, and decoded
// UPDATE contents. Sessions are tracked the same way the pipelines do,
// so path identifiers decode correctly after a Peer Up.
func main() {
	broker := "localhost:29092"
	topic := "openbmp.raw"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("debug-raw-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := &analyzer{registry: session.NewRegistry(false)}

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== Kafka msg %d (partition=%d offset=%d, %d bytes) ===\n",
				msgNum, rec.Partition, rec.Offset, len(rec.Value))

			a.analyze(rec.Value)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total Kafka messages: %d\n", msgNum)
}

type analyzer struct {
	registry *session.Registry
}

func (a *analyzer) analyze(data []byte) {
	frame, err := bmp.DecodeOpenBMPFrame(data, 32*1024*1024)
	if err != nil {
		fmt.Printf("  DecodeOpenBMPFrame error: %v\n", err)
		return
	}
	fmt.Printf("  BMP payload: %d bytes\n", len(frame.BMPBytes))
	fmt.Printf("  OpenBMP router IP: %q hash: %q\n", frame.RouterIP, frame.RouterHash)

	msgs, err := bmp.ParseAll(frame.BMPBytes)
	if err != nil {
		fmt.Printf("  ParseAll error: %v\n", err)
		return
	}
	fmt.Printf("  BMP messages in payload: %d\n", len(msgs))

	for i, m := range msgs {
		routerIP := frame.RouterIP
		if routerIP == "" {
			routerIP = m.PeerBGPID
		}

		fmt.Printf("\n  --- BMP msg %d (offset=%d) ---\n", i, m.Offset)
		fmt.Printf("    MsgType:    %d (%s)\n", m.MsgType, bmpMsgName(m.MsgType))
		fmt.Printf("    PeerType:   %d (LocRIB=%v)\n", m.PeerType, m.IsLocRIB)
		fmt.Printf("    PeerFlags:  0x%02x (F-bit AddPath=%v)\n", m.PeerFlags, m.HasAddPath)
		fmt.Printf("    Router:     %q  Peer: %q AS%d\n", routerIP, m.PeerAddr, m.PeerASN)
		fmt.Printf("    TableName:  %q\n", m.TableName)
		if !m.Timestamp.IsZero() {
			fmt.Printf("    Timestamp:  %s\n", m.Timestamp.Format(time.RFC3339Nano))
		}

		switch m.MsgType {
		case bmp.MsgTypeInitiation:
			fmt.Printf("    SysName:    %q SysDescr: %q\n", m.SysName, m.SysDescr)

		case bmp.MsgTypePeerUp:
			tuples := m.NegotiatedAddPath()
			a.registry.PeerUp(routerIP, m.PeerAddr, tuples, time.Now())
			fmt.Printf("    LocalAS:    %d LocalBGPID: %q\n", m.LocalASN, m.LocalBGPID)
			for _, t := range tuples {
				fmt.Printf("    AddPath:    afi=%d safi=%d negotiated\n", t.AFI, t.SAFI)
			}

		case bmp.MsgTypePeerDown:
			a.registry.PeerDown(routerIP, m.PeerAddr)
			fmt.Printf("    Reason:     %d notify=%d/%d\n", m.PeerDownReason, m.NotifyCode, m.NotifySubcode)

		case bmp.MsgTypeTermination:
			a.registry.RouterDown(routerIP)

		case bmp.MsgTypeRouteMonitoring:
			a.printUpdate(routerIP, m)
		}
	}
}

func (a *analyzer) printUpdate(routerIP string, m *bmp.ParsedBMP) {
	if len(m.BGPData) >= 19 {
		fmt.Printf("    BGP msg type: %d, length: %d\n",
			m.BGPData[18],
			int(m.BGPData[16])<<8|int(m.BGPData[17]))
	}

	var lookup bgp.AddPathLookup = a.registry.Lookup(routerIP, m.PeerAddr)
	if m.HasAddPath {
		lookup = bgp.AddPathFunc(func(uint16, uint8) bool { return true })
	}
	dec := bgp.NewDecoder(lookup, zap.NewNop())

	u, err := dec.ParseUpdate(m.BGPData)
	if err != nil {
		fmt.Printf("    ParseUpdate error: %v\n", err)
		if len(m.BGPData) > 19 {
			end := len(m.BGPData)
			if end > 60 {
				end = 60
			}
			fmt.Printf("    BGPData[19:%d] hex: %s\n", end, hex.EncodeToString(m.BGPData[19:end]))
		}
		return
	}
	if u == nil {
		fmt.Printf("    (not an UPDATE)\n")
		return
	}
	if u.EOR != nil {
		fmt.Printf("    EOR (afi=%d safi=%d)\n", u.EOR.AFI, u.EOR.SAFI)
		return
	}

	nexthop := u.AttrString(bgp.AttrNextHop)
	asPath := u.AttrString(bgp.AttrASPath)

	fmt.Printf("    Announced: %d  Withdrawn: %d\n", len(u.NLRI), len(u.Withdrawn))
	printEntries := func(entries []bgp.NLRIEntry, marker string) {
		for j, e := range entries {
			if j == 5 && len(entries) > 6 {
				fmt.Printf("      ... (%d more) ...\n", len(entries)-6)
				continue
			}
			if j > 5 && j != len(entries)-1 {
				continue
			}
			line := fmt.Sprintf("      [%s %d] afi=%d safi=%d %s %s", marker, j, e.AFI, e.SAFI, e.Kind, e.CIDR())
			if e.PathID != 0 {
				line += fmt.Sprintf(" pathID=%d", e.PathID)
			}
			if len(e.Labels) > 0 {
				line += fmt.Sprintf(" labels=%v", e.Labels)
			}
			fmt.Println(line)
		}
	}
	printEntries(u.NLRI, "A")
	printEntries(u.Withdrawn, "D")
	if nexthop != "" || asPath != "" {
		fmt.Printf("      nexthop=%s as_path=%q\n", nexthop, asPath)
	}
}

func bmpMsgName(t uint8) string {
	switch t {
	case 0:
		return "RouteMonitoring"
	case 1:
		return "StatisticsReport"
	case 2:
		return "PeerDown"
	case 3:
		return "PeerUp"
	case 4:
		return "Initiation"
	case 5:
		return "Termination"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
