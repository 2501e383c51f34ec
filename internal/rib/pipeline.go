package rib

import (
	"context"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/unixian97/openbmp/internal/bgp"
	"github.com/unixian97/openbmp/internal/bmp"
	"github.com/unixian97/openbmp/internal/metrics"
	"github.com/unixian97/openbmp/internal/session"
)

type Pipeline struct {
	writer        *Writer
	registry      *session.Registry
	batchSize     int
	flushInterval time.Duration
	maxPayload    int
	logger        *zap.Logger
}

func NewPipeline(writer *Writer, registry *session.Registry, batchSize, flushIntervalMs, maxPayloadBytes int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		writer:        writer,
		registry:      registry,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		maxPayload:    maxPayloadBytes,
		logger:        logger,
	}
}

// control is a table operation triggered by the stream that must run
// after the rows seen before it have been flushed.
type control struct {
	kind     controlKind
	routerIP string
	peerAddr string
	afi      uint16
	safi     uint8
}

type controlKind int

const (
	controlEOR controlKind = iota
	controlPeerDown
	controlTermination
)

// Run processes records from the channel until the context is
// cancelled or the channel closes. Records whose rows were flushed are
// sent on flushed for offset commit.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	var batch []*RouteRow
	var batchRecords []*kgo.Record
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batchRecords) > 0 {
				if err := p.flush(ctx, batch, batchRecords, flushed); err != nil {
					p.logger.Error("final flush failed", zap.Error(err))
				}
			}
			return

		case recs, ok := <-records:
			if !ok {
				if len(batchRecords) > 0 {
					if err := p.flush(ctx, batch, batchRecords, flushed); err != nil {
						p.logger.Error("final flush failed", zap.Error(err))
					}
				}
				return
			}

			for _, rec := range recs {
				rows, controls := p.processRecord(rec)

				// Always track the record for offset commit, even if
				// decoding failed. This prevents unparseable records
				// from stalling partition progress.
				batchRecords = append(batchRecords, rec)
				batch = append(batch, rows...)

				if len(controls) == 0 {
					continue
				}

				// Rows seen before a purge must land before it runs.
				if err := p.flush(ctx, batch, batchRecords, flushed); err != nil {
					p.logger.Error("flush before purge failed", zap.Error(err))
				} else {
					batch = nil
					batchRecords = nil
				}
				for _, c := range controls {
					p.applyControl(ctx, c)
				}
			}

			if len(batchRecords) >= p.batchSize {
				if err := p.flush(ctx, batch, batchRecords, flushed); err != nil {
					p.logger.Error("batch flush failed", zap.Error(err))
				} else {
					batch = nil
					batchRecords = nil
				}
			}

			// Cap memory: if repeated flush failures grow the backlog
			// beyond 10x the configured size, drop it rather than grow
			// without bound during a prolonged DB outage.
			if len(batchRecords) >= p.batchSize*10 {
				p.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_records", len(batchRecords)),
					zap.Int("dropped_rows", len(batch)),
				)
				metrics.RecordsDroppedTotal.WithLabelValues("rib").Add(float64(len(batchRecords)))
				batch = nil
				batchRecords = nil
			}

		case <-ticker.C:
			if len(batchRecords) > 0 {
				if err := p.flush(ctx, batch, batchRecords, flushed); err != nil {
					p.logger.Error("timer flush failed", zap.Error(err))
				} else {
					batch = nil
					batchRecords = nil
				}
			}
		}
	}
}

// processRecord turns one raw Kafka record into route rows plus any
// purge operations its messages triggered, updating the session
// registry along the way.
func (p *Pipeline) processRecord(rec *kgo.Record) ([]*RouteRow, []control) {
	metrics.RecordsConsumedTotal.WithLabelValues("rib").Inc()

	frame, err := bmp.DecodeOpenBMPFrame(rec.Value, p.maxPayload)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("openbmp", "frame").Inc()
		p.logger.Warn("openbmp frame decode failed",
			zap.String("topic", rec.Topic),
			zap.Error(err),
		)
		return nil, nil
	}

	msgs, err := bmp.ParseAll(frame.BMPBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bmp", "parse").Inc()
		p.logger.Warn("bmp parse failed",
			zap.String("router", frame.RouterIP),
			zap.Error(err),
		)
		return nil, nil
	}

	var rows []*RouteRow
	var controls []control

	for _, m := range msgs {
		routerIP := frame.RouterIP
		if routerIP == "" {
			// Legacy frames carry no router identity; fall back to the
			// BGP ID from the per-peer header.
			routerIP = m.PeerBGPID
		}

		switch m.MsgType {
		case bmp.MsgTypePeerUp:
			tuples := m.NegotiatedAddPath()
			p.registry.PeerUp(routerIP, m.PeerAddr, tuples, time.Now())
			p.logger.Info("peer up",
				zap.String("router", routerIP),
				zap.String("peer", m.PeerAddr),
				zap.Uint32("peer_asn", m.PeerASN),
				zap.Int("addpath_families", len(tuples)),
			)

		case bmp.MsgTypePeerDown:
			p.registry.PeerDown(routerIP, m.PeerAddr)
			controls = append(controls, control{kind: controlPeerDown, routerIP: routerIP, peerAddr: m.PeerAddr})
			p.logger.Info("peer down",
				zap.String("router", routerIP),
				zap.String("peer", m.PeerAddr),
				zap.Uint8("reason", m.PeerDownReason),
				zap.Uint8("notify_code", m.NotifyCode),
				zap.Uint8("notify_subcode", m.NotifySubcode),
			)

		case bmp.MsgTypeTermination:
			p.registry.RouterDown(routerIP)
			controls = append(controls, control{kind: controlTermination, routerIP: routerIP})
			p.logger.Info("router termination", zap.String("router", routerIP))

		case bmp.MsgTypeRouteMonitoring:
			mrows, ctrl := p.processRouteMonitoring(routerIP, m)
			rows = append(rows, mrows...)
			if ctrl != nil {
				controls = append(controls, *ctrl)
			}
		}
	}

	return rows, controls
}

func (p *Pipeline) processRouteMonitoring(routerIP string, m *bmp.ParsedBMP) ([]*RouteRow, *control) {
	var lookup bgp.AddPathLookup = p.registry.Lookup(routerIP, m.PeerAddr)
	if m.HasAddPath {
		// Loc-RIB F flag: the feed is add-path encoded regardless of
		// what any Peer Up negotiated.
		lookup = bgp.AddPathFunc(func(uint16, uint8) bool { return true })
	}
	dec := bgp.NewDecoder(lookup, p.logger)

	u, err := dec.ParseUpdate(m.BGPData)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bgp", "update").Inc()
		p.logger.Warn("update decode failed",
			zap.String("router", routerIP),
			zap.String("peer", m.PeerAddr),
			zap.Error(err),
		)
		return nil, nil
	}
	if u == nil {
		// Not an UPDATE (e.g. KEEPALIVE replayed over BMP).
		return nil, nil
	}

	if u.EOR != nil {
		p.logger.Info("end-of-rib",
			zap.String("router", routerIP),
			zap.String("peer", m.PeerAddr),
			zap.Uint16("afi", u.EOR.AFI),
			zap.Uint8("safi", u.EOR.SAFI),
		)
		return nil, &control{
			kind:     controlEOR,
			routerIP: routerIP,
			peerAddr: m.PeerAddr,
			afi:      u.EOR.AFI,
			safi:     u.EOR.SAFI,
		}
	}

	countNLRI("rib", u.NLRI)
	countNLRI("rib", u.Withdrawn)

	return UpdateRows(m, routerIP, u), nil
}

func (p *Pipeline) applyControl(ctx context.Context, c control) {
	switch c.kind {
	case controlEOR:
		start, ok := p.registry.SessionStart(c.routerIP, c.peerAddr)
		if !ok {
			// No Peer Up seen for this session (joined mid-stream);
			// purging against an unknown baseline would drop live routes.
			p.logger.Debug("end-of-rib without session start marker, skipping purge",
				zap.String("router", c.routerIP),
				zap.String("peer", c.peerAddr),
			)
			return
		}
		if err := p.writer.HandleEOR(ctx, c.routerIP, c.peerAddr, c.afi, c.safi, start); err != nil {
			p.logger.Error("end-of-rib purge failed", zap.Error(err))
		}
	case controlPeerDown:
		if err := p.writer.HandlePeerDown(ctx, c.routerIP, c.peerAddr); err != nil {
			p.logger.Error("peer down purge failed", zap.Error(err))
		}
	case controlTermination:
		if err := p.writer.HandleTermination(ctx, c.routerIP); err != nil {
			p.logger.Error("termination purge failed", zap.Error(err))
		}
	}
}

func countNLRI(pipeline string, entries []bgp.NLRIEntry) {
	for _, e := range entries {
		metrics.NLRIDecodedTotal.WithLabelValues(
			pipeline,
			strconv.Itoa(int(e.AFI)),
			strconv.Itoa(int(e.SAFI)),
			e.Kind.String(),
		).Inc()
	}
}

func (p *Pipeline) flush(ctx context.Context, batch []*RouteRow, records []*kgo.Record, flushed chan<- []*kgo.Record) error {
	if err := p.writer.FlushBatch(ctx, batch); err != nil {
		return err
	}

	// Signal successful flush for offset commit.
	select {
	case flushed <- records:
	case <-ctx.Done():
	}

	return nil
}
