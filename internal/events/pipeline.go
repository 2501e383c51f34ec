package events

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

// Run processes records from the channel until the context is
// cancelled or the channel closes.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	var batch []*EventRow
	var batchRecords []*kgo.Record
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batchRecords) > 0 {
				p.flush(ctx, batch, batchRecords, flushed)
			}
			return

		case recs, ok := <-records:
			if !ok {
				if len(batchRecords) > 0 {
					p.flush(ctx, batch, batchRecords, flushed)
				}
				return
			}

			for _, rec := range recs {
				rows := p.processRecord(ctx, rec)
				if len(rows) > 0 {
					batch = append(batch, rows...)
				}
				batchRecords = append(batchRecords, rec)
			}

			if len(batchRecords) >= p.batchSize {
				if p.flush(ctx, batch, batchRecords, flushed) {
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
				metrics.RecordsDroppedTotal.WithLabelValues("events").Add(float64(len(batchRecords)))
				batch = nil
				batchRecords = nil
			}

		case <-ticker.C:
			if len(batchRecords) > 0 {
				if p.flush(ctx, batch, batchRecords, flushed) {
					batch = nil
					batchRecords = nil
				}
			}
		}
	}
}

// processRecord turns one raw record into event rows: one per
// announced or withdrawn prefix across every BMP message in the frame.
// Initiation messages update router metadata instead of producing
// rows; Peer Up/Down and Termination keep the session registry
// current.
func (p *Pipeline) processRecord(ctx context.Context, rec *kgo.Record) []*EventRow {
	metrics.RecordsConsumedTotal.WithLabelValues("events").Inc()

	frame, err := bmp.DecodeOpenBMPFrame(rec.Value, p.maxPayload)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("openbmp", "frame").Inc()
		p.logger.Warn("openbmp frame decode failed",
			zap.String("topic", rec.Topic),
			zap.Error(err),
		)
		return nil
	}

	msgs, err := bmp.ParseAll(frame.BMPBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bmp", "parse").Inc()
		p.logger.Warn("bmp parse failed",
			zap.String("router", frame.RouterIP),
			zap.Error(err),
		)
		return nil
	}

	eventID := EventID(frame.RouterIP, frame.BMPBytes)

	var rows []*EventRow
	seq := 0

	for _, m := range msgs {
		routerIP := frame.RouterIP
		if routerIP == "" {
			routerIP = m.PeerBGPID
		}

		switch m.MsgType {
		case bmp.MsgTypeInitiation:
			if frame.RouterIP == "" {
				// Legacy frames carry no router identity to key the
				// routers table on.
				continue
			}
			if err := p.writer.UpsertRouter(ctx, frame.RouterIP, frame.RouterHash, m.SysName, m.SysDescr); err != nil {
				p.logger.Warn("router upsert failed",
					zap.String("router", frame.RouterIP),
					zap.Error(err),
				)
			} else {
				p.logger.Info("router initiation",
					zap.String("router", frame.RouterIP),
					zap.String("sys_name", m.SysName),
				)
			}

		case bmp.MsgTypePeerUp:
			p.registry.PeerUp(routerIP, m.PeerAddr, m.NegotiatedAddPath(), time.Now())

		case bmp.MsgTypePeerDown:
			p.registry.PeerDown(routerIP, m.PeerAddr)

		case bmp.MsgTypeTermination:
			p.registry.RouterDown(routerIP)

		case bmp.MsgTypeRouteMonitoring:
			rows = append(rows, p.routeEventRows(m, routerIP, eventID, rec.Value, &seq)...)
		}
	}

	return rows
}

func (p *Pipeline) routeEventRows(m *bmp.ParsedBMP, routerIP string, eventID []byte, frameRaw []byte, seq *int) []*EventRow {
	var lookup bgp.AddPathLookup = p.registry.Lookup(routerIP, m.PeerAddr)
	if m.HasAddPath {
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
		return nil
	}
	if u == nil || u.EOR != nil {
		// Keepalives and End-of-RIB markers are not route events.
		return nil
	}

	asPath := u.AttrString(bgp.AttrASPath)
	nexthop := u.AttrString(bgp.AttrNextHop)
	originASN := bgp.OriginASN(asPath)
	attrs := attrMap(u)

	rows := make([]*EventRow, 0, len(u.NLRI)+len(u.Withdrawn))
	appendRow := func(e bgp.NLRIEntry, action string) {
		metrics.NLRIDecodedTotal.WithLabelValues(
			"events",
			strconv.Itoa(int(e.AFI)),
			strconv.Itoa(int(e.SAFI)),
			e.Kind.String(),
		).Inc()

		rows = append(rows, &EventRow{
			EventID:   eventID,
			Seq:       *seq,
			RouterIP:  routerIP,
			PeerAddr:  m.PeerAddr,
			TableName: m.TableName,
			Action:    action,
			AFI:       e.AFI,
			SAFI:      e.SAFI,
			Kind:      e.Kind.String(),
			Prefix:    e.CIDR(),
			PathID:    e.PathID,
			RawPrefix: append([]byte(nil), e.Raw[:]...),
			Labels:    labelArray(e.Labels),
			Nexthop:   nexthop,
			ASPath:    asPath,
			OriginASN: originASN,
			Attrs:     attrs,
			MsgTime:   m.Timestamp,
			FrameRaw:  frameRaw,
		})
		*seq++
	}

	for _, e := range u.NLRI {
		appendRow(e, ActionAnnounce)
	}
	for _, e := range u.Withdrawn {
		appendRow(e, ActionWithdraw)
	}

	return rows
}

// Row actions.
const (
	ActionAnnounce = "A"
	ActionWithdraw = "D"
)

// attrMap renders the decoded attribute map with name keys for JSON
// storage.
func attrMap(u *bgp.Update) map[string][]string {
	if len(u.Attrs) == 0 {
		return nil
	}
	out := make(map[string][]string, len(u.Attrs))
	for kind, vals := range u.Attrs {
		out[kind.String()] = vals
	}
	return out
}

func labelArray(labels []uint32) []int64 {
	if len(labels) == 0 {
		return nil
	}
	out := make([]int64, len(labels))
	for i, l := range labels {
		out[i] = int64(l)
	}
	return out
}

func (p *Pipeline) flush(ctx context.Context, batch []*EventRow, records []*kgo.Record, flushed chan<- []*kgo.Record) bool {
	inserted, err := p.writer.FlushBatch(ctx, batch)
	if err != nil {
		p.logger.Error("event batch flush failed", zap.Error(err))
		return false
	}

	p.logger.Debug("event batch flushed",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted),
		zap.Int64("deduped", int64(len(batch))-inserted),
	)

	// Signal successful flush for offset commit.
	select {
	case flushed <- records:
	case <-ctx.Done():
	}

	return true
}
