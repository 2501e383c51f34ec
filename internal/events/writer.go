package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/unixian97/openbmp/internal/metrics"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

type Writer struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	storeRaw    bool
	compressRaw bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeRaw, compressRaw bool) *Writer {
	return &Writer{
		pool:        pool,
		logger:      logger,
		storeRaw:    storeRaw,
		compressRaw: compressRaw,
	}
}

// EventRow is one row for route_events: a single announced or
// withdrawn prefix from a collected frame. EventID is shared by every
// row of the frame; Seq orders rows within it and completes the
// conflict key.
type EventRow struct {
	EventID   []byte // 32-byte SHA-256, see EventID
	Seq       int
	RouterIP  string
	PeerAddr  string
	TableName string
	Action    string // "A" announce, "D" withdraw
	AFI       uint16
	SAFI      uint8
	Kind      string
	Prefix    string
	PathID    uint32
	RawPrefix []byte
	Labels    []int64
	Nexthop   string
	ASPath    string
	OriginASN *int
	Attrs     map[string][]string // full attribute map keyed by name
	MsgTime   time.Time           // per-peer header timestamp, zero when absent
	FrameRaw  []byte              // raw Kafka frame, compressed at write time
}

// FlushBatch inserts a batch of event rows into route_events within
// one transaction. Returns the number of rows actually inserted;
// ON CONFLICT DO NOTHING swallows duplicates already written by
// another collector's feed.
func (w *Writer) FlushBatch(ctx context.Context, rows []*EventRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var totalInserted int64

	for _, row := range rows {
		var attrsJSON []byte
		if len(row.Attrs) > 0 {
			attrsJSON, _ = json.Marshal(row.Attrs)
		}

		var frameRaw []byte
		if w.storeRaw && row.FrameRaw != nil {
			if w.compressRaw {
				frameRaw = zstdEncoder.EncodeAll(row.FrameRaw, nil)
			} else {
				frameRaw = row.FrameRaw
			}
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO route_events (event_id, event_seq, received, msg_time, router_ip, peer_addr,
				table_name, action, afi, safi, kind, prefix, path_id, raw_prefix, labels,
				nexthop, as_path, origin_asn, attrs, frame_raw)
			VALUES ($1, $2, date_trunc('day', now()), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (event_id, event_seq, received) DO NOTHING`,
			row.EventID, row.Seq, nilIfZeroTime(row.MsgTime), row.RouterIP, row.PeerAddr,
			row.TableName, row.Action, int16(row.AFI), int16(row.SAFI), row.Kind, row.Prefix,
			int64(row.PathID), row.RawPrefix, row.Labels,
			nilIfEmpty(row.Nexthop), nilIfEmpty(row.ASPath), row.OriginASN,
			attrsJSON, frameRaw,
		)
		if err != nil {
			return 0, fmt.Errorf("insert route_event: %w", err)
		}

		affected := tag.RowsAffected()
		totalInserted += affected
		if affected == 0 {
			metrics.EventsDedupedTotal.Inc()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.FlushDuration.WithLabelValues("events").Observe(time.Since(start).Seconds())
	metrics.EventsInsertedTotal.Add(float64(totalInserted))
	metrics.BatchSize.WithLabelValues("events").Set(float64(len(rows)))

	return totalInserted, nil
}

func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
