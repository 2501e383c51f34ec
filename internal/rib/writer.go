package rib

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/unixian97/openbmp/internal/metrics"
)

type Writer struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger) *Writer {
	return &Writer{pool: pool, logger: logger}
}

// FlushBatch applies a batch of route rows to the routes table within
// one transaction: announcements upsert, withdrawals delete by key.
func (w *Writer) FlushBatch(ctx context.Context, rows []*RouteRow) error {
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var upserted, deleted int64

	for _, r := range rows {
		switch r.Action {
		case ActionAnnounce:
			n, err := w.upsertRoute(ctx, tx, r)
			if err != nil {
				return fmt.Errorf("upsert route %s: %w", r.Prefix, err)
			}
			upserted += n
		case ActionWithdraw:
			n, err := w.deleteRoute(ctx, tx, r)
			if err != nil {
				return fmt.Errorf("delete route %s: %w", r.Prefix, err)
			}
			deleted += n
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.FlushDuration.WithLabelValues("rib").Observe(time.Since(start).Seconds())
	metrics.RoutesUpsertedTotal.Add(float64(upserted))
	metrics.RoutesDeletedTotal.Add(float64(deleted))
	metrics.BatchSize.WithLabelValues("rib").Set(float64(len(rows)))

	return nil
}

func (w *Writer) upsertRoute(ctx context.Context, tx pgx.Tx, r *RouteRow) (int64, error) {
	var attrsJSON []byte
	if r.Attrs != nil {
		var err error
		attrsJSON, err = json.Marshal(r.Attrs)
		if err != nil {
			return 0, fmt.Errorf("marshal attrs: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO routes (router_ip, peer_addr, table_name, afi, safi, kind, prefix, path_id,
			raw_prefix, labels, nexthop, as_path, origin, origin_asn, med, localpref,
			communities_std, communities_ext, communities_large, attrs, first_seen, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, now(), now())
		ON CONFLICT (router_ip, peer_addr, afi, safi, prefix, path_id)
		DO UPDATE SET
			table_name = EXCLUDED.table_name,
			kind = EXCLUDED.kind,
			raw_prefix = EXCLUDED.raw_prefix,
			labels = EXCLUDED.labels,
			nexthop = EXCLUDED.nexthop,
			as_path = EXCLUDED.as_path,
			origin = EXCLUDED.origin,
			origin_asn = EXCLUDED.origin_asn,
			med = EXCLUDED.med,
			localpref = EXCLUDED.localpref,
			communities_std = EXCLUDED.communities_std,
			communities_ext = EXCLUDED.communities_ext,
			communities_large = EXCLUDED.communities_large,
			attrs = EXCLUDED.attrs,
			updated_at = now()`,
		r.RouterIP, r.PeerAddr, r.TableName, int16(r.AFI), int16(r.SAFI), r.Kind, r.Prefix, int64(r.PathID),
		r.RawPrefix, r.Labels, nullableString(r.Nexthop), nullableString(r.ASPath), nullableString(r.Origin),
		r.OriginASN, r.MED, r.LocalPref,
		r.CommStd, r.CommExt, r.CommLarge, attrsJSON,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (w *Writer) deleteRoute(ctx context.Context, tx pgx.Tx, r *RouteRow) (int64, error) {
	tag, err := tx.Exec(ctx,
		`DELETE FROM routes WHERE router_ip = $1 AND peer_addr = $2 AND afi = $3 AND safi = $4 AND prefix = $5 AND path_id = $6`,
		r.RouterIP, r.PeerAddr, int16(r.AFI), int16(r.SAFI), r.Prefix, int64(r.PathID),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// HandleEOR purges routes for one (router, peer, afi, safi) that were
// last touched before the session start marker. Everything the new
// session re-announced has a fresher updated_at and survives; what the
// router no longer carries is dropped.
func (w *Writer) HandleEOR(ctx context.Context, routerIP, peerAddr string, afi uint16, safi uint8, sessionStart time.Time) error {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM routes WHERE router_ip = $1 AND peer_addr = $2 AND afi = $3 AND safi = $4 AND updated_at < $5`,
		routerIP, peerAddr, int16(afi), int16(safi), sessionStart,
	)
	if err != nil {
		return fmt.Errorf("purge stale routes: %w", err)
	}

	purged := tag.RowsAffected()
	if purged > 0 {
		metrics.RoutesPurgedTotal.WithLabelValues("eor_stale").Add(float64(purged))
		w.logger.Info("purged stale routes after end-of-rib",
			zap.String("router", routerIP),
			zap.String("peer", peerAddr),
			zap.Uint16("afi", afi),
			zap.Uint8("safi", safi),
			zap.Int64("purged", purged),
		)
	}

	return nil
}

// HandlePeerDown removes every route learned from one peer.
func (w *Writer) HandlePeerDown(ctx context.Context, routerIP, peerAddr string) error {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM routes WHERE router_ip = $1 AND peer_addr = $2`,
		routerIP, peerAddr,
	)
	if err != nil {
		return fmt.Errorf("purge routes for peer %s: %w", peerAddr, err)
	}

	purged := tag.RowsAffected()
	if purged > 0 {
		metrics.RoutesPurgedTotal.WithLabelValues("peer_down").Add(float64(purged))
	}
	w.logger.Info("purged routes on peer down",
		zap.String("router", routerIP),
		zap.String("peer", peerAddr),
		zap.Int64("purged", purged),
	)

	return nil
}

// HandleTermination removes every route learned from one router.
func (w *Writer) HandleTermination(ctx context.Context, routerIP string) error {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM routes WHERE router_ip = $1`,
		routerIP,
	)
	if err != nil {
		return fmt.Errorf("purge routes for router %s: %w", routerIP, err)
	}

	purged := tag.RowsAffected()
	if purged > 0 {
		metrics.RoutesPurgedTotal.WithLabelValues("termination").Add(float64(purged))
	}
	w.logger.Info("purged routes on termination",
		zap.String("router", routerIP),
		zap.Int64("purged", purged),
	)

	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
