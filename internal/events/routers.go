package events

import "context"

const upsertRouterSQL = `
INSERT INTO routers (router_ip, router_hash, sys_name, sys_descr, first_seen, last_seen)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (router_ip) DO UPDATE SET
    router_hash = COALESCE(EXCLUDED.router_hash, routers.router_hash),
    sys_name    = COALESCE(EXCLUDED.sys_name, routers.sys_name),
    sys_descr   = COALESCE(EXCLUDED.sys_descr, routers.sys_descr),
    last_seen   = now()`

// UpsertRouter records router metadata from a BMP Initiation message.
// COALESCE preserves fields already populated by a previous session,
// so a restart that sends sparser TLVs does not null them out.
func (w *Writer) UpsertRouter(ctx context.Context, routerIP, routerHash, sysName, sysDescr string) error {
	_, err := w.pool.Exec(ctx, upsertRouterSQL,
		routerIP,
		nilIfEmpty(routerHash),
		nilIfEmpty(sysName),
		nilIfEmpty(sysDescr),
	)
	return err
}
