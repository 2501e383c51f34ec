package rib

import (
	"strconv"
	"strings"

	"github.com/unixian97/openbmp/internal/bgp"
	"github.com/unixian97/openbmp/internal/bmp"
)

// Row actions.
const (
	ActionAnnounce = "A"
	ActionWithdraw = "D"
)

// RouteRow is one pending change to the routes table: an announcement
// to upsert or a withdrawal's delete key. Withdrawals carry only the
// key columns.
type RouteRow struct {
	Action    string
	RouterIP  string
	PeerAddr  string
	TableName string
	AFI       uint16
	SAFI      uint8
	Kind      string
	Prefix    string
	PathID    uint32
	RawPrefix []byte
	Labels    []int64
	Nexthop   string
	ASPath    string
	Origin    string
	OriginASN *int
	MED       *int64
	LocalPref *int64
	CommStd   []string
	CommExt   []string
	CommLarge []string
	Attrs     map[string]string
}

// UpdateRows converts one decoded UPDATE into route table rows. Path
// attributes are shared across every prefix the message announced;
// withdrawals need nothing beyond the key.
func UpdateRows(msg *bmp.ParsedBMP, routerIP string, u *bgp.Update) []*RouteRow {
	if u == nil || (len(u.NLRI) == 0 && len(u.Withdrawn) == 0) {
		return nil
	}

	asPath := u.AttrString(bgp.AttrASPath)
	nexthop := u.AttrString(bgp.AttrNextHop)
	origin := u.AttrString(bgp.AttrOrigin)
	originASN := bgp.OriginASN(asPath)
	med := attrInt64(u, bgp.AttrMED)
	localPref := attrInt64(u, bgp.AttrLocalPref)
	extra := extraAttrs(u)

	rows := make([]*RouteRow, 0, len(u.NLRI)+len(u.Withdrawn))
	for _, e := range u.NLRI {
		rows = append(rows, &RouteRow{
			Action:    ActionAnnounce,
			RouterIP:  routerIP,
			PeerAddr:  msg.PeerAddr,
			TableName: msg.TableName,
			AFI:       e.AFI,
			SAFI:      e.SAFI,
			Kind:      e.Kind.String(),
			Prefix:    e.CIDR(),
			PathID:    e.PathID,
			RawPrefix: append([]byte(nil), e.Raw[:]...),
			Labels:    labelArray(e.Labels),
			Nexthop:   nexthop,
			ASPath:    asPath,
			Origin:    origin,
			OriginASN: originASN,
			MED:       med,
			LocalPref: localPref,
			CommStd:   u.Attr(bgp.AttrCommunity),
			CommExt:   u.Attr(bgp.AttrExtCommunity),
			CommLarge: u.Attr(bgp.AttrLargeCommunity),
			Attrs:     extra,
		})
	}
	for _, e := range u.Withdrawn {
		rows = append(rows, &RouteRow{
			Action:    ActionWithdraw,
			RouterIP:  routerIP,
			PeerAddr:  msg.PeerAddr,
			TableName: msg.TableName,
			AFI:       e.AFI,
			SAFI:      e.SAFI,
			Kind:      e.Kind.String(),
			Prefix:    e.CIDR(),
			PathID:    e.PathID,
		})
	}
	return rows
}

func attrInt64(u *bgp.Update, kind bgp.AttrKind) *int64 {
	s := u.AttrString(kind)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
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

// extraAttrs collects attributes that have no dedicated column,
// keyed by attribute name.
func extraAttrs(u *bgp.Update) map[string]string {
	var out map[string]string
	for kind, vals := range u.Attrs {
		switch kind {
		case bgp.AttrOrigin, bgp.AttrASPath, bgp.AttrNextHop, bgp.AttrMED,
			bgp.AttrLocalPref, bgp.AttrCommunity, bgp.AttrExtCommunity,
			bgp.AttrLargeCommunity:
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[kind.String()] = strings.Join(vals, " ")
	}
	return out
}
