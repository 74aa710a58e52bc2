// Package inspector builds read-only aggregate views over the
// registry for operator tooling (§4.7): each view merges the active
// document with dead-snapshot bookkeeping so a caller sees one
// coherent record regardless of which Redis key currently holds it.
// Grounded on the teacher's state.go read helpers (GuildGet-style
// "load and decorate" functions with no caching layer of their own).
package inspector

import (
	"context"
	"time"

	"github.com/fulcrum-net/fulcrum/internal/identity"
	"github.com/fulcrum-net/fulcrum/internal/registry"
)

// ServerView is the inspector's flattened view of one backend.
type ServerView struct {
	identity.ServerRecord
	DeadSinceMs int64 `json:"deadSinceMs,omitempty"`
}

// ProxyView is the inspector's flattened view of one proxy.
type ProxyView struct {
	identity.ProxyRecord
	UnavailableSinceMs int64 `json:"unavailableSinceMs,omitempty"`
	DeadSinceMs        int64 `json:"deadSinceMs,omitempty"`
}

// Inspector reads registry state without ever writing to it.
type Inspector struct {
	store *registry.Store
}

// New creates an Inspector over store.
func New(store *registry.Store) *Inspector {
	return &Inspector{store: store}
}

// ListServers returns a view for every active server plus every
// server currently in the dead set (within its snapshot TTL), per
// §4.7's requirement to show DEAD identities until they expire.
func (i *Inspector) ListServers(ctx context.Context) ([]ServerView, error) {
	active, err := i.store.LoadAllServers(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]ServerView, 0, len(active))
	seen := make(map[string]struct{}, len(active))
	for _, server := range active {
		views = append(views, ServerView{ServerRecord: server})
		seen[server.ID] = struct{}{}
	}

	deadIDs, err := i.store.DeadIDs(ctx, identity.KindGame)
	if err != nil {
		return nil, err
	}
	for _, id := range deadIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		view, ok := i.deadServerView(ctx, id)
		if !ok {
			continue
		}
		views = append(views, view)
	}

	return views, nil
}

// GetServer returns a single server view by id, falling back to the
// dead-snapshot/placeholder behaviour described in §4.7.
func (i *Inspector) GetServer(ctx context.Context, id string) (ServerView, bool) {
	if server, err := i.store.LoadServer(ctx, id); err == nil {
		return ServerView{ServerRecord: server}, true
	}
	return i.deadServerView(ctx, id)
}

// deadServerView loads a dead snapshot for id, tolerating a missing
// snapshot (already TTL-expired) by returning a DEAD placeholder built
// only from DeadSince bookkeeping rather than failing outright (§4.7).
func (i *Inspector) deadServerView(ctx context.Context, id string) (ServerView, bool) {
	deadSince, known, err := i.store.DeadSince(ctx, identity.KindGame, id)
	if err != nil || !known {
		return ServerView{}, false
	}

	snap, err := i.store.LoadDeadSnapshot(ctx, identity.KindGame, id)
	if err != nil {
		placeholder := identity.ServerRecord{
			Identity: identity.Identity{
				ID:                id,
				RegistrationState: identity.StateUnregistered,
				Status:            identity.StatusDead,
			},
		}
		return ServerView{ServerRecord: placeholder, DeadSinceMs: deadSince}, true
	}

	server := identity.ServerRecord{Identity: snap.Identity}
	if snap.Server != nil {
		server = *snap.Server
	}
	server.Status = identity.StatusDead
	return ServerView{ServerRecord: server, DeadSinceMs: snap.DeadSinceMs}, true
}

// ListProxies mirrors ListServers for proxies, also surfacing entries
// parked in the unavailable bookkeeping key.
func (i *Inspector) ListProxies(ctx context.Context) ([]ProxyView, error) {
	active, err := i.store.LoadAllProxies(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]ProxyView, 0, len(active))
	seen := make(map[string]struct{}, len(active))
	for _, proxy := range active {
		view := ProxyView{ProxyRecord: proxy}
		i.attachUnavailable(ctx, &view)
		views = append(views, view)
		seen[proxy.ID] = struct{}{}
	}

	deadIDs, err := i.store.DeadIDs(ctx, identity.KindProxy)
	if err != nil {
		return nil, err
	}
	for _, id := range deadIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		view, ok := i.deadProxyView(ctx, id)
		if !ok {
			continue
		}
		views = append(views, view)
	}

	return views, nil
}

// GetProxy returns a single proxy view, following the same
// active-then-dead-then-placeholder fallback as GetServer.
func (i *Inspector) GetProxy(ctx context.Context, id string) (ProxyView, bool) {
	if proxy, err := i.store.LoadProxy(ctx, id); err == nil {
		view := ProxyView{ProxyRecord: proxy}
		i.attachUnavailable(ctx, &view)
		return view, true
	}
	return i.deadProxyView(ctx, id)
}

// attachUnavailable populates UnavailableSinceMs from the
// registry:proxies:unavailable:<id> bookkeeping key (§4.7: "Merge …
// unavailable entries (proxies only)"). Only queried when the proxy's
// own status says UNAVAILABLE, sparing a Redis round-trip for every
// healthy proxy in a ListProxies scan.
func (i *Inspector) attachUnavailable(ctx context.Context, view *ProxyView) {
	if view.Status != identity.StatusUnavailable {
		return
	}
	since, known, err := i.store.UnavailableSince(ctx, view.ID)
	if err != nil || !known {
		return
	}
	view.UnavailableSinceMs = since
}

func (i *Inspector) deadProxyView(ctx context.Context, id string) (ProxyView, bool) {
	deadSince, known, err := i.store.DeadSince(ctx, identity.KindProxy, id)
	if err != nil || !known {
		return ProxyView{}, false
	}

	snap, err := i.store.LoadDeadSnapshot(ctx, identity.KindProxy, id)
	if err != nil {
		placeholder := identity.ProxyRecord{
			Identity: identity.Identity{
				ID:                id,
				RegistrationState: identity.StateUnregistered,
				Status:            identity.StatusDead,
			},
		}
		return ProxyView{ProxyRecord: placeholder, DeadSinceMs: deadSince}, true
	}

	return ProxyView{ProxyRecord: identity.ProxyRecord{Identity: snap.Identity}, DeadSinceMs: snap.DeadSinceMs}, true
}

// Summary is a point-in-time count snapshot for operator dashboards.
type Summary struct {
	TotalServers       int
	AvailableServers   int
	UnavailableServers int
	DeadServers        int
	TotalProxies       int
	AvailableProxies   int
	DeadProxies        int
	GeneratedAt        time.Time
}

// Summarize aggregates ListServers/ListProxies into counts.
func (i *Inspector) Summarize(ctx context.Context) (Summary, error) {
	servers, err := i.ListServers(ctx)
	if err != nil {
		return Summary{}, err
	}
	proxies, err := i.ListProxies(ctx)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{GeneratedAt: time.Now()}
	for _, sv := range servers {
		s.TotalServers++
		switch sv.Status {
		case identity.StatusAvailable:
			s.AvailableServers++
		case identity.StatusUnavailable:
			s.UnavailableServers++
		case identity.StatusDead:
			s.DeadServers++
		}
	}
	for _, pv := range proxies {
		s.TotalProxies++
		switch pv.Status {
		case identity.StatusAvailable:
			s.AvailableProxies++
		case identity.StatusDead:
			s.DeadProxies++
		}
	}
	return s, nil
}
