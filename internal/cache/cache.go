// Package cache is the layered TTL cache between the monitor and the
// terminal driver. Each namespace has its own TTL and size cap; computes are
// coalesced so one producer runs per key at a time.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/logging"
)

// Namespace names one cache layer.
type Namespace string

const (
	NSPaneContent Namespace = "pane_content"
	NSAgentStatus Namespace = "agent_status"
	NSSessionInfo Namespace = "session_info"
	NSConfig      Namespace = "config"
)

// NamespaceStats is a point-in-time view of one namespace.
type NamespaceStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
	TTL     string `json:"ttl"`
}

type store struct {
	c          *gocache.Cache
	ttl        time.Duration
	maxEntries int
	hits       atomic.Uint64
	misses     atomic.Uint64
}

// Layered groups the namespace stores behind one API.
type Layered struct {
	stores map[Namespace]*store
	flight singleflight.Group
	log    *logging.Logger
}

// New builds the four standard namespaces from configuration.
func New(cfg config.CacheConfig, log *logging.Logger) *Layered {
	build := func(ns config.NamespaceConfig) *store {
		ttl := ns.TTL()
		return &store{
			c:          gocache.New(ttl, 2*ttl),
			ttl:        ttl,
			maxEntries: ns.MaxEntries,
		}
	}
	return &Layered{
		stores: map[Namespace]*store{
			NSPaneContent: build(cfg.PaneContent),
			NSAgentStatus: build(cfg.AgentStatus),
			NSSessionInfo: build(cfg.SessionInfo),
			NSConfig:      build(cfg.ConfigNS),
		},
		log: log.Component("cache"),
	}
}

func (l *Layered) store(ns Namespace) (*store, error) {
	s, ok := l.stores[ns]
	if !ok {
		return nil, fmt.Errorf("unknown cache namespace %q", ns)
	}
	return s, nil
}

// Get returns the cached value for (ns, key) when present and unexpired.
func (l *Layered) Get(ns Namespace, key string) (any, bool) {
	s, err := l.store(ns)
	if err != nil {
		return nil, false
	}
	v, ok := s.c.Get(key)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return v, ok
}

// Set stores a value under the namespace TTL, evicting the oldest-expiring
// entries when the namespace is full.
func (l *Layered) Set(ns Namespace, key string, val any) {
	s, err := l.store(ns)
	if err != nil {
		return
	}
	if _, exists := s.c.Get(key); !exists && s.c.ItemCount() >= s.maxEntries {
		evictOldest(s.c, s.c.ItemCount()-s.maxEntries+1)
	}
	s.c.SetDefault(key, val)
}

// Delete removes one entry.
func (l *Layered) Delete(ns Namespace, key string) {
	if s, err := l.store(ns); err == nil {
		s.c.Delete(key)
	}
}

// InvalidateNamespace drops every entry in the namespace.
func (l *Layered) InvalidateNamespace(ns Namespace) {
	if s, err := l.store(ns); err == nil {
		s.c.Flush()
	}
}

// GetOrCompute returns the cached value or runs producer once per key, with
// concurrent callers sharing the same pending result.
func (l *Layered) GetOrCompute(ctx context.Context, ns Namespace, key string, producer func(context.Context) (any, error)) (any, error) {
	if v, ok := l.Get(ns, key); ok {
		return v, nil
	}

	flightKey := string(ns) + "\x00" + key
	ch := l.flight.DoChan(flightKey, func() (any, error) {
		v, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		l.Set(ns, key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns counters for every namespace.
func (l *Layered) Stats() map[Namespace]NamespaceStats {
	out := make(map[Namespace]NamespaceStats, len(l.stores))
	for ns, s := range l.stores {
		out[ns] = NamespaceStats{
			Hits:    s.hits.Load(),
			Misses:  s.misses.Load(),
			Entries: s.c.ItemCount(),
			TTL:     s.ttl.String(),
		}
	}
	return out
}

// evictOldest removes the n entries closest to expiry. go-cache exposes no
// eviction order, so this scans the snapshot; namespaces are small.
func evictOldest(c *gocache.Cache, n int) {
	type victim struct {
		key string
		exp int64
	}
	items := c.Items()
	victims := make([]victim, 0, len(items))
	for k, it := range items {
		victims = append(victims, victim{key: k, exp: it.Expiration})
	}
	for i := 0; i < n && len(victims) > 0; i++ {
		best := 0
		for j := range victims {
			if victims[j].exp < victims[best].exp {
				best = j
			}
		}
		c.Delete(victims[best].key)
		victims = append(victims[:best], victims[best+1:]...)
	}
}
