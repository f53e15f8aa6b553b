// Package cache is the read-through tier in front of the store's query
// surface. Redis is the primary backing; when it is unreachable the tier
// degrades to an in-process cache with the same TTL semantics and probes its
// way back. Cache trouble never fails a query; the worst case is an
// uncached compute.
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

type State int32

const (
	StatePrimary State = iota
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StatePrimary:
		return "primary"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

const (
	defaultLocalEntries = 1024
	opTimeout           = 2 * time.Second
)

type localEntry struct {
	data      []byte
	expiresAt time.Time
}

type Tier struct {
	client *redis.Client
	local  *lru.Cache[string, localEntry]

	state atomic.Int32
	group singleflight.Group

	// Invalidations redis missed while the tier was degraded. They are
	// replayed before the tier is promoted back so keys written before the
	// outage cannot be served stale afterwards.
	pendingMu sync.Mutex
	pending   map[string]struct{}

	probeInterval time.Duration
}

// NewTier builds the cache tier. A nil redis client puts the tier into
// permanent degraded mode (single-instance deployments without redis).
func NewTier(client *redis.Client, localEntries int, probeInterval time.Duration) (*Tier, error) {
	if localEntries <= 0 {
		localEntries = defaultLocalEntries
	}
	if probeInterval <= 0 {
		probeInterval = 15 * time.Second
	}

	local, err := lru.New[string, localEntry](localEntries)
	if err != nil {
		return nil, err
	}

	t := &Tier{
		client:        client,
		local:         local,
		pending:       make(map[string]struct{}),
		probeInterval: probeInterval,
	}
	if client == nil {
		t.state.Store(int32(StateDegraded))
	}
	return t, nil
}

func (t *Tier) State() State {
	return State(t.state.Load())
}

func (t *Tier) markDegraded(err error) {
	if t.state.CompareAndSwap(int32(StatePrimary), int32(StateDegraded)) {
		log.Warn("Cache tier degraded to in-process cache", "error", err)
	}
}

// GetOrCompute returns the cached value for key or computes, stores and
// returns it. The compute function is de-duplicated across concurrent
// callers of the same key.
func (t *Tier) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := t.get(ctx, key); ok {
		return data, nil
	}

	result, err, _ := t.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have filled the cache while we waited.
		if data, ok := t.get(ctx, key); ok {
			return data, nil
		}

		data, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		t.set(ctx, key, data, ttl)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (t *Tier) get(ctx context.Context, key string) ([]byte, bool) {
	if t.client != nil && t.State() == StatePrimary {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		data, err := t.client.Get(opCtx, key).Bytes()
		cancel()
		switch {
		case err == nil:
			return data, true
		case errors.Is(err, redis.Nil):
			return nil, false
		default:
			t.markDegraded(err)
		}
	}

	entry, ok := t.local.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		t.local.Remove(key)
		return nil, false
	}
	return entry.data, true
}

func (t *Tier) set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	t.local.Add(key, localEntry{data: data, expiresAt: time.Now().Add(ttl)})

	if t.client != nil && t.State() == StatePrimary {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := t.client.Set(opCtx, key, data, ttl).Err()
		cancel()
		if err != nil {
			t.markDegraded(err)
		}
	}
}

// Invalidate drops keys from both layers. Best effort: a failing redis DEL
// degrades the tier instead of surfacing an error to the mutator, and the
// keys are remembered so the DEL is replayed before promotion.
func (t *Tier) Invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		t.local.Remove(key)
	}

	if t.client == nil {
		return
	}

	if t.State() == StatePrimary {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := t.client.Del(opCtx, keys...).Err()
		cancel()
		if err == nil {
			return
		}
		t.markDegraded(err)
	}

	t.pendingMu.Lock()
	for _, key := range keys {
		t.pending[key] = struct{}{}
	}
	t.pendingMu.Unlock()
}

// flushPending replays the invalidations redis missed. Promotion is held
// back until the replay succeeds.
func (t *Tier) flushPending(ctx context.Context) bool {
	t.pendingMu.Lock()
	keys := make([]string, 0, len(t.pending))
	for key := range t.pending {
		keys = append(keys, key)
	}
	t.pendingMu.Unlock()

	if len(keys) == 0 {
		return true
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	err := t.client.Del(opCtx, keys...).Err()
	cancel()
	if err != nil {
		log.Warn("Cache tier could not replay missed invalidations", "error", err)
		return false
	}

	t.pendingMu.Lock()
	for _, key := range keys {
		delete(t.pending, key)
	}
	t.pendingMu.Unlock()
	return true
}

// StartHealthProbe pings redis on an interval while degraded and promotes
// the tier back to primary once it answers.
func (t *Tier) StartHealthProbe(ctx context.Context) {
	if t.client == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(t.probeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if t.State() != StateDegraded {
					continue
				}
				opCtx, cancel := context.WithTimeout(ctx, opTimeout)
				err := t.client.Ping(opCtx).Err()
				cancel()
				if err == nil && t.flushPending(ctx) {
					t.state.Store(int32(StatePrimary))
					log.Info("Cache tier restored to primary")
				}
			}
		}
	}()
}
