// Package blacklist holds the unified store: the single owner of all
// blacklist-record mutation. Collections from any number of sources funnel
// through Ingest; readers get de-duplicated logical entries from ActiveSet.
package blacklist

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/JCLEE94/blacklist-sub007/internal/config"
	"github.com/JCLEE94/blacklist-sub007/internal/database"
	"github.com/JCLEE94/blacklist-sub007/internal/domain"
	"github.com/JCLEE94/blacklist-sub007/internal/ipaddr"
)

// Cache-tier keys for the rendered views of the active set; ingest and
// sweep invalidate all of them together.
const (
	ActiveSetCacheKey          = "blacklist:active_set"
	ConnectorJSONCacheKey      = "blacklist:connector:json"
	ConnectorPlaintextCacheKey = "blacklist:connector:plaintext"
)

// CacheKeys lists every key the store invalidates on mutation.
var CacheKeys = []string{ActiveSetCacheKey, ConnectorJSONCacheKey, ConnectorPlaintextCacheKey}

const lockStripes = 64

// Invalidator is the mutation-side hook into the cache tier.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

// IngestSummary reports the outcome of one Ingest call.
type IngestSummary struct {
	New      int `json:"new"`
	Updated  int `json:"updated"`
	Rejected int `json:"rejected"`
}

// Store is the authoritative merge and query surface. Upserts for the same
// (address, source) key are serialized through striped locks so a sweep can
// never interleave with an ingest of the same key.
type Store struct {
	policy *ipaddr.Policy
	cache  Invalidator

	locks [lockStripes]sync.Mutex

	// sweepMu lets ExpireSweep exclude all writers while individual upserts
	// only share it.
	sweepMu sync.RWMutex
}

// NewStore wires the store to an address policy and an optional cache
// invalidator.
func NewStore(policy *ipaddr.Policy, cache Invalidator) *Store {
	return &Store{policy: policy, cache: cache}
}

func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// Ingest validates and upserts a batch of records. Record-level failures are
// absorbed into the Rejected count; only storage failures abort the batch.
// Each upsert is atomic, so a cancelled batch leaves all prior records valid.
func (s *Store) Ingest(ctx context.Context, records []domain.BlacklistRecord) (IngestSummary, error) {
	var summary IngestSummary

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		class, canonical, err := ipaddr.Classify(record.Address, s.policy)
		if err != nil {
			summary.Rejected++
			continue
		}
		if record.RawAddress == "" {
			record.RawAddress = record.Address
		}
		record.Address = canonical
		record.Class = string(class)

		if record.Source == "" || record.DetectedAt.IsZero() {
			summary.Rejected++
			continue
		}
		if domain.ThreatLevelRank(record.ThreatLevel) == 0 {
			record.ThreatLevel = domain.ThreatLevelMedium
		}

		outcome, err := s.upsert(ctx, record)
		if err != nil {
			return summary, err
		}
		switch outcome {
		case database.UpsertCreated:
			summary.New++
		case database.UpsertUpdated:
			summary.Updated++
		}
	}

	if (summary.New > 0 || summary.Updated > 0) && s.cache != nil {
		s.cache.Invalidate(ctx, CacheKeys...)
	}

	return summary, nil
}

func (s *Store) upsert(ctx context.Context, record domain.BlacklistRecord) (database.UpsertOutcome, error) {
	s.sweepMu.RLock()
	defer s.sweepMu.RUnlock()

	lock := s.lockFor(record.Address + "|" + record.Source)
	lock.Lock()
	defer lock.Unlock()

	return database.UpsertBlacklistRecord(ctx, record)
}

// RetentionCutoff returns the oldest last_seen still inside the rolling
// retention window as of the given instant.
func RetentionCutoff(asOf time.Time) time.Time {
	return asOf.AddDate(0, -config.RetentionMonths(), 0)
}

// ActiveSet returns one logical entry per distinct canonical address whose
// records sit inside the retention window and have at least one active
// contributor. Output is ordered by address with sources in lexical order,
// so a stable input set renders identically every time.
func (s *Store) ActiveSet(ctx context.Context, asOf time.Time) ([]domain.LogicalEntry, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	records, err := database.QueryRecordsLastSeenSince(ctx, RetentionCutoff(asOf))
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LogicalEntry, 0, len(records))
	var current *domain.LogicalEntry
	active := false

	flush := func() {
		if current != nil && active {
			entries = append(entries, *current)
		}
		current = nil
		active = false
	}

	// Records arrive ordered by (address, source); one pass merges each
	// address group.
	for i := range records {
		record := &records[i]
		if record.LastSeen.After(asOf) {
			// Observed after the requested snapshot instant.
			continue
		}

		if current == nil || current.Address != record.Address {
			flush()
			current = &domain.LogicalEntry{
				Address:     record.Address,
				Class:       record.Class,
				ThreatLevel: record.ThreatLevel,
				FirstSeen:   record.FirstSeen,
				LastSeen:    record.LastSeen,
				Sources:     []string{record.Source},
			}
			active = record.Active
			continue
		}

		current.Sources = append(current.Sources, record.Source)
		current.ThreatLevel = domain.MaxThreatLevel(current.ThreatLevel, record.ThreatLevel)
		if record.FirstSeen.Before(current.FirstSeen) {
			current.FirstSeen = record.FirstSeen
		}
		if record.LastSeen.After(current.LastSeen) {
			current.LastSeen = record.LastSeen
		}
		if record.Active {
			active = true
		}
	}
	flush()

	return entries, nil
}

// ExpireSweep deletes records aged past the retention window. It is
// idempotent and excludes concurrent upserts so an expired record can never
// be resurrected halfway through.
func (s *Store) ExpireSweep(ctx context.Context, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	removed, err := database.DeleteRecordsLastSeenBefore(ctx, RetentionCutoff(now))
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		log.Info("Retention sweep removed expired records", "count", removed)
		if s.cache != nil {
			s.cache.Invalidate(ctx, CacheKeys...)
		}
	}

	return removed, nil
}
