// Package collector orchestrates pulls from the configured sources: one
// bounded collection run per source, at most one in flight per source, with
// authentication retries and partial-success accounting.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/JCLEE94/blacklist-sub007/internal/blacklist"
	"github.com/JCLEE94/blacklist-sub007/internal/config"
	"github.com/JCLEE94/blacklist-sub007/internal/database"
	"github.com/JCLEE94/blacklist-sub007/internal/domain"
	"github.com/JCLEE94/blacklist-sub007/internal/sources"
)

var (
	ErrSourceDisabled = errors.New("collector: source is disabled")
	ErrUnknownSource  = errors.New("collector: unknown source")
)

const ingestBatchSize = 500

// TriggerResult reports what a trigger did. Started is false when a run for
// the source was already in flight; RunID then names that existing run.
type TriggerResult struct {
	RunID   string `json:"run_id"`
	Source  string `json:"source"`
	Started bool   `json:"started"`
}

type inflightRun struct {
	runID string
	done  chan struct{}
}

type Manager struct {
	registry *sources.Registry
	store    *blacklist.Store

	mu       sync.Mutex
	inflight map[string]*inflightRun
}

func NewManager(registry *sources.Registry, store *blacklist.Store) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		inflight: make(map[string]*inflightRun),
	}
}

// DefaultWindow is the configured lookback ending now.
func DefaultWindow(now time.Time) sources.Window {
	days := int(config.GetConfig().Collection.WindowDays)
	if days <= 0 {
		days = 7
	}
	return sources.Window{From: now.AddDate(0, 0, -days), To: now}
}

// Trigger starts a collection run for one source and returns without waiting
// for it. A second trigger while the source is still running returns the
// in-flight run instead of starting another.
func (m *Manager) Trigger(ctx context.Context, sourceName string, window sources.Window) (TriggerResult, error) {
	cfg, err := m.registry.Lookup(ctx, sourceName)
	if err != nil {
		return TriggerResult{}, errors.Join(ErrUnknownSource, err)
	}
	if !cfg.Enabled {
		return TriggerResult{}, fmt.Errorf("%w: %s", ErrSourceDisabled, sourceName)
	}

	adapter, err := m.registry.AdapterFor(*cfg)
	if err != nil {
		return TriggerResult{}, err
	}

	m.mu.Lock()
	if existing, ok := m.inflight[sourceName]; ok {
		m.mu.Unlock()
		return TriggerResult{RunID: existing.runID, Source: sourceName, Started: false}, nil
	}

	run := &domain.CollectionRun{
		Source:    sourceName,
		StartedAt: time.Now().UTC(),
		Status:    domain.RunStatusRunning,
	}
	if err := database.CreateCollectionRun(ctx, run); err != nil {
		m.mu.Unlock()
		return TriggerResult{}, err
	}

	handle := &inflightRun{runID: run.RunID, done: make(chan struct{})}
	m.inflight[sourceName] = handle
	m.mu.Unlock()

	// The run outlives the triggering request; only the run timeout bounds it.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.inflight, sourceName)
			m.mu.Unlock()
			close(handle.done)
		}()
		m.collect(runCtx, adapter, run, window)
	}()

	return TriggerResult{RunID: run.RunID, Source: sourceName, Started: true}, nil
}

// TriggerAll triggers every enabled source in parallel. Sources that are
// already running are reported, not restarted.
func (m *Manager) TriggerAll(ctx context.Context, window sources.Window) ([]TriggerResult, error) {
	enabled, err := m.registry.Enabled(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]TriggerResult, len(enabled))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, cfg := range enabled {
		group.Go(func() error {
			result, err := m.Trigger(groupCtx, cfg.Name, window)
			if err != nil {
				return fmt.Errorf("trigger %s: %w", cfg.Name, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Running reports whether a run for the source is currently in flight.
func (m *Manager) Running(sourceName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[sourceName]
	return ok
}

// Status returns the most recent run for the source, or nil when the source
// has never run.
func (m *Manager) Status(ctx context.Context, sourceName string) (*domain.CollectionRun, error) {
	return database.LastCollectionRun(ctx, sourceName)
}

// Runs returns recent runs across all sources, newest first.
func (m *Manager) Runs(ctx context.Context, limit int) ([]domain.CollectionRun, error) {
	return database.ListCollectionRuns(ctx, limit)
}

func (m *Manager) collect(ctx context.Context, adapter sources.Adapter, run *domain.CollectionRun, window sources.Window) {
	collectionConfig := config.GetConfig().Collection

	timeout := time.Duration(collectionConfig.RunTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info("Collection run started", "source", run.Source, "run_id", run.RunID,
		"window_from", window.From, "window_to", window.To)

	session, err := m.authenticate(runCtx, adapter)
	if err != nil {
		m.finish(ctx, run, domain.RunStatusFailed, err)
		return
	}

	iter, err := adapter.Fetch(runCtx, session, window)
	if err != nil {
		m.finish(ctx, run, domain.RunStatusFailed, err)
		return
	}

	batch := make([]domain.BlacklistRecord, 0, ingestBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		summary, err := m.store.Ingest(runCtx, batch)
		batch = batch[:0]
		if err != nil {
			return err
		}
		run.RecordsNew += summary.New
		run.RecordsUpdated += summary.Updated
		run.RecordsRejected += summary.Rejected
		return nil
	}

	var fetchErr error
	for {
		raw, err := iter.Next(runCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fetchErr = err
			break
		}

		run.RecordsSeen++
		record, err := adapter.Transform(raw)
		if err != nil {
			run.RecordsRejected++
			log.Debug("Record rejected", "source", run.Source, "address", raw.Address, "error", err)
			continue
		}

		batch = append(batch, record)
		if len(batch) >= ingestBatchSize {
			if err := flush(); err != nil {
				m.finish(ctx, run, domain.RunStatusFailed, err)
				return
			}
		}
	}

	// A run that hit its deadline is failed even when records landed first.
	// The expired context could not ingest the trailing batch anyway.
	if fetchErr != nil && (errors.Is(fetchErr, context.DeadlineExceeded) || runCtx.Err() != nil) {
		m.finish(ctx, run, domain.RunStatusFailed, fmt.Errorf("run timed out after %s: %w", timeout, fetchErr))
		return
	}

	if err := flush(); err != nil {
		m.finish(ctx, run, domain.RunStatusFailed, err)
		return
	}

	switch {
	case fetchErr == nil:
		m.finish(ctx, run, domain.RunStatusSuccess, nil)
	case run.RecordsSeen > 0:
		// Records yielded before the failure are already ingested and stay valid.
		m.finish(ctx, run, domain.RunStatusPartial, fetchErr)
	default:
		m.finish(ctx, run, domain.RunStatusFailed, fetchErr)
	}
}

func (m *Manager) authenticate(ctx context.Context, adapter sources.Adapter) (*sources.Session, error) {
	collectionConfig := config.GetConfig().Collection

	policy := backoff.NewExponentialBackOff()
	if base := time.Duration(collectionConfig.AuthBackoffBaseMs) * time.Millisecond; base > 0 {
		policy.InitialInterval = base
	}
	if max := time.Duration(collectionConfig.AuthBackoffMaxMs) * time.Millisecond; max > 0 {
		policy.MaxInterval = max
	}

	var session *sources.Session
	operation := func() error {
		s, err := adapter.Authenticate(ctx)
		if err != nil {
			if errors.Is(err, sources.ErrAuth) {
				return err
			}
			return backoff.Permanent(err)
		}
		session = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("Authentication failed, retrying", "source", adapter.Name(), "wait", wait, "error", err)
	}

	retries := uint64(collectionConfig.AuthMaxRetries)
	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx), notify)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (m *Manager) finish(ctx context.Context, run *domain.CollectionRun, status string, runErr error) {
	run.Status = status
	if runErr != nil {
		run.Error = runErr.Error()
	}
	ended := time.Now().UTC()
	run.EndedAt = &ended

	if err := database.FinishCollectionRun(ctx, run); err != nil {
		log.Error("Failed to persist run completion", "source", run.Source, "run_id", run.RunID, "error", err)
	}

	logger := log.Info
	if status == domain.RunStatusFailed {
		logger = log.Error
	} else if status == domain.RunStatusPartial {
		logger = log.Warn
	}
	logger("Collection run finished", "source", run.Source, "run_id", run.RunID, "status", status,
		"seen", run.RecordsSeen, "new", run.RecordsNew, "updated", run.RecordsUpdated, "rejected", run.RecordsRejected)
}
