package collector

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/JCLEE94/blacklist-sub007/internal/config"
	"github.com/JCLEE94/blacklist-sub007/internal/support"
)

const schedulerLeaderRole = "scheduler"

// StartScheduled runs the periodic collection and retention loops. With redis
// available the loops run under a leadership lock so only one instance pulls;
// without redis they run locally.
func (m *Manager) StartScheduled(ctx context.Context, withLeadership bool) {
	loops := func(ctx context.Context) {
		go m.runSweepLoop(ctx)
		m.runCollectionLoop(ctx)
	}

	go func() {
		if !withLeadership {
			loops(ctx)
			return
		}
		err := support.RunWithLeader(ctx, schedulerLeaderRole, loops)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Scheduler leadership loop ended", "error", err)
		}
	}()
}

func (m *Manager) runCollectionLoop(ctx context.Context) {
	current := config.GetCollectionInterval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	m.triggerScheduled(ctx)

	updates := config.CollectionIntervalUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.triggerScheduled(ctx)
		case newInterval := <-updates:
			if newInterval <= 0 || newInterval == current {
				continue
			}
			drainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
			log.Info("Collection interval updated", "interval", current)
		}
	}
}

func (m *Manager) triggerScheduled(ctx context.Context) {
	results, err := m.TriggerAll(ctx, DefaultWindow(time.Now().UTC()))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("Scheduled collection trigger failed", "error", err)
		}
		return
	}
	for _, result := range results {
		if !result.Started {
			log.Info("Source already collecting, skipped", "source", result.Source, "run_id", result.RunID)
		}
	}
}

func (m *Manager) runSweepLoop(ctx context.Context) {
	current := config.GetSweepInterval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	m.sweep(ctx)

	updates := config.SweepIntervalUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		case newInterval := <-updates:
			if newInterval <= 0 || newInterval == current {
				continue
			}
			drainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
			log.Info("Retention sweep interval updated", "interval", current)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	if _, err := m.store.ExpireSweep(ctx, time.Now().UTC()); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("Retention sweep failed", "error", err)
		}
	}
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
