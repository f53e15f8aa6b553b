package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/JCLEE94/blacklist-sub007/internal/domain"
)

// CreateCollectionRun persists a freshly started run.
func CreateCollectionRun(ctx context.Context, run *domain.CollectionRun) error {
	if DB == nil {
		return errors.New("database not initialised")
	}
	return withCtx(ctx).Create(run).Error
}

// FinishCollectionRun records the terminal state of a run. Runs are immutable
// afterwards; a second finish for the same run id is rejected.
func FinishCollectionRun(ctx context.Context, run *domain.CollectionRun) error {
	if DB == nil {
		return errors.New("database not initialised")
	}
	if run.EndedAt == nil {
		now := time.Now().UTC()
		run.EndedAt = &now
	}

	result := withCtx(ctx).
		Model(&domain.CollectionRun{}).
		Where("run_id = ? AND status = ?", run.RunID, domain.RunStatusRunning).
		Updates(map[string]any{
			"ended_at":         run.EndedAt,
			"status":           run.Status,
			"records_seen":     run.RecordsSeen,
			"records_new":      run.RecordsNew,
			"records_updated":  run.RecordsUpdated,
			"records_rejected": run.RecordsRejected,
			"error":            run.Error,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("collection run already finished: " + run.RunID)
	}
	return nil
}

// LastCollectionRun returns the most recently started run for a source.
func LastCollectionRun(ctx context.Context, source string) (*domain.CollectionRun, error) {
	if DB == nil {
		return nil, errors.New("database not initialised")
	}

	var run domain.CollectionRun
	err := withCtx(ctx).
		Where("source = ?", source).
		Order("started_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListCollectionRuns returns the most recent runs across all sources.
func ListCollectionRuns(ctx context.Context, limit int) ([]domain.CollectionRun, error) {
	if DB == nil {
		return nil, errors.New("database not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	var runs []domain.CollectionRun
	err := withCtx(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}
