package database

import (
	"context"
	"errors"
	"time"

	"github.com/JCLEE94/blacklist-sub007/internal/domain"

	"gorm.io/gorm"
)

// UpsertOutcome reports what a single record upsert did.
type UpsertOutcome int

const (
	UpsertCreated UpsertOutcome = iota
	UpsertUpdated
)

func withCtx(ctx context.Context) *gorm.DB {
	db := DB
	if ctx != nil {
		db = db.WithContext(ctx)
	}
	return db
}

// UpsertBlacklistRecord inserts or merges one record keyed by (address,
// source). On merge, first_seen only moves backwards and last_seen only
// forwards; active and threat level take the incoming values. Callers are
// expected to serialize upserts per key (the store's striped locks do this).
func UpsertBlacklistRecord(ctx context.Context, record domain.BlacklistRecord) (UpsertOutcome, error) {
	if DB == nil {
		return UpsertCreated, errors.New("database not initialised")
	}

	db := withCtx(ctx)

	var existing domain.BlacklistRecord
	err := db.Where("address = ? AND source = ?", record.Address, record.Source).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if record.FirstSeen.IsZero() {
			record.FirstSeen = record.DetectedAt
		}
		if record.LastSeen.IsZero() {
			record.LastSeen = record.DetectedAt
		}
		if err := db.Create(&record).Error; err != nil {
			return UpsertCreated, err
		}
		return UpsertCreated, nil
	}
	if err != nil {
		return UpsertCreated, err
	}

	updates := map[string]any{
		"raw_address":  record.RawAddress,
		"class":        record.Class,
		"threat_level": record.ThreatLevel,
		"detected_at":  record.DetectedAt,
		"active":       record.Active,
	}
	if record.DetectedAt.Before(existing.FirstSeen) {
		updates["first_seen"] = record.DetectedAt
	}
	if record.DetectedAt.After(existing.LastSeen) {
		updates["last_seen"] = record.DetectedAt
	}

	if err := db.Model(&domain.BlacklistRecord{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return UpsertUpdated, err
	}
	return UpsertUpdated, nil
}

// QueryRecordsLastSeenSince returns all records whose last_seen falls inside
// the retention window starting at cutoff, ordered for deterministic merging.
func QueryRecordsLastSeenSince(ctx context.Context, cutoff time.Time) ([]domain.BlacklistRecord, error) {
	if DB == nil {
		return nil, errors.New("database not initialised")
	}

	var records []domain.BlacklistRecord
	err := withCtx(ctx).
		Where("last_seen >= ?", cutoff).
		Order("address ASC, source ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteRecordsLastSeenBefore removes records aged out of the retention
// window and returns the number of rows deleted.
func DeleteRecordsLastSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if DB == nil {
		return 0, errors.New("database not initialised")
	}

	result := withCtx(ctx).
		Where("last_seen < ?", cutoff).
		Delete(&domain.BlacklistRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// GetBlacklistRecord loads one record by its store key.
func GetBlacklistRecord(ctx context.Context, address, source string) (*domain.BlacklistRecord, error) {
	if DB == nil {
		return nil, errors.New("database not initialised")
	}

	var record domain.BlacklistRecord
	err := withCtx(ctx).Where("address = ? AND source = ?", address, source).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CountBlacklistRecords returns the total number of stored records.
func CountBlacklistRecords(ctx context.Context) (int64, error) {
	if DB == nil {
		return 0, errors.New("database not initialised")
	}

	var count int64
	if err := withCtx(ctx).Model(&domain.BlacklistRecord{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
