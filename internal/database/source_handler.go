package database

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/JCLEE94/blacklist-sub007/internal/domain"
)

// ListSources returns all configured sources.
func ListSources(ctx context.Context) ([]domain.SourceConfig, error) {
	if DB == nil {
		return nil, errors.New("database not initialised")
	}

	var sources []domain.SourceConfig
	if err := withCtx(ctx).Order("name ASC").Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

// ListEnabledSources returns the sources eligible for collection. Read fresh
// at every trigger so enable/disable takes effect immediately.
func ListEnabledSources(ctx context.Context) ([]domain.SourceConfig, error) {
	if DB == nil {
		return nil, errors.New("database not initialised")
	}

	var sources []domain.SourceConfig
	if err := withCtx(ctx).Where("enabled = ?", true).Order("name ASC").Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

// GetSourceByName loads one source configuration.
func GetSourceByName(ctx context.Context, name string) (*domain.SourceConfig, error) {
	if DB == nil {
		return nil, errors.New("database not initialised")
	}

	var source domain.SourceConfig
	if err := withCtx(ctx).Where("name = ?", name).First(&source).Error; err != nil {
		return nil, err
	}
	return &source, nil
}

// SaveSource creates or updates a source configuration.
func SaveSource(ctx context.Context, source *domain.SourceConfig) error {
	if DB == nil {
		return errors.New("database not initialised")
	}
	return withCtx(ctx).Save(source).Error
}

// SetSourceEnabled toggles collection for a source. Existing records are not
// touched; they age out through the retention sweep.
func SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	if DB == nil {
		return errors.New("database not initialised")
	}

	result := withCtx(ctx).
		Model(&domain.SourceConfig{}).
		Where("name = ?", name).
		Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RotateSourceCredentials replaces a source's credential blob. The model hook
// encrypts it before it reaches the database.
func RotateSourceCredentials(ctx context.Context, name, credentials string) error {
	if DB == nil {
		return errors.New("database not initialised")
	}

	source, err := GetSourceByName(ctx, name)
	if err != nil {
		return err
	}

	source.Credentials = credentials
	return withCtx(ctx).Save(source).Error
}
