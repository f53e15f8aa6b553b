package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CollectionRun statuses. A run is terminal once its status leaves "running";
// rows are never modified after completion.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// CollectionRun is one bounded execution of one source's pull.
type CollectionRun struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"-"`

	RunID  string `gorm:"size:36;uniqueIndex;not null" json:"run_id"`
	Source string `gorm:"size:64;not null;index" json:"source"`

	StartedAt time.Time  `gorm:"not null" json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Status string `gorm:"size:16;not null;default:'running'" json:"status"`

	RecordsSeen     int `gorm:"not null;default:0" json:"records_seen"`
	RecordsNew      int `gorm:"not null;default:0" json:"records_new"`
	RecordsUpdated  int `gorm:"not null;default:0" json:"records_updated"`
	RecordsRejected int `gorm:"not null;default:0" json:"records_rejected"`

	Error string `gorm:"type:text;default:''" json:"error,omitempty"`
}

func (run *CollectionRun) BeforeCreate(_ *gorm.DB) error {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	return nil
}

// Terminal reports whether the run has finished.
func (run *CollectionRun) Terminal() bool {
	return run.Status != RunStatusRunning
}
