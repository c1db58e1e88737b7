package synctask

import (
	"encoding/json"
	"time"
)

type SyncTask struct {
	ID            int64           `gorm:"primaryKey"`
	Kind          string          `gorm:"column:kind;not null;index"`
	DedupeKey     string          `gorm:"column:dedupe_key;not null;uniqueIndex"`
	PaymentID     *int64          `gorm:"column:payment_id;index"`
	Payload       json.RawMessage `gorm:"column:payload;type:text;not null"`
	Status        string          `gorm:"column:status;not null;index"`
	Attempts      int             `gorm:"column:attempts;not null"`
	NextAttemptAt time.Time       `gorm:"column:next_attempt_at;not null;index"`
	LastError     *string         `gorm:"column:last_error"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

func (SyncTask) TableName() string {
	return "sync_tasks"
}
