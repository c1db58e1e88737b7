package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	datamodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/synctask"
	"github.com/frahmantamala/expert-payments/internal/synctask"
)

type QueueRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewQueueRepository(db *gorm.DB) *QueueRepository {
	return &QueueRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

var _ synctask.Queue = (*QueueRepository)(nil)

func (r *QueueRepository) Enqueue(ctx context.Context, t synctask.NewTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode %s task payload: %w", t.Kind, err)
	}

	now := r.now()
	row := &datamodel.SyncTask{
		Kind:          string(t.Kind),
		DedupeKey:     t.DedupeKey,
		PaymentID:     t.PaymentID,
		Payload:       payload,
		Status:        string(synctask.StatusPending),
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "dedupe_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"payload":         payload,
			"status":          string(synctask.StatusPending),
			"next_attempt_at": now,
			"updated_at":      now,
		}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("enqueue %s task %s: %w", t.Kind, t.DedupeKey, err)
	}
	return nil
}

func (r *QueueRepository) Due(ctx context.Context, now time.Time, limit int) ([]synctask.Task, error) {
	var rows []datamodel.SyncTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", string(synctask.StatusPending), now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	return toTasks(rows), nil
}

func (r *QueueRepository) Lease(ctx context.Context, id int64, now, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&datamodel.SyncTask{}).
		Where("id = ? AND status = ? AND next_attempt_at <= ?", id, string(synctask.StatusPending), now).
		Updates(map[string]interface{}{
			"next_attempt_at": until,
			"updated_at":      r.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("lease task %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *QueueRepository) MarkDone(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":     string(synctask.StatusDone),
		"last_error": nil,
	})
}

func (r *QueueRepository) MarkRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	return r.update(ctx, id, map[string]interface{}{
		"attempts":        attempts,
		"next_attempt_at": next,
		"last_error":      lastErr,
	})
}

func (r *QueueRepository) MarkDead(ctx context.Context, id int64, attempts int, lastErr string) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":     string(synctask.StatusDead),
		"attempts":   attempts,
		"last_error": lastErr,
	})
}

func (r *QueueRepository) List(ctx context.Context, status synctask.Status, limit int) ([]synctask.Task, error) {
	var rows []datamodel.SyncTask
	q := r.db.WithContext(ctx).Order("updated_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return toTasks(rows), nil
}

// Requeue re-arms a dead task for immediate processing.
func (r *QueueRepository) Requeue(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Model(&datamodel.SyncTask{}).
		Where("id = ? AND status = ?", id, string(synctask.StatusDead)).
		Updates(map[string]interface{}{
			"status":          string(synctask.StatusPending),
			"attempts":        0,
			"next_attempt_at": r.now(),
			"updated_at":      r.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("requeue task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("requeue task %d: no dead task with that id", id)
	}
	return nil
}

func (r *QueueRepository) update(ctx context.Context, id int64, updates map[string]interface{}) error {
	updates["updated_at"] = r.now()
	if err := r.db.WithContext(ctx).Model(&datamodel.SyncTask{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	return nil
}

func toTasks(rows []datamodel.SyncTask) []synctask.Task {
	tasks := make([]synctask.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, synctask.FromDataModel(&rows[i]))
	}
	return tasks
}
