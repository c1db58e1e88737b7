// Package synctask is the durable retry queue for follow-up work that must eventually succeed:
// project propagation after a ledger change and webhook events that could not be applied yet.
package synctask

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	datamodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/synctask"
)

type Kind string

const (
	KindProjectPaymentOutcome Kind = "project_payment_outcome"
	KindProjectRefund         Kind = "project_refund"
	KindWebhookEvent          Kind = "webhook_event"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

type Task struct {
	ID            int64           `json:"id"`
	Kind          Kind            `json:"kind"`
	DedupeKey     string          `json:"dedupe_key"`
	PaymentID     *int64          `json:"payment_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s task %d payload: %w", t.Kind, t.ID, err)
	}
	return nil
}

// NewTask is an enqueue request. Payload is JSON encoded by the queue.
type NewTask struct {
	Kind      Kind
	DedupeKey string
	PaymentID *int64
	Payload   interface{}
}

type Enqueuer interface {
	// Enqueue upserts on DedupeKey: an existing task is re-armed rather than duplicated.
	// Its attempt count is kept, so a task that keeps failing still ends up dead.
	Enqueue(ctx context.Context, t NewTask) error
}

type Queue interface {
	Enqueuer
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// Lease pushes a due task's next attempt out to until. Only the first caller succeeds.
	Lease(ctx context.Context, id int64, now, until time.Time) (bool, error)
	MarkDone(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id int64, attempts int, lastErr string) error
	List(ctx context.Context, status Status, limit int) ([]Task, error)
	Requeue(ctx context.Context, id int64) error
}

func FromDataModel(row *datamodel.SyncTask) Task {
	t := Task{
		ID:            row.ID,
		Kind:          Kind(row.Kind),
		DedupeKey:     row.DedupeKey,
		PaymentID:     row.PaymentID,
		Payload:       row.Payload,
		Status:        Status(row.Status),
		Attempts:      row.Attempts,
		NextAttemptAt: row.NextAttemptAt,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.LastError != nil {
		t.LastError = *row.LastError
	}
	return t
}
