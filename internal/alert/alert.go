// Package alert raises operator-facing signals for money-affecting anomalies.
package alert

import (
	"context"
	"log/slog"
	"time"
)

type Kind string

const (
	KindOrphanIntent       Kind = "orphan_intent"
	KindLedgerWriteFailed  Kind = "ledger_write_failed"
	KindRefundFinalize     Kind = "refund_finalize_failed"
	KindWebhookProcessing  Kind = "webhook_processing_failed"
	KindProjectSyncDead    Kind = "project_sync_dead"
	KindTaskDead           Kind = "sync_task_dead"
	KindTransitionRejected Kind = "transition_rejected"
)

type Alert struct {
	Kind             Kind      `json:"kind"`
	PaymentID        int64     `json:"payment_id,omitempty"`
	ExternalIntentID string    `json:"external_intent_id,omitempty"`
	EventID          string    `json:"event_id,omitempty"`
	Message          string    `json:"message"`
	RaisedAt         time.Time `json:"raised_at"`
}

// Alerter must not block the caller for long and never fails the operation that raised the alert.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the structured log only.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) {
	l.logger.Error("payment alert",
		"alert_kind", a.Kind,
		"payment_id", a.PaymentID,
		"external_intent_id", a.ExternalIntentID,
		"event_id", a.EventID,
		"message", a.Message)
}
