package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"
)

// NSQAlerter publishes alerts to a topic consumed by the on-call tooling.
// Every alert is also logged, so a broker outage never hides one.
type NSQAlerter struct {
	producer *nsq.Producer
	topic    string
	fallback *LogAlerter
	logger   *slog.Logger
}

func NewNSQAlerter(address, topic string, logger *slog.Logger) (*NSQAlerter, error) {
	producer, err := nsq.NewProducer(address, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ producer: %w", err)
	}
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("failed to ping NSQ daemon: %w", err)
	}

	return &NSQAlerter{
		producer: producer,
		topic:    topic,
		fallback: NewLogAlerter(logger),
		logger:   logger,
	}, nil
}

func (n *NSQAlerter) Alert(ctx context.Context, a Alert) {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}
	n.fallback.Alert(ctx, a)

	body, err := json.Marshal(a)
	if err != nil {
		n.logger.Error("failed to marshal alert", "alert_kind", a.Kind, "error", err)
		return
	}
	if err := n.producer.Publish(n.topic, body); err != nil {
		n.logger.Error("failed to publish alert", "topic", n.topic, "alert_kind", a.Kind, "error", err)
	}
}

func (n *NSQAlerter) Stop() {
	n.producer.Stop()
}
