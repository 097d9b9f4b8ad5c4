package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/sms-dispatcher/internal/dispatch"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// TargetEvent is published once per target outcome.
type TargetEvent struct {
	TargetID          string           `json:"target_id"`
	Outcome           dispatch.Outcome `json:"outcome"`
	Status            string           `json:"status,omitempty"`
	RecordID          string           `json:"record_id,omitempty"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	Classification    string           `json:"classification,omitempty"`
	Attempts          int              `json:"attempts,omitempty"`
	Detail            string           `json:"detail,omitempty"`
	EmittedAt         time.Time        `json:"emitted_at"`
}

// KafkaPublisher writes target outcomes to the SMS events topic, keyed by
// target id. Publish failures are logged and never affect the dispatch.
type KafkaPublisher struct {
	Writer MessageWriter
	Logger zerolog.Logger

	now func() time.Time
}

func (p *KafkaPublisher) Observe(ctx context.Context, res dispatch.TargetResult) {
	if err := p.Publish(ctx, res); err != nil {
		p.Logger.Warn().Err(err).Str("target_id", res.TargetID).Str("outcome", string(res.Outcome)).Msg("failed to publish sms event")
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, res dispatch.TargetResult) error {
	if p.Writer == nil {
		return nil
	}
	now := time.Now().UTC()
	if p.now != nil {
		now = p.now()
	}
	payload, err := json.Marshal(TargetEvent{
		TargetID:          res.TargetID,
		Outcome:           res.Outcome,
		Status:            string(res.Status),
		RecordID:          res.RecordID,
		ProviderMessageID: res.ProviderMessageID,
		Classification:    string(res.Classification),
		Attempts:          res.Attempts,
		Detail:            res.Detail,
		EmittedAt:         now,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.Writer.WriteMessages(ctx, kafka.Message{Key: []byte(res.TargetID), Value: payload})
}
