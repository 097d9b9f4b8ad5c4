package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/sms-dispatcher/internal/common"
	"github.com/example/sms-dispatcher/internal/dispatch"
)

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, progress dispatch.ProgressFunc) (dispatch.Summary, error)
}

type DispatchRequest struct {
	RequestID string   `json:"request_id"`
	ActorID   string   `json:"actor_id"`
	TargetIDs []string `json:"target_ids"`
}

type DispatchResult struct {
	RequestID   string            `json:"request_id"`
	ActorID     string            `json:"actor_id"`
	Summary     *dispatch.Summary `json:"summary,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Worker consumes dispatch requests and publishes one result per request.
// A request interrupted by shutdown is left uncommitted so it is redelivered;
// targets already sent then come back as already sent.
type Worker struct {
	ReaderFactory func() MessageReader
	ResultWriter  MessageWriter
	Service       Dispatcher
	Logger        zerolog.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	if w.ReaderFactory == nil || w.ResultWriter == nil || w.Service == nil {
		return errors.New("worker requires a reader factory, result writer and service")
	}
	reader := w.ReaderFactory()
	defer reader.Close()

	tracer := otel.Tracer("sms-worker")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}
		var req DispatchRequest
		if err := json.Unmarshal(m.Value, &req); err != nil {
			w.Logger.Error().Err(err).Int64("offset", m.Offset).Msg("failed to decode dispatch request")
			_ = reader.CommitMessages(ctx, m)
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}

		spanCtx, span := tracer.Start(ctx, "sms.dispatch_request")
		span.SetAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.Int("request.targets", len(req.TargetIDs)),
		)
		logger := common.WithContext(spanCtx, w.Logger).With().Str("request_id", req.RequestID).Logger()

		summary, dispatchErr := w.Service.Dispatch(spanCtx, dispatch.Request{
			ActorID:   req.ActorID,
			TargetIDs: req.TargetIDs,
		}, func(p dispatch.Progress) {
			logger.Debug().Int("batch", p.Batch).Int("batches", p.Batches).Int("processed", p.Processed).Msg("dispatch progress")
		})
		if dispatchErr != nil && ctx.Err() != nil {
			span.RecordError(dispatchErr)
			span.End()
			logger.Warn().Err(dispatchErr).Int("processed", summary.Processed()).Msg("dispatch interrupted, leaving request uncommitted")
			return ctx.Err()
		}

		result := DispatchResult{
			RequestID:   req.RequestID,
			ActorID:     req.ActorID,
			CompletedAt: time.Now().UTC(),
		}
		if dispatchErr != nil {
			span.RecordError(dispatchErr)
			result.Error = dispatchErr.Error()
			result.ErrorKind = errorKind(dispatchErr)
			logger.Warn().Err(dispatchErr).Str("kind", result.ErrorKind).Msg("dispatch request rejected")
		} else {
			result.Summary = &summary
		}

		if err := w.publish(spanCtx, result); err != nil {
			span.RecordError(err)
			span.End()
			return fmt.Errorf("write result: %w", err)
		}
		span.End()
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (w *Worker) publish(ctx context.Context, result DispatchResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return w.ResultWriter.WriteMessages(ctx, kafka.Message{Key: []byte(result.RequestID), Value: payload})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrConfig):
		return "config"
	case errors.Is(err, dispatch.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal"
	}
}
