package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/example/sms-dispatcher/internal/common"
	"github.com/example/sms-dispatcher/internal/phone"
	"github.com/example/sms-dispatcher/internal/sendlog"
	"github.com/example/sms-dispatcher/internal/sms"
)

const (
	DefaultBatchSize   = 20
	DefaultConcurrency = 3
)

var (
	ErrConfig        = errors.New("sms dispatch is not configured")
	ErrQuotaExceeded = errors.New("sms quota exceeded")
)

// Observer is told about every target outcome as it happens.
type Observer interface {
	Observe(ctx context.Context, res TargetResult)
}

// Dispatcher runs the per-target send pipeline over a list of targets.
// BatchSize and Concurrency fall back to their defaults when zero.
type Dispatcher struct {
	Gateway     sms.Gateway
	Composer    *sms.Composer
	Store       sendlog.Store
	Retry       sms.RetryPolicy
	SenderID    string
	BatchSize   int
	Concurrency int
	Observer    Observer
	Logger      zerolog.Logger

	now func() time.Time
}

// CheckConfig reports whether the dispatcher can send at all. Every error
// wraps ErrConfig.
func (d *Dispatcher) CheckConfig() error {
	switch {
	case d.Gateway == nil:
		return fmt.Errorf("%w: no provider gateway", ErrConfig)
	case d.Composer == nil:
		return fmt.Errorf("%w: no message composer", ErrConfig)
	case d.Store == nil:
		return fmt.Errorf("%w: no send log store", ErrConfig)
	case d.SenderID == "":
		return fmt.Errorf("%w: sender id is empty", ErrConfig)
	case d.BatchSize < 0 || d.Concurrency < 0:
		return fmt.Errorf("%w: batch size and concurrency must not be negative", ErrConfig)
	}
	if err := d.Gateway.CheckConfig(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

// Dispatch processes targets in batches with at most Concurrency pipelines
// in flight across the whole call. Provider failures are reported per
// target and never abort the call. On cancellation no new pipelines start;
// running ones finish and the partial summary is returned with ctx.Err().
func (d *Dispatcher) Dispatch(ctx context.Context, targets []Target, progress ProgressFunc) (Summary, error) {
	if err := d.CheckConfig(); err != nil {
		return Summary{}, err
	}

	ctx, span := otel.Tracer("dispatch").Start(ctx, "sms.dispatch")
	defer span.End()
	span.SetAttributes(attribute.Int("sms.targets", len(targets)))

	batchSize := d.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	concurrency := d.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}

	var (
		mu      sync.Mutex
		summary = Summary{Total: len(targets), Results: make([]TargetResult, 0, len(targets))}
	)
	// Pipelines that have started are not abandoned when ctx is cancelled.
	runCtx := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(concurrency))
	batches := (len(targets) + batchSize - 1) / batchSize

	for b := 0; b < batches; b++ {
		start := b * batchSize
		end := min(start+batchSize, len(targets))

		var wg sync.WaitGroup
		var cancelled error
		for _, t := range targets[start:end] {
			if err := sem.Acquire(ctx, 1); err != nil {
				cancelled = err
				break
			}
			wg.Add(1)
			go func(t Target) {
				defer wg.Done()
				res := d.process(runCtx, t)
				sem.Release(1)
				mu.Lock()
				summary.add(res)
				mu.Unlock()
				if d.Observer != nil {
					d.Observer.Observe(runCtx, res)
				}
			}(t)
		}
		wg.Wait()

		if cancelled != nil {
			span.RecordError(cancelled)
			span.SetStatus(codes.Error, "dispatch cancelled")
			d.Logger.Warn().Err(cancelled).Int("processed", summary.Processed()).Int("total", len(targets)).Msg("dispatch cancelled")
			return summary, cancelled
		}
		if progress != nil {
			progress(Progress{
				Batch:       b + 1,
				Batches:     batches,
				Processed:   summary.Processed(),
				Total:       len(targets),
				Sent:        summary.Sent,
				Failed:      summary.Failed,
				Skipped:     summary.Skipped,
				AlreadySent: summary.AlreadySent,
			})
		}
	}

	span.SetAttributes(
		attribute.Int("sms.sent", summary.Sent),
		attribute.Int("sms.failed", summary.Failed),
		attribute.Int("sms.skipped", summary.Skipped),
		attribute.Int("sms.already_sent", summary.AlreadySent),
	)
	d.Logger.Info().
		Int("total", summary.Total).
		Int("sent", summary.Sent).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("already_sent", summary.AlreadySent).
		Int("errored", summary.Errored).
		Msg("dispatch finished")
	return summary, nil
}

func (d *Dispatcher) process(ctx context.Context, t Target) (res TargetResult) {
	inflightGauge.Inc()
	defer inflightGauge.Dec()

	ctx, span := otel.Tracer("dispatch").Start(ctx, "sms.target")
	span.SetAttributes(attribute.String("target.id", t.ID))
	logger := common.WithContext(ctx, d.Logger).With().Str("target_id", t.ID).Logger()
	defer func() {
		targetCounter.WithLabelValues(string(res.Outcome)).Inc()
		span.SetAttributes(attribute.String("sms.outcome", string(res.Outcome)))
		span.End()
	}()

	res = TargetResult{TargetID: t.ID, RawPhoneNumber: t.RawPhoneNumber}

	latest, found, err := d.Store.Latest(ctx, t.ID)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("failed to read send log")
		return errored(res, fmt.Errorf("read send log: %w", err))
	}
	if found && latest.Status == sendlog.StatusSent {
		res.Outcome = OutcomeAlreadySent
		res.Status = sendlog.StatusSkipped
		res.RecordID = latest.ID
		res.Detail = ReasonAlreadySent
		return res
	}

	canonical, ok := phone.Normalize(t.RawPhoneNumber)
	if !ok {
		res.Classification = phone.KindInvalid
		return d.skip(ctx, logger, res, nil, ReasonInvalidFormat)
	}
	res.NormalizedPhoneNumber = canonical
	res.DisplayNumber = phone.Display(canonical)

	class := phone.Classify(canonical)
	res.Classification = class.Kind
	if !class.CanSendSMS {
		return d.skip(ctx, logger, res, &canonical, class.Reason)
	}

	reference := d.Composer.Reference(t.ID)
	rec, err := d.Store.Begin(ctx, sendlog.Record{
		TargetID:              t.ID,
		RawPhoneNumber:        t.RawPhoneNumber,
		NormalizedPhoneNumber: &canonical,
		MessageBody:           d.Composer.Body(),
		IdempotencyReference:  reference,
	})
	switch {
	case errors.Is(err, sendlog.ErrAlreadySent):
		res.Outcome = OutcomeAlreadySent
		res.Status = sendlog.StatusSkipped
		res.Detail = ReasonAlreadySent
		return res
	case errors.Is(err, sendlog.ErrInFlight):
		res.Outcome = OutcomeSkipped
		res.Status = sendlog.StatusSkipped
		res.Detail = ReasonInFlight
		return res
	case err != nil:
		span.RecordError(err)
		logger.Error().Err(err).Msg("failed to create sending record")
		return errored(res, fmt.Errorf("create sending record: %w", err))
	}
	res.RecordID = rec.ID

	req := sms.SendRequest{
		To:                canonical,
		From:              d.SenderID,
		Body:              d.Composer.Body(),
		ExternalReference: reference,
	}
	sent, attempts, sendErr := d.Retry.Do(ctx, func(ctx context.Context) (sms.SendResult, error) {
		started := time.Now()
		out, err := d.Gateway.Send(ctx, req)
		providerLatency.Observe(time.Since(started).Seconds())
		providerAttempts.WithLabelValues(attemptLabel(err, sms.IsRetryable(err))).Inc()
		return out, err
	})
	res.Attempts = attempts

	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "provider send failed")
		detail := sendErr.Error()
		if _, err := d.Store.Complete(ctx, rec.ID, sendlog.Outcome{
			Status:      sendlog.StatusFailed,
			ErrorDetail: detail,
			At:          d.clock(),
		}); err != nil {
			logger.Error().Err(err).Str("record_id", rec.ID).Str("intended_status", string(sendlog.StatusFailed)).
				Str("error_detail", detail).Msg("failed to record provider failure")
			return errored(res, fmt.Errorf("record failure: %w", err))
		}
		logger.Warn().Err(sendErr).Int("attempts", attempts).Msg("sms send failed")
		res.Outcome = OutcomeFailed
		res.Status = sendlog.StatusFailed
		res.Detail = detail
		return res
	}

	res.ProviderMessageID = sent.ProviderMessageID
	if _, err := d.Store.Complete(ctx, rec.ID, sendlog.Outcome{
		Status:            sendlog.StatusSent,
		ProviderMessageID: sent.ProviderMessageID,
		At:                d.clock(),
	}); err != nil {
		// The message went out; the log is now behind the provider.
		logger.Error().Err(err).Str("record_id", rec.ID).Str("intended_status", string(sendlog.StatusSent)).
			Str("provider_message_id", sent.ProviderMessageID).Msg("sms sent but not recorded")
		return errored(res, fmt.Errorf("record success: %w", err))
	}
	logger.Debug().Str("provider_message_id", sent.ProviderMessageID).Int("attempts", attempts).Msg("sms sent")
	res.Outcome = OutcomeSent
	res.Status = sendlog.StatusSent
	return res
}

func (d *Dispatcher) skip(ctx context.Context, logger zerolog.Logger, res TargetResult, normalized *string, reason string) TargetResult {
	detail := reason
	rec, err := d.Store.Skip(ctx, sendlog.Record{
		TargetID:              res.TargetID,
		RawPhoneNumber:        res.RawPhoneNumber,
		NormalizedPhoneNumber: normalized,
		MessageBody:           d.Composer.Body(),
		ErrorDetail:           &detail,
	})
	if err != nil {
		logger.Error().Err(err).Str("intended_status", string(sendlog.StatusSkipped)).Str("reason", reason).Msg("failed to record skip")
		return errored(res, fmt.Errorf("record skip: %w", err))
	}
	logger.Debug().Str("reason", reason).Msg("target skipped")
	res.Outcome = OutcomeSkipped
	res.Status = sendlog.StatusSkipped
	res.RecordID = rec.ID
	res.Detail = reason
	return res
}

func errored(res TargetResult, err error) TargetResult {
	res.Outcome = OutcomeErrored
	res.Status = ""
	res.Detail = err.Error()
	return res
}

func (d *Dispatcher) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now().UTC()
}
