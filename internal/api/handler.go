package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/sms-dispatcher/internal/common"
	"github.com/example/sms-dispatcher/internal/dispatch"
	"github.com/example/sms-dispatcher/internal/sendlog"
)

const (
	maxBodyBytes = 1 << 20
	maxTargets   = 1000
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_api_requests_total",
		Help: "Total number of SMS API requests",
	}, []string{"route", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sms_api_request_duration_seconds",
		Help:    "Latency of SMS API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

type DispatchService interface {
	Dispatch(ctx context.Context, req dispatch.Request, progress dispatch.ProgressFunc) (dispatch.Summary, error)
	DispatchAsync(ctx context.Context, req dispatch.Request, progress dispatch.ProgressFunc, done func(dispatch.Summary, error)) error
}

// RecordReader is the read side of sendlog.Store.
type RecordReader interface {
	ListByTarget(ctx context.Context, targetID string, limit int) ([]sendlog.Record, error)
	ListByStatus(ctx context.Context, status sendlog.Status, limit, offset int) ([]sendlog.Record, error)
}

type DispatchRequest struct {
	TargetIDs []string `json:"target_ids"`
}

type Handler struct {
	service DispatchService
	records RecordReader
	tracer  trace.Tracer
	logger  zerolog.Logger
}

func NewHandler(service DispatchService, records RecordReader, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		records: records,
		tracer:  otel.Tracer("sms-api"),
		logger:  logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/health", h.health)
	r.Post("/v1/sms/dispatch", h.dispatch)
	r.Get("/v1/sms/records", h.listRecords)
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	const route = "dispatch"
	ctx, span := h.tracer.Start(r.Context(), "sms.api.dispatch")
	defer span.End()
	start := time.Now()
	defer func() { requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds()) }()

	actorID := r.Header.Get("x-actor-id")
	if actorID == "" {
		h.respondErr(ctx, w, route, http.StatusBadRequest, errors.New("missing x-actor-id header"))
		return
	}

	var body DispatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.respondErr(ctx, w, route, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := validateRequest(body); err != nil {
		h.respondErr(ctx, w, route, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("actor.id", actorID), attribute.Int("request.targets", len(body.TargetIDs)))

	req := dispatch.Request{ActorID: actorID, TargetIDs: body.TargetIDs}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		requestID := uuid.NewString()
		logger := h.logger.With().Str("request_id", requestID).Str("actor", actorID).Logger()
		err := h.service.DispatchAsync(ctx, req, nil, func(s dispatch.Summary, err error) {
			if err != nil {
				logger.Error().Err(err).Int("processed", s.Processed()).Msg("async dispatch failed")
				return
			}
			logger.Info().Int("sent", s.Sent).Int("failed", s.Failed).Int("skipped", s.Skipped).
				Int("already_sent", s.AlreadySent).Msg("async dispatch finished")
		})
		if err != nil {
			h.respondErr(ctx, w, route, statusFor(err), err)
			return
		}
		reqCounter.WithLabelValues(route, "accepted").Inc()
		writeJSON(w, http.StatusAccepted, map[string]any{"request_id": requestID, "targets": len(body.TargetIDs)})
		return
	}

	summary, err := h.service.Dispatch(ctx, req, nil)
	if err != nil {
		h.respondErr(ctx, w, route, statusFor(err), err)
		return
	}
	reqCounter.WithLabelValues(route, "ok").Inc()
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	const route = "records"
	ctx, span := h.tracer.Start(r.Context(), "sms.api.records")
	defer span.End()

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.respondErr(ctx, w, route, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		h.respondErr(ctx, w, route, http.StatusBadRequest, fmt.Errorf("offset: %w", err))
		return
	}

	var recs []sendlog.Record
	switch {
	case q.Get("target_id") != "":
		recs, err = h.records.ListByTarget(ctx, q.Get("target_id"), limit)
	case q.Get("status") != "":
		status := sendlog.Status(q.Get("status"))
		if !status.IsValid() {
			h.respondErr(ctx, w, route, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
			return
		}
		recs, err = h.records.ListByStatus(ctx, status, limit, offset)
	default:
		h.respondErr(ctx, w, route, http.StatusBadRequest, errors.New("target_id or status is required"))
		return
	}
	if err != nil {
		h.respondErr(ctx, w, route, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []sendlog.Record{}
	}
	reqCounter.WithLabelValues(route, "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, route string, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Str("route", route).Int("status", status).Msg("sms api request failed")
	reqCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrConfig), errors.Is(err, dispatch.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func validateRequest(req DispatchRequest) error {
	if len(req.TargetIDs) == 0 {
		return errors.New("target_ids is required")
	}
	if len(req.TargetIDs) > maxTargets {
		return fmt.Errorf("at most %d target_ids per request", maxTargets)
	}
	return nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid value %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
