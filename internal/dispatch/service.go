package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatcher/internal/quota"
	"github.com/example/sms-dispatcher/internal/sendlog"
)

var (
	ErrInvalidRequest = errors.New("invalid dispatch request")
	ErrShuttingDown   = errors.New("dispatch service is shutting down")
)

// TargetResolver looks up the current raw phone number for each target id.
// Ids with no sales record are absent from the returned map.
type TargetResolver interface {
	Resolve(ctx context.Context, ids []string) (map[string]string, error)
}

type Request struct {
	ActorID   string   `json:"actor_id"`
	TargetIDs []string `json:"target_ids"`
}

// Service is the entry point the rest of the application calls. Quota is
// optional.
type Service struct {
	Dispatcher *Dispatcher
	Resolver   TargetResolver
	Quota      quota.Checker
	Logger     zerolog.Logger

	mu      sync.Mutex
	running sync.WaitGroup
	closing context.Context
	stopAll context.CancelFunc
	closed  bool
}

// Dispatch resolves the request's targets and sends to them. Configuration
// and quota problems fail the call before any target is touched.
func (s *Service) Dispatch(ctx context.Context, req Request, progress ProgressFunc) (Summary, error) {
	ids, err := s.precheck(ctx, req)
	if err != nil {
		return Summary{}, err
	}
	return s.run(ctx, req.ActorID, ids, progress)
}

// DispatchAsync runs the same checks as Dispatch synchronously, then sends
// in the background and hands the summary to done. The background run is
// not cancelled when ctx is, only by Shutdown.
func (s *Service) DispatchAsync(ctx context.Context, req Request, progress ProgressFunc, done func(Summary, error)) error {
	ids, err := s.precheck(ctx, req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.initLocked()
	s.running.Add(1)
	closing := s.closing
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(closing, cancel)
	go func() {
		defer s.running.Done()
		defer cancel()
		defer stop()
		summary, err := s.run(runCtx, req.ActorID, ids, progress)
		if done != nil {
			done(summary, err)
		}
	}()
	return nil
}

// Shutdown refuses new background dispatches and stops pending targets of
// running ones from starting. It waits until every background run has
// finished its in-flight targets and called done, or until ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.initLocked()
	s.closed = true
	s.stopAll()
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.running.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background dispatches: %w", ctx.Err())
	}
}

func (s *Service) initLocked() {
	if s.closing == nil {
		s.closing, s.stopAll = context.WithCancel(context.Background())
	}
}

func (s *Service) precheck(ctx context.Context, req Request) ([]string, error) {
	if s.Dispatcher == nil || s.Resolver == nil {
		return nil, fmt.Errorf("%w: service is missing collaborators", ErrConfig)
	}
	if err := s.Dispatcher.CheckConfig(); err != nil {
		return nil, err
	}
	ids := uniqueIDs(req.TargetIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no target ids", ErrInvalidRequest)
	}
	if s.Quota == nil {
		return ids, nil
	}

	decision, err := s.Quota.Allow(ctx, req.ActorID)
	if errors.Is(err, quota.ErrInvalidActor) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err != nil {
		return nil, fmt.Errorf("quota check: %w", err)
	}
	if !decision.Allowed {
		s.Logger.Info().Str("actor", req.ActorID).Int("limit", decision.Limit).Msg("dispatch rejected by quota")
		return nil, fmt.Errorf("%w: limit %d reached for %s", ErrQuotaExceeded, decision.Limit, req.ActorID)
	}
	return ids, nil
}

func (s *Service) run(ctx context.Context, actor string, ids []string, progress ProgressFunc) (Summary, error) {
	phones, err := s.Resolver.Resolve(ctx, ids)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve targets: %w", err)
	}

	targets := make([]Target, 0, len(ids))
	var missing []string
	for _, id := range ids {
		raw, ok := phones[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		targets = append(targets, Target{ID: id, RawPhoneNumber: raw})
	}

	s.Logger.Info().Str("actor", actor).Int("targets", len(targets)).Int("missing", len(missing)).Msg("dispatch started")
	summary, err := s.Dispatcher.Dispatch(ctx, targets, progress)
	for _, id := range missing {
		res := TargetResult{TargetID: id, Outcome: OutcomeSkipped, Status: sendlog.StatusSkipped, Detail: ReasonRecordNotFound}
		targetCounter.WithLabelValues(string(res.Outcome)).Inc()
		summary.add(res)
		if s.Dispatcher.Observer != nil {
			s.Dispatcher.Observer.Observe(ctx, res)
		}
	}
	summary.Total = len(ids)
	return summary, err
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
