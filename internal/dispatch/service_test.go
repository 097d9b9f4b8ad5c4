package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/sms-dispatcher/internal/quota"
	"github.com/example/sms-dispatcher/internal/sendlog"
	"github.com/example/sms-dispatcher/internal/sms"
)

type mapResolver struct {
	phones map[string]string
	err    error
}

func (r mapResolver) Resolve(_ context.Context, ids []string) (map[string]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if p, ok := r.phones[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type brokenQuota struct{}

func (brokenQuota) Allow(context.Context, string) (quota.Decision, error) {
	return quota.Decision{}, errors.New("redis down")
}

func newTestService(t *testing.T, gw *fakeGateway, q quota.Checker) *Service {
	t.Helper()
	return &Service{
		Dispatcher: newTestDispatcher(t, gw, sendlog.NewMemoryStore()),
		Resolver: mapResolver{phones: map[string]string{
			"sale-1": "07911 123456",
			"sale-2": "0044 7700 900123",
			"sale-3": "02079460000",
		}},
		Quota:  q,
		Logger: zerolog.Nop(),
	}
}

func TestServiceDispatch(t *testing.T) {
	gw := &fakeGateway{}
	svc := newTestService(t, gw, nil)

	summary, err := svc.Dispatch(context.Background(), Request{
		ActorID:   "ops-1",
		TargetIDs: []string{"sale-1", "sale-2", "sale-3", "sale-404", "sale-1", " "},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 4, summary.Total)
	require.Equal(t, 2, summary.Sent)
	require.Equal(t, 2, summary.Skipped)
	require.EqualValues(t, 2, gw.calls.Load())

	var notFound []TargetResult
	for _, r := range summary.Results {
		if r.Detail == ReasonRecordNotFound {
			notFound = append(notFound, r)
		}
	}
	require.Len(t, notFound, 1)
	require.Equal(t, "sale-404", notFound[0].TargetID)
	require.Equal(t, sendlog.StatusSkipped, notFound[0].Status)
}

func TestServiceQuota(t *testing.T) {
	gw := &fakeGateway{}
	svc := newTestService(t, gw, quota.NewMemoryLimiter(1, time.Hour))
	req := Request{ActorID: "ops-1", TargetIDs: []string{"sale-1"}}

	_, err := svc.Dispatch(context.Background(), req, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, gw.calls.Load())

	_, err = svc.Dispatch(context.Background(), Request{ActorID: "ops-1", TargetIDs: []string{"sale-2"}}, nil)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.EqualValues(t, 1, gw.calls.Load())

	_, err = svc.Dispatch(context.Background(), Request{ActorID: "ops-2", TargetIDs: []string{"sale-2"}}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, gw.calls.Load())
}

func TestServiceRejectsBeforeProcessing(t *testing.T) {
	tests := []struct {
		name    string
		gw      *fakeGateway
		quota   quota.Checker
		req     Request
		wantErr error
	}{
		{
			name:    "missing credentials",
			gw:      &fakeGateway{configErr: sms.ErrMissingCredentials},
			quota:   quota.NewMemoryLimiter(5, time.Hour),
			req:     Request{ActorID: "ops-1", TargetIDs: []string{"sale-1"}},
			wantErr: ErrConfig,
		},
		{
			name:    "no targets",
			gw:      &fakeGateway{},
			req:     Request{ActorID: "ops-1", TargetIDs: []string{"", "  "}},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "missing actor with quota",
			gw:      &fakeGateway{},
			quota:   quota.NewMemoryLimiter(5, time.Hour),
			req:     Request{TargetIDs: []string{"sale-1"}},
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, tt.gw, tt.quota)
			_, err := svc.Dispatch(context.Background(), tt.req, nil)
			require.ErrorIs(t, err, tt.wantErr)
			require.Zero(t, tt.gw.calls.Load())
		})
	}
}

func TestServiceQuotaFailure(t *testing.T) {
	gw := &fakeGateway{}
	svc := newTestService(t, gw, brokenQuota{})

	_, err := svc.Dispatch(context.Background(), Request{ActorID: "ops-1", TargetIDs: []string{"sale-1"}}, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrQuotaExceeded)
	require.Zero(t, gw.calls.Load())
}

func TestServiceResolverFailure(t *testing.T) {
	gw := &fakeGateway{}
	svc := newTestService(t, gw, nil)
	svc.Resolver = mapResolver{err: errors.New("sales db down")}

	_, err := svc.Dispatch(context.Background(), Request{ActorID: "ops-1", TargetIDs: []string{"sale-1"}}, nil)
	require.ErrorContains(t, err, "sales db down")
	require.Zero(t, gw.calls.Load())
}

func TestServiceDispatchAsync(t *testing.T) {
	gw := &fakeGateway{}
	svc := newTestService(t, gw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		summary Summary
		err     error
	}
	done := make(chan outcome, 1)
	err := svc.DispatchAsync(ctx, Request{ActorID: "ops-1", TargetIDs: []string{"sale-1", "sale-2"}}, nil, func(s Summary, err error) {
		done <- outcome{s, err}
	})
	require.NoError(t, err)
	cancel()

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.Equal(t, 2, got.summary.Sent)
	case <-time.After(5 * time.Second):
		t.Fatal("async dispatch did not complete")
	}
}

func TestServiceDispatchAsyncPrecheck(t *testing.T) {
	gw := &fakeGateway{configErr: sms.ErrMissingCredentials}
	svc := newTestService(t, gw, nil)

	called := false
	err := svc.DispatchAsync(context.Background(), Request{TargetIDs: []string{"sale-1"}}, nil, func(Summary, error) {
		called = true
	})
	require.ErrorIs(t, err, ErrConfig)
	require.False(t, called)
}

func blockingGateway(started chan<- struct{}, release <-chan struct{}) *fakeGateway {
	return &fakeGateway{respond: func(call int, _ sms.SendRequest) (sms.SendResult, error) {
		started <- struct{}{}
		<-release
		return sms.SendResult{ProviderMessageID: fmt.Sprintf("msg-%d", call)}, nil
	}}
}

// ctxResolver remembers the context the run resolved its targets with.
type ctxResolver struct {
	TargetResolver
	mu   sync.Mutex
	last context.Context
}

func (r *ctxResolver) Resolve(ctx context.Context, ids []string) (map[string]string, error) {
	r.mu.Lock()
	r.last = ctx
	r.mu.Unlock()
	return r.TargetResolver.Resolve(ctx, ids)
}

func (r *ctxResolver) ctx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type asyncOutcome struct {
	summary Summary
	err     error
}

func TestServiceShutdownWaitsForAsyncRuns(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	gw := blockingGateway(started, release)
	svc := newTestService(t, gw, nil)

	done := make(chan asyncOutcome, 1)
	err := svc.DispatchAsync(context.Background(), Request{ActorID: "ops-1", TargetIDs: []string{"sale-1"}}, nil, func(s Summary, err error) {
		done <- asyncOutcome{s, err}
	})
	require.NoError(t, err)
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- svc.Shutdown(context.Background()) }()
	require.Never(t, func() bool { return len(shutdown) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	select {
	case err := <-shutdown:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.Equal(t, 1, got.summary.Sent)
	default:
		t.Fatal("shutdown returned before the summary was delivered")
	}
}

func TestServiceShutdownStopsPendingTargets(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	gw := blockingGateway(started, release)
	svc := newTestService(t, gw, nil)
	svc.Dispatcher.Concurrency = 1
	resolver := &ctxResolver{TargetResolver: svc.Resolver}
	svc.Resolver = resolver

	done := make(chan asyncOutcome, 1)
	err := svc.DispatchAsync(context.Background(), Request{ActorID: "ops-1", TargetIDs: []string{"sale-1", "sale-2", "sale-3"}}, nil, func(s Summary, err error) {
		done <- asyncOutcome{s, err}
	})
	require.NoError(t, err)
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- svc.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool { return resolver.ctx().Err() != nil }, time.Second, time.Millisecond)
	close(release)

	require.NoError(t, <-shutdown)
	got := <-done
	require.ErrorIs(t, got.err, context.Canceled)
	require.Equal(t, 1, got.summary.Sent)
	require.Equal(t, 3, got.summary.Total)
	require.EqualValues(t, 1, gw.calls.Load())
}

func TestServiceShutdownDeadline(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	defer close(release)
	svc := newTestService(t, blockingGateway(started, release), nil)

	err := svc.DispatchAsync(context.Background(), Request{ActorID: "ops-1", TargetIDs: []string{"sale-1"}}, nil, nil)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, svc.Shutdown(ctx), context.DeadlineExceeded)
}

func TestServiceDispatchAsyncAfterShutdown(t *testing.T) {
	gw := &fakeGateway{}
	svc := newTestService(t, gw, nil)
	require.NoError(t, svc.Shutdown(context.Background()))

	err := svc.DispatchAsync(context.Background(), Request{ActorID: "ops-1", TargetIDs: []string{"sale-1"}}, nil, nil)
	require.ErrorIs(t, err, ErrShuttingDown)
	require.Zero(t, gw.calls.Load())
}
