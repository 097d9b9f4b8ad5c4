package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/example/sms-dispatcher/internal/dispatch"
)

// fakeReader serves queued messages and then returns io.EOF.
type fakeReader struct {
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if len(r.queue) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type fakeService struct {
	requests []dispatch.Request
	dispatch func(ctx context.Context, req dispatch.Request) (dispatch.Summary, error)
}

func (s *fakeService) Dispatch(ctx context.Context, req dispatch.Request, _ dispatch.ProgressFunc) (dispatch.Summary, error) {
	s.requests = append(s.requests, req)
	if s.dispatch != nil {
		return s.dispatch(ctx, req)
	}
	return dispatch.Summary{Total: len(req.TargetIDs), Sent: len(req.TargetIDs)}, nil
}

func encode(t *testing.T, v any) kafka.Message {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Value: b}
}

func decodeResult(t *testing.T, m kafka.Message) DispatchResult {
	t.Helper()
	var res DispatchResult
	if err := json.Unmarshal(m.Value, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return res
}

func TestWorkerPublishesSummaries(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		encode(t, DispatchRequest{RequestID: "req-1", ActorID: "ops", TargetIDs: []string{"a", "b"}}),
		{Value: []byte("{not json")},
		encode(t, DispatchRequest{ActorID: "ops", TargetIDs: []string{"c"}}),
	}}
	writer := &fakeWriter{}
	svc := &fakeService{}
	w := &Worker{
		ReaderFactory: func() MessageReader { return reader },
		ResultWriter:  writer,
		Service:       svc,
		Logger:        zerolog.Nop(),
	}

	err := w.Run(context.Background())
	require.ErrorIs(t, err, io.EOF)
	require.True(t, reader.closed)
	require.Len(t, reader.committed, 3)
	require.Len(t, svc.requests, 2)
	require.Len(t, writer.msgs, 2)

	first := decodeResult(t, writer.msgs[0])
	require.Equal(t, "req-1", first.RequestID)
	require.Equal(t, "req-1", string(writer.msgs[0].Key))
	require.NotNil(t, first.Summary)
	require.Equal(t, 2, first.Summary.Sent)
	require.Empty(t, first.Error)

	second := decodeResult(t, writer.msgs[1])
	require.NotEmpty(t, second.RequestID)
}

func TestWorkerReportsRejectedRequests(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{fmt.Errorf("%w: no token", dispatch.ErrConfig), "config"},
		{fmt.Errorf("%w: limit 10", dispatch.ErrQuotaExceeded), "quota_exceeded"},
		{fmt.Errorf("%w: no target ids", dispatch.ErrInvalidRequest), "invalid_request"},
		{errors.New("resolve targets: db down"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			reader := &fakeReader{queue: []kafka.Message{encode(t, DispatchRequest{RequestID: "r", TargetIDs: []string{"a"}})}}
			writer := &fakeWriter{}
			w := &Worker{
				ReaderFactory: func() MessageReader { return reader },
				ResultWriter:  writer,
				Service: &fakeService{dispatch: func(context.Context, dispatch.Request) (dispatch.Summary, error) {
					return dispatch.Summary{}, tt.err
				}},
				Logger: zerolog.Nop(),
			}

			require.ErrorIs(t, w.Run(context.Background()), io.EOF)
			require.Len(t, writer.msgs, 1)
			res := decodeResult(t, writer.msgs[0])
			require.Nil(t, res.Summary)
			require.Equal(t, tt.kind, res.ErrorKind)
			require.Equal(t, tt.err.Error(), res.Error)
			require.Len(t, reader.committed, 1)
		})
	}
}

func TestWorkerLeavesInterruptedRequestUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{queue: []kafka.Message{encode(t, DispatchRequest{RequestID: "r", TargetIDs: []string{"a", "b"}})}}
	writer := &fakeWriter{}
	w := &Worker{
		ReaderFactory: func() MessageReader { return reader },
		ResultWriter:  writer,
		Service: &fakeService{dispatch: func(ctx context.Context, _ dispatch.Request) (dispatch.Summary, error) {
			cancel()
			return dispatch.Summary{Total: 2, Sent: 1}, ctx.Err()
		}},
		Logger: zerolog.Nop(),
	}

	require.ErrorIs(t, w.Run(ctx), context.Canceled)
	require.Empty(t, reader.committed)
	require.Empty(t, writer.msgs)
}

func TestWorkerStopsOnWriteFailure(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{encode(t, DispatchRequest{RequestID: "r", TargetIDs: []string{"a"}})}}
	w := &Worker{
		ReaderFactory: func() MessageReader { return reader },
		ResultWriter:  &fakeWriter{err: errors.New("broker down")},
		Service:       &fakeService{},
		Logger:        zerolog.Nop(),
	}

	err := w.Run(context.Background())
	require.ErrorContains(t, err, "broker down")
	require.Empty(t, reader.committed)
}

func TestWorkerRequiresCollaborators(t *testing.T) {
	if err := (&Worker{}).Run(context.Background()); err == nil {
		t.Fatal("expected error for unconfigured worker")
	}
}
