package sendlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local runs without
// a database. It has the same check-and-insert semantics as PostgresStore.
type MemoryStore struct {
	mu          sync.Mutex
	records     []Record
	byID        map[string]int
	inFlightTTL time.Duration
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        map[string]int{},
		inFlightTTL: DefaultInFlightTTL,
		now:         time.Now,
	}
}

func (s *MemoryStore) Begin(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for _, r := range s.records {
		if r.TargetID != rec.TargetID {
			continue
		}
		if r.Status == StatusSent {
			return Record{}, ErrAlreadySent
		}
		if r.Status == StatusSending && now.Sub(r.CreatedAt) < s.inFlightTTL {
			return Record{}, ErrInFlight
		}
	}
	rec.Status = StatusSending
	return s.insertLocked(rec, now), nil
}

func (s *MemoryStore) Skip(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Status = StatusSkipped
	return s.insertLocked(rec, s.now().UTC()), nil
}

func (s *MemoryStore) insertLocked(rec Record, now time.Time) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return rec
}

func (s *MemoryStore) Complete(ctx context.Context, id string, out Outcome) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validateOutcome(out); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec := s.records[idx]
	if rec.Status != StatusSending {
		return Record{}, ErrInvalidTransition
	}
	if out.Status == StatusSent {
		for _, r := range s.records {
			if r.TargetID == rec.TargetID && r.Status == StatusSent {
				return Record{}, ErrAlreadySent
			}
		}
	}

	at := out.At
	if at.IsZero() {
		at = s.now()
	}
	rec.Status = out.Status
	switch out.Status {
	case StatusSent:
		sentAt := at.UTC()
		rec.SentAt = &sentAt
		rec.ProviderMessageID = strPtr(out.ProviderMessageID)
	case StatusFailed:
		rec.ErrorDetail = strPtr(out.ErrorDetail)
	}
	s.records[idx] = rec
	return rec, nil
}

func (s *MemoryStore) Latest(ctx context.Context, targetID string) (Record, bool, error) {
	recs, err := s.ListByTarget(ctx, targetID, 1)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

func (s *MemoryStore) ListByTarget(ctx context.Context, targetID string, limit int) ([]Record, error) {
	return s.list(ctx, func(r Record) bool { return r.TargetID == targetID }, clampLimit(limit), 0)
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]Record, error) {
	return s.list(ctx, func(r Record) bool { return r.Status == status }, clampLimit(limit), offset)
}

// list returns matches newest first. Insertion order breaks CreatedAt ties.
func (s *MemoryStore) list(ctx context.Context, match func(Record) bool, limit, offset int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type indexed struct {
		rec Record
		idx int
	}
	var matched []indexed
	for i, r := range s.records {
		if match(r) {
			matched = append(matched, indexed{rec: r, idx: i})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].rec.CreatedAt.Equal(matched[j].rec.CreatedAt) {
			return matched[i].rec.CreatedAt.After(matched[j].rec.CreatedAt)
		}
		return matched[i].idx > matched[j].idx
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []Record{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Record, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.rec)
	}
	return out, nil
}
