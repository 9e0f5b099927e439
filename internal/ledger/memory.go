package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
)

// table is the in-memory state shared by the memory and file drivers.
// Callers hold the owning store's lock.
type table struct {
	seq      int64
	rows     map[event.Key]*row
	byEntity map[string][]*row

	msgs      []MessageEntry // oldest first
	retention int
}

type row struct {
	Record
	seq int64
}

func newTable(retention int) *table {
	return &table{
		rows:      map[event.Key]*row{},
		byEntity:  map[string][]*row{},
		retention: retention,
	}
}

func (t *table) insert(k event.Key, name string, at time.Time) bool {
	if _, ok := t.rows[k]; ok {
		return false
	}
	t.seq++
	r := &row{Record: Record{Key: k, StatusName: name, DetectedAt: at}, seq: t.seq}
	t.rows[k] = r
	t.byEntity[k.EntityID] = append(t.byEntity[k.EntityID], r)
	return true
}

func (t *table) mark(k event.Key, o Outcome, at time.Time) bool {
	r, ok := t.rows[k]
	if !ok || r.Notified() {
		return false
	}
	r.NotifiedAt = at
	r.Outcome = o
	return true
}

func (t *table) last(entityID string) (Record, bool) {
	var best *row
	for _, r := range t.byEntity[entityID] {
		if best == nil || r.DetectedAt.After(best.DetectedAt) ||
			(r.DetectedAt.Equal(best.DetectedAt) && r.seq > best.seq) {
			best = r
		}
	}
	if best == nil {
		return Record{}, false
	}
	return best.Record, true
}

func (t *table) pending(before time.Time) []Record {
	var rs []*row
	for _, r := range t.rows {
		if !r.Notified() && r.DetectedAt.Before(before) {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].seq < rs[j].seq })
	out := make([]Record, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Record)
	}
	return out
}

func (t *table) all() []Record {
	rs := make([]*row, 0, len(t.rows))
	for _, r := range t.rows {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].seq < rs[j].seq })
	out := make([]Record, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Record)
	}
	return out
}

func (t *table) appendMessage(m MessageEntry) {
	t.msgs = append(t.msgs, m)
	if t.retention > 0 && len(t.msgs) > t.retention {
		drop := len(t.msgs) - t.retention
		t.msgs = append([]MessageEntry(nil), t.msgs[drop:]...)
	}
}

func (t *table) recent(limit int) []MessageEntry {
	n := len(t.msgs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]MessageEntry, 0, n)
	for i := len(t.msgs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, t.msgs[i])
	}
	return out
}

// MemoryStore keeps the ledger in process memory. It is not durable.
type MemoryStore struct {
	mu     sync.Mutex
	t      *table
	now    func() time.Time
	closed bool
}

func NewMemory(cfg Config) *MemoryStore {
	return &MemoryStore{t: newTable(cfg.MessageRetention), now: cfg.clock()}
}

func (s *MemoryStore) HasBeenNotified(ctx context.Context, k event.Key) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	r, ok := s.t.rows[k]
	return ok && r.Notified(), nil
}

func (s *MemoryStore) RecordDetection(ctx context.Context, k event.Key, statusName string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.t.insert(k, statusName, s.now()), nil
}

func (s *MemoryStore) LastKnownStatus(ctx context.Context, entityID string) (Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	r, ok := s.t.last(entityID)
	return r, ok, nil
}

func (s *MemoryStore) MarkNotified(ctx context.Context, k event.Key, outcome Outcome) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.t.mark(k, outcome, s.now()), nil
}

func (s *MemoryStore) Get(ctx context.Context, k event.Key) (Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	r, ok := s.t.rows[k]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Record, nil
}

func (s *MemoryStore) Pending(ctx context.Context, detectedBefore time.Time) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.t.pending(detectedBefore), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m MessageEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if m.At.IsZero() {
		m.At = s.now()
	}
	s.t.appendMessage(m)
	return nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, limit int) ([]MessageEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.t.recent(limit), nil
}

// Records returns every record in insertion order.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.all()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
