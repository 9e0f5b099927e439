package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

// fileStore is a dependency-free ledger backend.
//
// Files:
//   - <prefix>.ledger.snapshot.json (periodic snapshot)
//   - <prefix>.ledger.journal.jsonl (append-only journal)
//   - <prefix>.messages.jsonl       (message log, rewritten when it outgrows retention)
//
// Every journal append is fsynced before the call returns. The journal is
// periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex
	t  *table

	snapshotPath string
	journal      *os.File
	journalOps   int

	messagesPath string
	messages     *os.File
	messageOps   int
}

const compactEvery = 1000

type journalOp struct {
	Op       string  `json:"op"` // detect | notify
	Entity   string  `json:"entity"`
	Code     int     `json:"code"`
	Name     string  `json:"name,omitempty"`
	Outcome  Outcome `json:"outcome,omitempty"`
	AtMillis int64   `json:"at"`
}

type snapshotRecord struct {
	Entity   string  `json:"entity"`
	Code     int     `json:"code"`
	Name     string  `json:"name,omitempty"`
	Detected int64   `json:"detected"`
	Notified int64   `json:"notified,omitempty"`
	Outcome  Outcome `json:"outcome,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		now:          cfg.clock(),
		t:            newTable(cfg.MessageRetention),
		snapshotPath: prefix + ".ledger.snapshot.json",
		messagesPath: prefix + ".messages.jsonl",
	}
	journalPath := prefix + ".ledger.journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s.t); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, s.t); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := loadMessages(s.messagesPath, s.t); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	for _, p := range []string{journalPath, s.messagesPath} {
		if err := trimTornTail(p); err != nil {
			return nil, err
		}
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	mf, err := os.OpenFile(s.messagesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.messages = mf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journal != nil {
		err1 = s.journal.Close()
		s.journal = nil
	}
	if s.messages != nil {
		err2 = s.messages.Close()
		s.messages = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) HasBeenNotified(ctx context.Context, k event.Key) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	r, ok := s.t.rows[k]
	return ok && r.Notified(), nil
}

func (s *fileStore) RecordDetection(ctx context.Context, k event.Key, statusName string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if _, ok := s.t.rows[k]; ok {
		return false, nil
	}
	at := s.now()
	op := journalOp{Op: "detect", Entity: k.EntityID, Code: k.StatusCode, Name: statusName, AtMillis: at.UnixMilli()}
	if err := s.appendLocked(op); err != nil {
		return false, err
	}
	s.t.insert(k, statusName, time.UnixMilli(op.AtMillis))
	return true, nil
}

func (s *fileStore) LastKnownStatus(ctx context.Context, entityID string) (Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Record{}, false, ErrClosed
	}
	r, ok := s.t.last(entityID)
	return r, ok, nil
}

func (s *fileStore) MarkNotified(ctx context.Context, k event.Key, outcome Outcome) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	r, ok := s.t.rows[k]
	if !ok || r.Notified() {
		return false, nil
	}
	at := s.now()
	op := journalOp{Op: "notify", Entity: k.EntityID, Code: k.StatusCode, Outcome: outcome, AtMillis: at.UnixMilli()}
	if err := s.appendLocked(op); err != nil {
		return false, err
	}
	return s.t.mark(k, outcome, time.UnixMilli(op.AtMillis)), nil
}

func (s *fileStore) Get(ctx context.Context, k event.Key) (Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Record{}, ErrClosed
	}
	r, ok := s.t.rows[k]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Record, nil
}

func (s *fileStore) Pending(ctx context.Context, detectedBefore time.Time) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.t.pending(detectedBefore), nil
}

func (s *fileStore) AppendMessage(ctx context.Context, m MessageEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		return ErrClosed
	}
	if m.At.IsZero() {
		m.At = s.now()
	}
	if err := json.NewEncoder(s.messages).Encode(m); err != nil {
		return err
	}
	s.t.appendMessage(m)
	s.messageOps++
	if s.t.retention > 0 && s.messageOps >= s.t.retention {
		if err := s.rewriteMessagesLocked(); err != nil {
			s.log.Debug("message log rewrite failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentMessages(ctx context.Context, limit int) ([]MessageEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		return nil, ErrClosed
	}
	return s.t.recent(limit), nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.journalOps++
	if s.journalOps%compactEvery == 0 {
		// Best-effort compact; the journal stays authoritative on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	recs := s.t.all()
	snap := make([]snapshotRecord, 0, len(recs))
	for _, r := range recs {
		sr := snapshotRecord{
			Entity:   r.Key.EntityID,
			Code:     r.Key.StatusCode,
			Name:     r.StatusName,
			Detected: r.DetectedAt.UnixMilli(),
			Outcome:  r.Outcome,
		}
		if r.Notified() {
			sr.Notified = r.NotifiedAt.UnixMilli()
		}
		snap = append(snap, sr)
	}
	if err := writeFileAtomic(s.snapshotPath, func(f *os.File) error {
		return json.NewEncoder(f).Encode(snap)
	}); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) rewriteMessagesLocked() error {
	keep := s.t.msgs
	if err := writeFileAtomic(s.messagesPath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		for _, m := range keep {
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	// The old handle points at the replaced inode.
	_ = s.messages.Close()
	mf, err := os.OpenFile(s.messagesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.messages = nil
		return err
	}
	s.messages = mf
	s.messageOps = 0
	return nil
}

func writeFileAtomic(path string, write func(f *os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, t *table) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap []snapshotRecord
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, sr := range snap {
		k := event.Key{EntityID: sr.Entity, StatusCode: sr.Code}
		t.insert(k, sr.Name, time.UnixMilli(sr.Detected))
		if sr.Notified != 0 {
			t.mark(k, sr.Outcome, time.UnixMilli(sr.Notified))
		}
	}
	return nil
}

func replayJournal(path string, t *table) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		// A torn trailing line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Entity == "" {
			continue
		}
		k := event.Key{EntityID: op.Entity, StatusCode: op.Code}
		switch op.Op {
		case "detect":
			t.insert(k, op.Name, time.UnixMilli(op.AtMillis))
		case "notify":
			t.mark(k, op.Outcome, time.UnixMilli(op.AtMillis))
		}
	}
	return sc.Err()
}

// trimTornTail cuts a partial last line left by a crash, so the next append
// starts on its own line.
func trimTornTail(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(b) == 0 || b[len(b)-1] == '\n' {
		return nil
	}
	return os.Truncate(path, int64(bytes.LastIndexByte(b, '\n')+1))
}

func loadMessages(path string, t *table) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var m MessageEntry
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			continue
		}
		t.appendMessage(m)
	}
	return sc.Err()
}
