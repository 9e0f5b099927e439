package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Timestamps are stored as unix milliseconds so ordering is numeric.
type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	now       func() time.Time
	retention int
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes every ledger operation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: cfg.clock(), retention: cfg.MessageRetention}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("ledger opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) HasBeenNotified(ctx context.Context, k event.Key) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger WHERE entity_id = ? AND status_code = ? AND notified_at IS NOT NULL`,
		k.EntityID, k.StatusCode,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) RecordDetection(ctx context.Context, k event.Key, statusName string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(entity_id, status_code, status_name, detected_at) VALUES(?,?,?,?)
		 ON CONFLICT(entity_id, status_code) DO NOTHING`,
		k.EntityID, k.StatusCode, statusName, s.now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) LastKnownStatus(ctx context.Context, entityID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, status_code, status_name, detected_at, notified_at, outcome
		   FROM ledger
		  WHERE entity_id = ?
		  ORDER BY detected_at DESC, id DESC
		  LIMIT 1`, entityID)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) MarkNotified(ctx context.Context, k event.Key, outcome Outcome) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger SET notified_at = ?, outcome = ?
		  WHERE entity_id = ? AND status_code = ? AND notified_at IS NULL`,
		s.now().UnixMilli(), string(outcome), k.EntityID, k.StatusCode,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Get(ctx context.Context, k event.Key) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, status_code, status_name, detected_at, notified_at, outcome
		   FROM ledger WHERE entity_id = ? AND status_code = ?`,
		k.EntityID, k.StatusCode)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) Pending(ctx context.Context, detectedBefore time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, status_code, status_name, detected_at, notified_at, outcome
		   FROM ledger
		  WHERE notified_at IS NULL AND detected_at < ?
		  ORDER BY detected_at ASC, id ASC`, detectedBefore.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendMessage(ctx context.Context, m MessageEntry) error {
	if m.At.IsZero() {
		m.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(at, cycle_id, entity_id, status_code, status_name, phone, message, outcome, err, associate_name, plate)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		m.At.UnixMilli(), nullStr(m.CycleID), m.EntityID, m.StatusCode, nullStr(m.StatusName),
		nullStr(m.Phone), nullStr(m.Message), string(m.Outcome), nullStr(m.Error),
		nullStr(m.AssociateName), nullStr(m.Plate),
	)
	if err != nil {
		return err
	}
	if s.retention > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE id NOT IN (SELECT id FROM messages ORDER BY id DESC LIMIT ?)`,
			s.retention,
		); err != nil {
			s.log.Debug("message retention failed", logx.Err(err))
		}
	}
	return nil
}

func (s *sqliteStore) RecentMessages(ctx context.Context, limit int) ([]MessageEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, cycle_id, entity_id, status_code, status_name, phone, message, outcome, err, associate_name, plate
		   FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageEntry
	for rows.Next() {
		var m MessageEntry
		var at int64
		var outcome string
		var cycleID, statusName, phone, msg, errStr, name, plate sql.NullString
		if err := rows.Scan(&at, &cycleID, &m.EntityID, &m.StatusCode, &statusName, &phone, &msg,
			&outcome, &errStr, &name, &plate); err != nil {
			return nil, err
		}
		m.At = time.UnixMilli(at)
		m.CycleID = cycleID.String
		m.StatusName = statusName.String
		m.Phone = phone.String
		m.Message = msg.String
		m.Outcome = MessageOutcome(outcome)
		m.Error = errStr.String
		m.AssociateName = name.String
		m.Plate = plate.String
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(sc rowScanner) (Record, error) {
	var (
		r        Record
		detected int64
		notified sql.NullInt64
		outcome  sql.NullString
	)
	if err := sc.Scan(&r.Key.EntityID, &r.Key.StatusCode, &r.StatusName, &detected, &notified, &outcome); err != nil {
		return Record{}, err
	}
	r.DetectedAt = time.UnixMilli(detected)
	if notified.Valid {
		r.NotifiedAt = time.UnixMilli(notified.Int64)
	}
	r.Outcome = Outcome(outcome.String)
	return r, nil
}
