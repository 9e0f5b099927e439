package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

type postgresStore struct {
	pool      *pgxpool.Pool
	log       logx.Logger
	now       func() time.Time
	retention int
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &postgresStore{pool: pool, log: log, now: cfg.clock(), retention: cfg.MessageRetention}
	b, err := schemaFS.ReadFile("schema/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("ledger opened", logx.String("host", pcfg.ConnConfig.Host))
	return st, nil
}

func (s *postgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) HasBeenNotified(ctx context.Context, k event.Key) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger WHERE entity_id = $1 AND status_code = $2 AND notified_at IS NOT NULL)`,
		k.EntityID, k.StatusCode,
	).Scan(&ok)
	return ok, err
}

func (s *postgresStore) RecordDetection(ctx context.Context, k event.Key, statusName string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ledger (entity_id, status_code, status_name, detected_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entity_id, status_code) DO NOTHING`,
		k.EntityID, k.StatusCode, statusName, s.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) LastKnownStatus(ctx context.Context, entityID string) (Record, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT entity_id, status_code, status_name, detected_at, notified_at, outcome
		   FROM ledger
		  WHERE entity_id = $1
		  ORDER BY detected_at DESC, id DESC
		  LIMIT 1`, entityID)
	r, err := scanPGRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *postgresStore) MarkNotified(ctx context.Context, k event.Key, outcome Outcome) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger SET notified_at = $1, outcome = $2
		  WHERE entity_id = $3 AND status_code = $4 AND notified_at IS NULL`,
		s.now().UTC(), string(outcome), k.EntityID, k.StatusCode,
	)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) Get(ctx context.Context, k event.Key) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT entity_id, status_code, status_name, detected_at, notified_at, outcome
		   FROM ledger WHERE entity_id = $1 AND status_code = $2`,
		k.EntityID, k.StatusCode)
	r, err := scanPGRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *postgresStore) Pending(ctx context.Context, detectedBefore time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, status_code, status_name, detected_at, notified_at, outcome
		   FROM ledger
		  WHERE notified_at IS NULL AND detected_at < $1
		  ORDER BY detected_at ASC, id ASC`, detectedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) AppendMessage(ctx context.Context, m MessageEntry) error {
	if m.At.IsZero() {
		m.At = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (at, cycle_id, entity_id, status_code, status_name, phone, message, outcome, err, associate_name, plate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.At.UTC(), nullStr(m.CycleID), m.EntityID, m.StatusCode, nullStr(m.StatusName),
		nullStr(m.Phone), nullStr(m.Message), string(m.Outcome), nullStr(m.Error),
		nullStr(m.AssociateName), nullStr(m.Plate),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if s.retention > 0 {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM messages WHERE id < (SELECT COALESCE(MIN(id), 0) FROM (SELECT id FROM messages ORDER BY id DESC LIMIT $1) newest)`,
			s.retention,
		); err != nil {
			s.log.Debug("message retention failed", logx.Err(err))
		}
	}
	return nil
}

func (s *postgresStore) RecentMessages(ctx context.Context, limit int) ([]MessageEntry, error) {
	q := `SELECT at, cycle_id, entity_id, status_code, status_name, phone, message, outcome, err, associate_name, plate
	        FROM messages ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	var out []MessageEntry
	for rows.Next() {
		var m MessageEntry
		var outcome string
		var cycleID, statusName, phone, msg, errStr, name, plate *string
		if err := rows.Scan(&m.At, &cycleID, &m.EntityID, &m.StatusCode, &statusName, &phone, &msg,
			&outcome, &errStr, &name, &plate); err != nil {
			return nil, err
		}
		m.CycleID = deref(cycleID)
		m.StatusName = deref(statusName)
		m.Phone = deref(phone)
		m.Message = deref(msg)
		m.Outcome = MessageOutcome(outcome)
		m.Error = deref(errStr)
		m.AssociateName = deref(name)
		m.Plate = deref(plate)
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanPGRecord(row pgx.Row) (Record, error) {
	var (
		r        Record
		notified *time.Time
		outcome  *string
	)
	if err := row.Scan(&r.Key.EntityID, &r.Key.StatusCode, &r.StatusName, &r.DetectedAt, &notified, &outcome); err != nil {
		return Record{}, err
	}
	if notified != nil {
		r.NotifiedAt = *notified
	}
	r.Outcome = Outcome(deref(outcome))
	return r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
