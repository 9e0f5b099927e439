package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

// Store is the durable record of status pairs plus the message log.
//
// Every method is safe for concurrent use; a scheduled cycle and a manual
// trigger may touch the store at the same time.
type Store interface {
	// HasBeenNotified reports whether the pair has a terminal outcome.
	// A missing record is not an error.
	HasBeenNotified(ctx context.Context, k event.Key) (bool, error)

	// RecordDetection inserts the pair if absent. It reports whether an insert happened.
	RecordDetection(ctx context.Context, k event.Key, statusName string) (bool, error)

	// LastKnownStatus returns the most recently detected record of the entity
	// across all of its status codes.
	LastKnownStatus(ctx context.Context, entityID string) (Record, bool, error)

	// MarkNotified sets notified_at and outcome once. It reports false when the
	// record is missing or already terminal.
	MarkNotified(ctx context.Context, k event.Key, outcome Outcome) (bool, error)

	// Get returns the record for the pair or ErrNotFound.
	Get(ctx context.Context, k event.Key) (Record, error)

	// Pending lists records never marked notified and detected before the cutoff,
	// oldest first.
	Pending(ctx context.Context, detectedBefore time.Time) ([]Record, error)

	AppendMessage(ctx context.Context, m MessageEntry) error
	// RecentMessages returns up to limit entries, newest first.
	RecentMessages(ctx context.Context, limit int) ([]MessageEntry, error)

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "ledger"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory", "mem":
		return NewMemory(cfg), nil
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
