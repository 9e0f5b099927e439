package ledger

import (
	"errors"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
)

var (
	ErrNotFound = errors.New("ledger record not found")
	ErrClosed   = errors.New("ledger closed")
)

// Outcome is the terminal state of a notification attempt.
type Outcome string

const (
	OutcomeUnset  Outcome = ""
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

func (o Outcome) Terminal() bool { return o == OutcomeSent || o == OutcomeFailed }

// Record is the durable state of one status pair.
//
// DetectedAt is set once on insert. NotifiedAt and Outcome are set at most once;
// a record with a non-zero NotifiedAt is terminal.
type Record struct {
	Key        event.Key
	StatusName string
	DetectedAt time.Time
	NotifiedAt time.Time
	Outcome    Outcome
}

func (r Record) Notified() bool { return !r.NotifiedAt.IsZero() }

// MessageOutcome classifies a message log entry. It is wider than Outcome
// because pre-send failures are logged too.
type MessageOutcome string

const (
	MessageSent        MessageOutcome = "sent"
	MessageFailed      MessageOutcome = "failed"
	MessageNoPhone     MessageOutcome = "no_phone"
	MessageFormatError MessageOutcome = "format_error"
	MessageNoVehicle   MessageOutcome = "no_vehicle"
	// MessageAborted means the gateway was never called: it is not
	// configured or the wait for a send slot was cancelled.
	MessageAborted     MessageOutcome = "aborted"
)

// MessageEntry is one row of the message log.
type MessageEntry struct {
	At            time.Time      `json:"at"`
	CycleID       string         `json:"cycle_id,omitempty"`
	EntityID      string         `json:"entity_id"`
	StatusCode    int            `json:"status_code"`
	StatusName    string         `json:"status_name,omitempty"`
	Phone         string         `json:"phone,omitempty"`
	Message       string         `json:"message,omitempty"`
	Outcome       MessageOutcome `json:"outcome"`
	Error         string         `json:"error,omitempty"`
	AssociateName string         `json:"associate_name,omitempty"`
	Plate         string         `json:"plate,omitempty"`
}

// Config configures the ledger.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": remote PostgreSQL reachable through DSN
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "memory": process-local, not durable
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// MessageRetention keeps the newest N message log rows; <= 0 keeps everything.
	MessageRetention int

	// Now overrides the clock used for detected_at/notified_at.
	Now func() time.Time
}

const DefaultMessageRetention = 1000

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}
