// Package detect classifies polled events against the ledger.
package detect

import (
	"context"
	"fmt"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/ledger"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

type Class int

const (
	ClassIgnored Class = iota
	ClassAlreadyNotified
	ClassNew
	ClassStatusChanged
)

func (c Class) String() string {
	switch c {
	case ClassIgnored:
		return "ignored"
	case ClassAlreadyNotified:
		return "already_notified"
	case ClassNew:
		return "new"
	case ClassStatusChanged:
		return "status_changed"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Decision is the classification of one event.
type Decision struct {
	Event event.Event
	Class Class

	// Previous is the entity's last known record before this sighting.
	// Set only for ClassStatusChanged.
	Previous ledger.Record

	// Inserted reports whether this sighting created the ledger record.
	Inserted bool
}

// Actionable reports whether the event must go to the dispatcher.
func (d Decision) Actionable() bool { return d.Class == ClassNew || d.Class == ClassStatusChanged }

// Ledger is the subset of ledger.Store the detector reads and writes.
type Ledger interface {
	HasBeenNotified(ctx context.Context, k event.Key) (bool, error)
	LastKnownStatus(ctx context.Context, entityID string) (ledger.Record, bool, error)
	RecordDetection(ctx context.Context, k event.Key, statusName string) (bool, error)
}

type Detector struct {
	store Ledger
	log   logx.Logger
}

func New(store Ledger, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{store: store, log: log.With(logx.String("comp", "detect"))}
}

// Classify decides what to do with one event. Actionable events are recorded
// in the ledger before Classify returns, so the sighting survives a crash
// that happens before the notification attempt.
//
// A ledger error leaves the event unclassified; callers treat it as local to
// this event.
func (d *Detector) Classify(ctx context.Context, ev event.Event, active event.StatusSet) (Decision, error) {
	dec := Decision{Event: ev, Class: ClassIgnored}
	if !active.Contains(ev.StatusCode) {
		return dec, nil
	}

	k := ev.Key()
	notified, err := d.store.HasBeenNotified(ctx, k)
	if err != nil {
		return dec, fmt.Errorf("has been notified %s: %w", k, err)
	}
	if notified {
		dec.Class = ClassAlreadyNotified
		return dec, nil
	}

	prev, found, err := d.store.LastKnownStatus(ctx, ev.EntityID)
	if err != nil {
		return dec, fmt.Errorf("last known status %s: %w", ev.EntityID, err)
	}
	if found {
		dec.Class = ClassStatusChanged
		dec.Previous = prev
	} else {
		dec.Class = ClassNew
	}

	inserted, err := d.store.RecordDetection(ctx, k, ev.StatusName)
	if err != nil {
		return Decision{Event: ev, Class: ClassIgnored}, fmt.Errorf("record detection %s: %w", k, err)
	}
	dec.Inserted = inserted

	if d.log.Enabled(logx.LevelDebug) {
		fields := []logx.Field{
			logx.String("entity_id", ev.EntityID),
			logx.Int("status_code", ev.StatusCode),
			logx.String("class", dec.Class.String()),
			logx.Bool("inserted", inserted),
		}
		if found {
			fields = append(fields, logx.Int("previous_code", prev.Key.StatusCode))
		}
		d.log.Debug("event classified", fields...)
	}
	return dec, nil
}
