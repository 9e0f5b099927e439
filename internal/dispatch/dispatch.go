// Package dispatch formats and sends one notification per actionable event
// and records the attempt in the ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/ledger"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

var (
	ErrNoPhoneNumber = errors.New("no usable phone number")
	ErrNoVehicle     = errors.New("vehicle record not available")
	ErrSendFailed    = errors.New("send failed")

	ErrGatewayNotConfigured = errors.New("messaging gateway not configured")
)

// Gateway delivers a text message to a digits-only phone number.
type Gateway interface {
	Send(ctx context.Context, phone, message string) error
}

// configurer is implemented by gateways that can tell, without a network
// call, that they are missing credentials.
type configurer interface {
	Configured() bool
}

// Ledger is the subset of ledger.Store the dispatcher writes.
type Ledger interface {
	MarkNotified(ctx context.Context, k event.Key, outcome ledger.Outcome) (bool, error)
	AppendMessage(ctx context.Context, m ledger.MessageEntry) error
}

type Options struct {
	// RatePerSec caps outbound sends; <= 0 disables the limit.
	RatePerSec float64
	Location   *time.Location
	Now        func() time.Time
}

// Request is one notification to dispatch. Templates must not change while
// a cycle is running; callers pass the cycle's snapshot.
type Request struct {
	CycleID   string
	Event     event.Event
	Vehicle   *event.Vehicle
	Templates map[string]string
}

type Result struct {
	Outcome ledger.MessageOutcome
	Phone   string
	Message string
	// Fallback reports that the default template was used.
	Fallback bool
	// Marked reports whether the ledger record was made terminal.
	Marked bool
	Err    error
}

type Dispatcher struct {
	gw    Gateway
	store Ledger
	log   logx.Logger

	mu      sync.RWMutex
	limiter *rate.Limiter
	loc     *time.Location
	now     func() time.Time
}

func New(gw Gateway, store Ledger, opts Options, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		gw:    gw,
		store: store,
		log:   log.With(logx.String("comp", "dispatch")),
		now:   opts.Now,
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.Apply(opts)
	return d
}

// Apply updates the rate limit and timezone between cycles.
func (d *Dispatcher) Apply(opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if opts.RatePerSec > 0 {
		burst := max(1, int(opts.RatePerSec))
		if d.limiter == nil {
			d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
		} else {
			d.limiter.SetLimit(rate.Limit(opts.RatePerSec))
			d.limiter.SetBurst(burst)
		}
	} else {
		d.limiter = nil
	}
	d.loc = opts.Location
	if d.loc == nil {
		d.loc = time.Local
	}
}

// Ready returns ErrGatewayNotConfigured when the gateway cannot send at all.
func (d *Dispatcher) Ready() error {
	if c, ok := d.gw.(configurer); ok && !c.Configured() {
		return ErrGatewayNotConfigured
	}
	return nil
}

// Dispatch sends one notification.
//
// Pre-send failures (no vehicle, no phone, bad template, gateway not
// configured, cancelled wait) leave the ledger record unmarked. Once the gateway has been called the record is marked
// sent or failed, so the pair is never attempted again.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	ev := req.Event
	log := d.log.With(
		logx.String("entity_id", ev.EntityID),
		logx.Int("status_code", ev.StatusCode),
	)
	if req.CycleID != "" {
		log = log.With(logx.String("cycle_id", req.CycleID))
	}

	entry := ledger.MessageEntry{
		CycleID:    req.CycleID,
		EntityID:   ev.EntityID,
		StatusCode: ev.StatusCode,
		StatusName: ev.StatusName,
	}

	var res Result
	defer func() {
		entry.At = d.now()
		entry.Outcome = res.Outcome
		entry.Phone = res.Phone
		entry.Message = res.Message
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		if err := d.store.AppendMessage(context.WithoutCancel(ctx), entry); err != nil {
			log.Warn("message log append failed", logx.Err(err))
		}
	}()

	if req.Vehicle == nil {
		res = Result{Outcome: ledger.MessageNoVehicle, Err: ErrNoVehicle}
		log.Warn("vehicle record missing; skipping notification")
		return res
	}
	entry.AssociateName = req.Vehicle.Associate.Name
	entry.Plate = req.Vehicle.Plate

	phone, err := ExtractPhone(req.Vehicle.Associate)
	if err != nil {
		res = Result{Outcome: ledger.MessageNoPhone, Err: err}
		log.Warn("no phone number for associate", logx.String("associate", req.Vehicle.Associate.Name))
		return res
	}
	res.Phone = phone

	tpl, fallback := SelectTemplate(req.Templates, ev.StatusCode)
	res.Fallback = fallback
	msg, err := Render(tpl, d.vars(ev, req.Vehicle))
	if err != nil {
		res.Outcome = ledger.MessageFormatError
		res.Err = err
		log.Error("template render failed", logx.Err(err), logx.Bool("fallback", fallback))
		return res
	}
	res.Message = msg

	if err := d.Ready(); err != nil {
		res.Outcome = ledger.MessageAborted
		res.Err = err
		log.Error("send skipped", logx.Err(err))
		return res
	}
	if lim := d.currentLimiter(); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			res.Outcome = ledger.MessageAborted
			res.Err = fmt.Errorf("rate limit wait: %w", err)
			log.Warn("send aborted before attempt", logx.Err(err))
			return res
		}
	}

	outcome := ledger.OutcomeSent
	if err := d.gw.Send(ctx, phone, msg); err != nil {
		outcome = ledger.OutcomeFailed
		res.Outcome = ledger.MessageFailed
		res.Err = fmt.Errorf("%w: %w", ErrSendFailed, err)
		log.Error("message send failed", logx.String("phone", phone), logx.Err(err))
	} else {
		res.Outcome = ledger.MessageSent
		log.Info("message sent", logx.String("phone", phone), logx.Bool("fallback", fallback))
	}

	// The attempt happened; the mark must land even if the cycle is being cancelled.
	marked, err := d.store.MarkNotified(context.WithoutCancel(ctx), ev.Key(), outcome)
	switch {
	case err != nil:
		log.Error("ledger mark failed", logx.String("outcome", string(outcome)), logx.Err(err))
	case !marked:
		log.Warn("ledger record missing or already terminal on mark", logx.String("outcome", string(outcome)))
	}
	res.Marked = marked
	return res
}

func (d *Dispatcher) currentLimiter() *rate.Limiter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limiter
}

func (d *Dispatcher) vars(ev event.Event, v *event.Vehicle) map[string]string {
	d.mu.RLock()
	loc := d.loc
	d.mu.RUnlock()

	date := strings.TrimSpace(ev.OccurredAt)
	if date == "" {
		date = d.now().In(loc).Format("02/01/2006")
	}
	return map[string]string{
		PhAssociateName: orDefault(v.Associate.Name, "Cliente"),
		PhProtocol:      orDefault(ev.EntityID, "N/A"),
		PhPlate:         orDefault(v.Plate, "N/A"),
		PhStatus:        orDefault(ev.StatusName, "N/A"),
		PhReason:        orDefault(ev.Reason, "N/A"),
		PhEventDate:     date,
	}
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
