package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	"github.com/michel210888/hinova-uppchannel-monitor/internal/ledger"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

type sent struct{ phone, msg string }

type fakeGateway struct {
	mu    sync.Mutex
	calls []sent
	err   error
}

func (g *fakeGateway) Send(_ context.Context, phone, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, sent{phone, message})
	return g.err
}

func fixedNow() time.Time { return time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC) }

func newDispatcher(gw Gateway, st Ledger) *Dispatcher {
	return New(gw, st, Options{Now: fixedNow, Location: time.UTC}, logx.Nop())
}

func detected(t *testing.T, st *ledger.MemoryStore, ev event.Event) {
	t.Helper()
	if _, err := st.RecordDetection(context.Background(), ev.Key(), ev.StatusName); err != nil {
		t.Fatalf("RecordDetection: %v", err)
	}
}

func vehicle(mobile, landline string) *event.Vehicle {
	return &event.Vehicle{
		Ref:       "V1",
		Plate:     "ABC1D23",
		Associate: event.Associate{Name: "Maria", Mobile: mobile, Landline: landline},
	}
}

func TestDispatch_SendsAndMarksSent(t *testing.T) {
	ctx := context.Background()
	st := ledger.NewMemory(ledger.Config{})
	gw := &fakeGateway{}
	d := newDispatcher(gw, st)

	ev := event.Event{EntityID: "P100", StatusCode: 5, StatusName: "Em análise", OccurredAt: "01/03/2025"}
	detected(t, st, ev)

	res := d.Dispatch(ctx, Request{CycleID: "c1", Event: ev, Vehicle: vehicle("(11) 99999-8888", "")})
	if res.Err != nil || res.Outcome != ledger.MessageSent || !res.Marked {
		t.Fatalf("result = %+v", res)
	}
	if len(gw.calls) != 1 || gw.calls[0].phone != "11999998888" {
		t.Fatalf("calls = %+v", gw.calls)
	}
	want := "Olá Maria!\n\n*Em análise*\n\nProtocolo: P100\nVeículo: ABC1D23\nData: 01/03/2025"
	if gw.calls[0].msg != want {
		t.Fatalf("message = %q", gw.calls[0].msg)
	}
	r, _ := st.Get(ctx, ev.Key())
	if r.Outcome != ledger.OutcomeSent {
		t.Fatalf("outcome = %q", r.Outcome)
	}
	msgs, _ := st.RecentMessages(ctx, 10)
	if len(msgs) != 1 || msgs[0].CycleID != "c1" || msgs[0].Plate != "ABC1D23" {
		t.Fatalf("message log = %+v", msgs)
	}
}

func TestDispatch_SendFailureIsMarkedFailed(t *testing.T) {
	ctx := context.Background()
	st := ledger.NewMemory(ledger.Config{})
	gw := &fakeGateway{err: errors.New("502 bad gateway")}
	d := newDispatcher(gw, st)

	ev := event.Event{EntityID: "P2", StatusCode: 5}
	detected(t, st, ev)

	res := d.Dispatch(ctx, Request{Event: ev, Vehicle: vehicle("11999998888", "")})
	if !errors.Is(res.Err, ErrSendFailed) || res.Outcome != ledger.MessageFailed || !res.Marked {
		t.Fatalf("result = %+v", res)
	}
	ok, _ := st.HasBeenNotified(ctx, ev.Key())
	if !ok {
		t.Fatalf("failed attempt must be terminal")
	}
}

func TestDispatch_NoPhoneLeavesRecordUnmarked(t *testing.T) {
	ctx := context.Background()
	st := ledger.NewMemory(ledger.Config{})
	gw := &fakeGateway{}
	d := newDispatcher(gw, st)

	ev := event.Event{EntityID: "P3", StatusCode: 5}
	detected(t, st, ev)

	res := d.Dispatch(ctx, Request{Event: ev, Vehicle: vehicle("123", "(11) 4567")})
	if !errors.Is(res.Err, ErrNoPhoneNumber) || res.Outcome != ledger.MessageNoPhone || res.Marked {
		t.Fatalf("result = %+v", res)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway called %d times", len(gw.calls))
	}
	r, _ := st.Get(ctx, ev.Key())
	if r.Notified() {
		t.Fatalf("record must stay unmarked: %+v", r)
	}
}

func TestDispatch_MissingVehicle(t *testing.T) {
	st := ledger.NewMemory(ledger.Config{})
	gw := &fakeGateway{}
	d := newDispatcher(gw, st)

	res := d.Dispatch(context.Background(), Request{Event: event.Event{EntityID: "P4", StatusCode: 5}})
	if !errors.Is(res.Err, ErrNoVehicle) || res.Outcome != ledger.MessageNoVehicle {
		t.Fatalf("result = %+v", res)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway called")
	}
}

func TestDispatch_FormatErrorLeavesRecordUnmarked(t *testing.T) {
	ctx := context.Background()
	st := ledger.NewMemory(ledger.Config{})
	gw := &fakeGateway{}
	d := newDispatcher(gw, st)

	ev := event.Event{EntityID: "P5", StatusCode: 7}
	detected(t, st, ev)

	res := d.Dispatch(ctx, Request{
		Event:     ev,
		Vehicle:   vehicle("11999998888", ""),
		Templates: map[string]string{"7": "Oi {cliente}"},
	})
	var fe *FormatError
	if !errors.As(res.Err, &fe) || fe.Placeholder != "cliente" {
		t.Fatalf("err = %v", res.Err)
	}
	if res.Marked || len(gw.calls) != 0 {
		t.Fatalf("result = %+v calls=%d", res, len(gw.calls))
	}
}

func TestDispatch_DefaultsAndFallbackTemplate(t *testing.T) {
	st := ledger.NewMemory(ledger.Config{})
	gw := &fakeGateway{}
	d := newDispatcher(gw, st)

	ev := event.Event{EntityID: "P6", StatusCode: 40, StatusName: "Aprovado"}
	detected(t, st, ev)

	v := &event.Vehicle{Associate: event.Associate{Landline: "11 3333-4444"}}
	res := d.Dispatch(context.Background(), Request{
		Event:     ev,
		Vehicle:   v,
		Templates: map[string]string{"5": "only five"},
	})
	if res.Err != nil || !res.Fallback {
		t.Fatalf("result = %+v", res)
	}
	msg := gw.calls[0].msg
	for _, want := range []string{"Olá Cliente!", "*Aprovado*", "Veículo: N/A", "Data: 10/03/2025"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	if strings.ContainsAny(msg, "{}") {
		t.Fatalf("unsubstituted placeholder in %q", msg)
	}
}

type unconfiguredGateway struct{ fakeGateway }

func (*unconfiguredGateway) Configured() bool { return false }

func TestDispatch_UnconfiguredGatewayLeavesRecordUnmarked(t *testing.T) {
	ctx := context.Background()
	st := ledger.NewMemory(ledger.Config{})
	gw := &unconfiguredGateway{}
	d := newDispatcher(gw, st)

	if !errors.Is(d.Ready(), ErrGatewayNotConfigured) {
		t.Fatalf("Ready = %v", d.Ready())
	}
	ev := event.Event{EntityID: "P100", StatusCode: 5}
	detected(t, st, ev)

	res := d.Dispatch(ctx, Request{Event: ev, Vehicle: vehicle("11999998888", "")})
	if !errors.Is(res.Err, ErrGatewayNotConfigured) || res.Outcome != ledger.MessageAborted || res.Marked {
		t.Fatalf("result = %+v", res)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway called %d times", len(gw.calls))
	}
	if ok, _ := st.HasBeenNotified(ctx, ev.Key()); ok {
		t.Fatalf("pair must stay retryable")
	}
}

func TestDispatch_CancelledRateWaitIsAborted(t *testing.T) {
	st := ledger.NewMemory(ledger.Config{})
	gw := &fakeGateway{}
	d := New(gw, st, Options{RatePerSec: 1, Now: fixedNow, Location: time.UTC}, logx.Nop())

	ev := event.Event{EntityID: "P7", StatusCode: 5}
	detected(t, st, ev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Dispatch(ctx, Request{Event: ev, Vehicle: vehicle("11999998888", "")})
	if res.Outcome != ledger.MessageAborted || res.Marked || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("result = %+v", res)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway called %d times", len(gw.calls))
	}
	msgs, _ := st.RecentMessages(context.Background(), 10)
	if len(msgs) != 1 || msgs[0].Outcome != ledger.MessageAborted {
		t.Fatalf("message log = %+v", msgs)
	}
}

func TestDispatch_MissingStatusAndReasonRenderAsNA(t *testing.T) {
	st := ledger.NewMemory(ledger.Config{})
	gw := &fakeGateway{}
	d := newDispatcher(gw, st)

	ev := event.Event{EntityID: "P8", StatusCode: 5}
	detected(t, st, ev)

	res := d.Dispatch(context.Background(), Request{
		Event:     ev,
		Vehicle:   vehicle("11999998888", ""),
		Templates: map[string]string{"5": "{situacao}|{motivo}"},
	})
	if res.Err != nil || gw.calls[0].msg != "N/A|N/A" {
		t.Fatalf("result = %+v calls = %+v", res, gw.calls)
	}
}

func TestExtractPhone(t *testing.T) {
	cases := []struct {
		name    string
		a       event.Associate
		want    string
		wantErr bool
	}{
		{name: "mobile", a: event.Associate{Mobile: "+55 (11) 98888-7777"}, want: "5511988887777"},
		{name: "mobile preferred", a: event.Associate{Mobile: "11988887777", Landline: "1133334444"}, want: "11988887777"},
		{name: "landline fallback", a: event.Associate{Mobile: "9888", Landline: "(11) 3333-4444"}, want: "1133334444"},
		{name: "none", a: event.Associate{}, wantErr: true},
		{name: "too short", a: event.Associate{Mobile: "123456789"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractPhone(tc.a)
			if tc.wantErr {
				if !errors.Is(err, ErrNoPhoneNumber) {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("ExtractPhone = %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	vars := map[string]string{"a": "1", "b": "dois"}
	cases := []struct {
		tpl     string
		want    string
		wantErr bool
	}{
		{tpl: "x{a}y{b}", want: "x1ydois"},
		{tpl: "{{a}} {a}", want: "{a} 1"},
		{tpl: "{ a }", wantErr: true},
		{tpl: "ação {b}", want: "ação dois"},
		{tpl: "{c}", wantErr: true},
		{tpl: "{}", wantErr: true},
		{tpl: "open {a", wantErr: true},
		{tpl: "close }", wantErr: true},
	}
	for _, tc := range cases {
		got, err := Render(tc.tpl, vars)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("Render(%q) expected error, got %q", tc.tpl, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("Render(%q) = %q, %v; want %q", tc.tpl, got, err, tc.want)
		}
	}
}

func TestSelectTemplateFallbackOrder(t *testing.T) {
	tests := []struct {
		name         string
		templates    map[string]string
		wantTpl      string
		wantFallback bool
	}{
		{name: "specific", templates: map[string]string{"5": "five", "default": "any"}, wantTpl: "five"},
		{name: "configured default", templates: map[string]string{"default": "any"}, wantTpl: "any", wantFallback: true},
		{name: "blank specific", templates: map[string]string{"5": "  "}, wantTpl: DefaultTemplate, wantFallback: true},
		{name: "none", templates: nil, wantTpl: DefaultTemplate, wantFallback: true},
	}
	for _, tt := range tests {
		tpl, fb := SelectTemplate(tt.templates, 5)
		if tpl != tt.wantTpl || fb != tt.wantFallback {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", tt.name, tpl, fb, tt.wantTpl, tt.wantFallback)
		}
	}
}

func TestCheckTemplate(t *testing.T) {
	if err := CheckTemplate(DefaultTemplate); err != nil {
		t.Fatalf("default template: %v", err)
	}
	var fe *FormatError
	if err := CheckTemplate("Olá {cliente}"); !errors.As(err, &fe) || fe.Placeholder != "cliente" {
		t.Fatalf("unknown placeholder err = %v", err)
	}
}
