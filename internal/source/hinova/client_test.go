package hinova

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

type fakeSGA struct {
	t            *testing.T
	authCalls    atomic.Int32
	listCalls    atomic.Int32
	listAttempts atomic.Int32
	rejectNext   atomic.Bool // next authed call answers 401
	token        atomic.Int32
	listBody     string
	lastList     map[string]string

	// listShape is the header shape /listar/evento accepts: "" (user bearer),
	// "token" or "token_usuario".
	listShape string
}

func (f *fakeSGA) currentToken() string {
	return "user-" + string(rune('0'+f.token.Load()))
}

func (f *fakeSGA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/usuario/autenticar":
		f.authCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer acct" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["usuario"] != "u" || body["senha"] != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"mensagem":"invalid"}`)
			return
		}
		f.token.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token_usuario": f.currentToken()})
	case !f.authorized(r) || f.rejectNext.Swap(false):
		w.WriteHeader(http.StatusUnauthorized)
	case r.URL.Path == "/listar/evento":
		f.listCalls.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&f.lastList)
		_, _ = io.WriteString(w, f.listBody)
	case r.URL.Path == "/veiculo/buscar/77/codigo":
		_, _ = io.WriteString(w, `{"placa":"ABC1D23","associado":{"nome":"Maria","celular":"(11) 98888-7777","telefone":""}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// authorized checks the header shape each endpoint expects. Vehicle lookups
// take the account bearer plus a token header.
func (f *fakeSGA) authorized(r *http.Request) bool {
	user := f.currentToken()
	auth := r.Header.Get("Authorization")
	shape := f.listShape
	if r.URL.Path == "/listar/evento" {
		f.listAttempts.Add(1)
	} else {
		shape = "token"
	}
	switch shape {
	case "token":
		return auth == "Bearer acct" && r.Header.Get("token") == user
	case "token_usuario":
		return auth == "Bearer acct" && r.Header.Get("token_usuario") == user
	default:
		return auth == "Bearer "+user
	}
}

func newTestClient(t *testing.T, f *fakeSGA, now func() time.Time) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:  srv.URL,
		Token:    "acct",
		User:     "u",
		Password: "p",
		Location: time.UTC,
		Now:      now,
	}, logx.Nop())
}

func TestAuthenticate_CachesUntilExpiry(t *testing.T) {
	f := &fakeSGA{t: t}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, f, func() time.Time { return now })
	ctx := context.Background()

	if err := c.Authenticate(ctx, false); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := c.Authenticate(ctx, false); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got := f.authCalls.Load(); got != 1 {
		t.Fatalf("auth calls = %d, want 1", got)
	}
	if err := c.Authenticate(ctx, true); err != nil {
		t.Fatalf("forced Authenticate: %v", err)
	}
	if got := f.authCalls.Load(); got != 2 {
		t.Fatalf("auth calls after force = %d, want 2", got)
	}

	now = now.Add(61 * time.Minute)
	if err := c.Authenticate(ctx, false); err != nil {
		t.Fatalf("Authenticate after expiry: %v", err)
	}
	if got := f.authCalls.Load(); got != 3 {
		t.Fatalf("auth calls after expiry = %d, want 3", got)
	}
}

func TestAuthenticate_RejectedCredentials(t *testing.T) {
	f := &fakeSGA{t: t}
	c := newTestClient(t, f, nil)
	c.cfg.Password = "wrong"

	err := c.Authenticate(context.Background(), false)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestListEvents_ParsesAndSendsDates(t *testing.T) {
	f := &fakeSGA{t: t, listBody: `{"eventos":[
		{"protocolo":"P100","situacao":{"codigo":5,"nome":"Em análise"},"motivo":{"nome":"Colisão"},"veiculo":{"codigo":77},"data_evento":"01/03/2025"},
		{"protocolo":12345,"situacao_codigo":"9","situacao_nome":"Finalizado"},
		{"situacao":{"codigo":5}},
		{"protocolo":"P200","situacao":{"nome":"sem código"}}
	]}`}
	c := newTestClient(t, f, nil)

	from := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	batch, err := c.ListEvents(context.Background(), from, to)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if f.lastList["data_cadastro"] != "03/03/2025" || f.lastList["data_cadastro_final"] != "10/03/2025" {
		t.Fatalf("payload = %v", f.lastList)
	}
	if len(batch.Events) != 2 || len(batch.Rejected) != 2 {
		t.Fatalf("events=%d rejected=%d", len(batch.Events), len(batch.Rejected))
	}
	ev := batch.Events[0]
	if ev.EntityID != "P100" || ev.StatusCode != 5 || ev.StatusName != "Em análise" ||
		ev.Reason != "Colisão" || ev.VehicleRef != "77" || ev.OccurredAt != "01/03/2025" {
		t.Fatalf("event[0] = %+v", ev)
	}
	if ev := batch.Events[1]; ev.EntityID != "12345" || ev.StatusCode != 9 || ev.StatusName != "Finalizado" {
		t.Fatalf("event[1] = %+v", ev)
	}
	var pe *ParseError
	if !errors.As(batch.Rejected[1], &pe) || pe.EntityID != "P200" {
		t.Fatalf("rejected[1] = %v", batch.Rejected[1])
	}
}

func TestListEvents_RefreshesTokenOnceOn401(t *testing.T) {
	f := &fakeSGA{t: t, listBody: `[]`}
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	if err := c.Authenticate(ctx, false); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	f.rejectNext.Store(true)
	batch, err := c.ListEvents(ctx, time.Now(), time.Now())
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(batch.Events) != 0 {
		t.Fatalf("events = %d", len(batch.Events))
	}
	if got := f.authCalls.Load(); got != 2 {
		t.Fatalf("auth calls = %d, want 2", got)
	}
	if got := f.listCalls.Load(); got != 1 {
		t.Fatalf("list calls = %d, want 1", got)
	}
}

func TestListEvents_FallsBackAcrossHeaderShapes(t *testing.T) {
	cases := []struct {
		shape        string
		firstTries   int32
		rememberedAs authShape
	}{
		{shape: "", firstTries: 1, rememberedAs: shapeUserBearer},
		{shape: "token", firstTries: 2, rememberedAs: shapeTokenHeader},
		{shape: "token_usuario", firstTries: 3, rememberedAs: shapeTokenUsuario},
	}
	for _, tc := range cases {
		t.Run(tc.rememberedAs.String(), func(t *testing.T) {
			f := &fakeSGA{t: t, listBody: `[]`, listShape: tc.shape}
			c := newTestClient(t, f, nil)
			ctx := context.Background()

			if _, err := c.ListEvents(ctx, time.Now(), time.Now()); err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if got := f.listAttempts.Load(); got != tc.firstTries {
				t.Fatalf("first listing attempts = %d, want %d", got, tc.firstTries)
			}
			if c.listShape != tc.rememberedAs {
				t.Fatalf("remembered shape = %v", c.listShape)
			}

			if _, err := c.ListEvents(ctx, time.Now(), time.Now()); err != nil {
				t.Fatalf("second ListEvents: %v", err)
			}
			if got := f.listAttempts.Load(); got != tc.firstTries+1 {
				t.Fatalf("second listing took %d attempts", got-tc.firstTries)
			}
			if got := f.authCalls.Load(); got != 1 {
				t.Fatalf("auth calls = %d, want 1", got)
			}
		})
	}
}

func TestListEvents_AllShapesRejectedIsAuthError(t *testing.T) {
	var auths, lists atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/usuario/autenticar" {
			auths.Add(1)
			_, _ = io.WriteString(w, `{"token_usuario":"u1"}`)
			return
		}
		lists.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, Token: "acct"}, logx.Nop())

	_, err := c.ListEvents(context.Background(), time.Now(), time.Now())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if lists.Load() != 6 || auths.Load() != 2 {
		t.Fatalf("listing attempts = %d auth calls = %d, want 6 and 2", lists.Load(), auths.Load())
	}
}

func TestListEvents_ServerErrorIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/usuario/autenticar" {
			_, _ = io.WriteString(w, `{"token":"t"}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, Token: "acct"}, logx.Nop())

	_, err := c.ListEvents(context.Background(), time.Now(), time.Now())
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("err = %v, want ErrFetch", err)
	}
}

func TestFetchVehicle(t *testing.T) {
	f := &fakeSGA{t: t}
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	v, err := c.FetchVehicle(ctx, "77")
	if err != nil {
		t.Fatalf("FetchVehicle: %v", err)
	}
	if v.Plate != "ABC1D23" || v.Associate.Name != "Maria" || v.Associate.Mobile != "(11) 98888-7777" || v.Ref != "77" {
		t.Fatalf("vehicle = %+v", v)
	}

	if _, err := c.FetchVehicle(ctx, "404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing vehicle err = %v", err)
	}
}

func TestDecodeEventList_Shapes(t *testing.T) {
	cases := map[string]int{
		`[{"a":1},{"b":2}]`:     2,
		`{"data":[{"a":1}]}`:    1,
		`{"eventos":null}`:      0,
		`{"mensagem":"vazio"}`:  0,
		``:                      0,
	}
	for body, want := range cases {
		items, err := decodeEventList([]byte(body))
		if err != nil {
			t.Fatalf("decodeEventList(%q): %v", body, err)
		}
		if len(items) != want {
			t.Fatalf("decodeEventList(%q) = %d items, want %d", body, len(items), want)
		}
	}
	if _, err := decodeEventList([]byte(`"oops"`)); err == nil {
		t.Fatalf("expected error for scalar payload")
	}
}
