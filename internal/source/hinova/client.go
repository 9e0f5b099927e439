// Package hinova is the event source client for the Hinova SGA API.
package hinova

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

const DefaultBaseURL = "https://api.hinova.com.br/api/sga/v2"

// DateLayout is the provider's date format for listing filters.
const DateLayout = "02/01/2006"

var (
	ErrAuth     = errors.New("hinova authentication failed")
	ErrFetch    = errors.New("hinova fetch failed")
	ErrNotFound = errors.New("hinova record not found")
)

// authShape is one way of presenting the user token to the API. Deployments
// differ in which one the listing endpoint accepts.
type authShape int

const (
	shapeUserBearer   authShape = iota // Authorization: Bearer <user token>
	shapeTokenHeader                   // Authorization: Bearer <account token>, token: <user token>
	shapeTokenUsuario                  // Authorization: Bearer <account token>, token_usuario: <user token>
)

var listShapes = []authShape{shapeUserBearer, shapeTokenHeader, shapeTokenUsuario}

func (s authShape) String() string {
	switch s {
	case shapeTokenHeader:
		return "token_header"
	case shapeTokenUsuario:
		return "token_usuario_header"
	default:
		return "user_bearer"
	}
}

func (s authShape) headers(account, user string) map[string]string {
	switch s {
	case shapeTokenHeader:
		return map[string]string{"Authorization": "Bearer " + account, "token": user}
	case shapeTokenUsuario:
		return map[string]string{"Authorization": "Bearer " + account, "token_usuario": user}
	default:
		return map[string]string{"Authorization": "Bearer " + user}
	}
}

type Config struct {
	BaseURL  string
	Token    string // account bearer token
	User     string
	Password string

	Timeout  time.Duration // per request; default 30s
	TokenTTL time.Duration // user token cache; default 1h

	Location   *time.Location
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to the SGA API. The user token is cached per client and
// refreshed lazily on expiry or on an authorization failure.
type Client struct {
	cfg  Config
	base string
	hc   *http.Client
	log  logx.Logger
	now  func() time.Time

	mu        sync.Mutex
	userToken string
	expiresAt time.Time
	// listShape is the header shape the listing endpoint last accepted.
	listShape authShape
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		cfg:  cfg,
		base: base,
		hc:   hc,
		log:  log.With(logx.String("comp", "hinova")),
		now:  now,
	}
}

// Authenticate obtains a user token unless a cached one is still valid.
// force bypasses the cache.
func (c *Client) Authenticate(ctx context.Context, force bool) error {
	_, err := c.token(ctx, force)
	return err
}

// TokenExpiry reports when the cached user token expires; zero when none is cached.
func (c *Client) TokenExpiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

func (c *Client) token(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.userToken != "" && c.now().Before(c.expiresAt) {
		return c.userToken, nil
	}
	if strings.TrimSpace(c.cfg.Token) == "" {
		return "", fmt.Errorf("%w: token not configured", ErrAuth)
	}

	payload := map[string]string{"usuario": c.cfg.User, "senha": c.cfg.Password}
	status, body, err := c.do(ctx, http.MethodPost, "/usuario/autenticar", payload,
		map[string]string{"Authorization": "Bearer " + c.cfg.Token})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: http %d: %s", ErrAuth, status, snippet(body))
	}

	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode: %w", ErrAuth, err)
	}
	tok := ""
	for _, k := range []string{"token_usuario", "token", "user_token"} {
		if s := asString(resp[k]); s != "" {
			tok = s
			break
		}
	}
	if tok == "" {
		return "", fmt.Errorf("%w: response has no user token", ErrAuth)
	}

	c.userToken = tok
	c.expiresAt = c.now().Add(c.cfg.TokenTTL)
	c.log.Info("authenticated", logx.Time("expires_at", c.expiresAt))
	return tok, nil
}

func (c *Client) invalidate(tok string) {
	c.mu.Lock()
	if c.userToken == tok {
		c.userToken = ""
		c.expiresAt = time.Time{}
	}
	c.mu.Unlock()
}

// authed performs a call with the user token, trying each header shape in
// turn until one is not rejected. When every shape gets 401/403 the token is
// refreshed and the shapes are tried once more.
func (c *Client) authed(ctx context.Context, method, path string, payload any, shapes []authShape) (int, []byte, error) {
	for attempt := 0; ; attempt++ {
		tok, err := c.token(ctx, false)
		if err != nil {
			return 0, nil, err
		}
		var status int
		var body []byte
		for _, sh := range shapes {
			status, body, err = c.do(ctx, method, path, payload, sh.headers(c.cfg.Token, tok))
			if err != nil {
				return 0, nil, err
			}
			if !rejected(status) {
				if len(shapes) > 1 {
					c.rememberListShape(sh)
				}
				return status, body, nil
			}
		}
		if attempt == 0 {
			c.log.Warn("token rejected; re-authenticating", logx.Int("status", status), logx.String("path", path))
			c.invalidate(tok)
			continue
		}
		return status, body, nil
	}
}

func rejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// orderedListShapes puts the last accepted shape first.
func (c *Client) orderedListShapes() []authShape {
	c.mu.Lock()
	first := c.listShape
	c.mu.Unlock()
	out := make([]authShape, 0, len(listShapes))
	out = append(out, first)
	for _, sh := range listShapes {
		if sh != first {
			out = append(out, sh)
		}
	}
	return out
}

func (c *Client) rememberListShape(sh authShape) {
	c.mu.Lock()
	changed := c.listShape != sh
	c.listShape = sh
	c.mu.Unlock()
	if changed {
		c.log.Info("listing accepted a different auth header shape", logx.String("shape", sh.String()))
	}
}

// ListEvents returns the events registered between from and to (inclusive days).
func (c *Client) ListEvents(ctx context.Context, from, to time.Time) (event.Batch, error) {
	payload := map[string]string{
		"data_cadastro":       from.In(c.cfg.Location).Format(DateLayout),
		"data_cadastro_final": to.In(c.cfg.Location).Format(DateLayout),
	}
	status, body, err := c.authed(ctx, http.MethodPost, "/listar/evento", payload, c.orderedListShapes())
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return event.Batch{}, err
		}
		return event.Batch{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if rejected(status) {
		return event.Batch{}, fmt.Errorf("%w: http %d after re-authentication", ErrAuth, status)
	}
	if status < 200 || status > 299 {
		return event.Batch{}, fmt.Errorf("%w: http %d: %s", ErrFetch, status, snippet(body))
	}

	items, err := decodeEventList(body)
	if err != nil {
		return event.Batch{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	batch := ParseEvents(items)
	c.log.Debug("events listed",
		logx.String("from", payload["data_cadastro"]),
		logx.String("to", payload["data_cadastro_final"]),
		logx.Int("events", len(batch.Events)),
		logx.Int("rejected", len(batch.Rejected)),
	)
	return batch, nil
}

// FetchVehicle loads the vehicle and its associate by vehicle code.
func (c *Client) FetchVehicle(ctx context.Context, ref string) (*event.Vehicle, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty vehicle reference", ErrNotFound)
	}
	path := "/veiculo/buscar/" + url.PathEscape(ref) + "/codigo"
	status, body, err := c.authed(ctx, http.MethodGet, path, nil, []authShape{shapeTokenHeader})
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vehicle %s", ErrNotFound, ref)
	case status < 200 || status > 299:
		return nil, fmt.Errorf("%w: vehicle %s: http %d: %s", ErrFetch, ref, status, snippet(body))
	}
	v, err := ParseVehicle(body)
	if err != nil {
		return nil, err
	}
	if v.Ref == "" {
		v.Ref = ref
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, auth map[string]string) (int, []byte, error) {
	var rdr io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		rdr = bytes.NewReader(b)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range auth {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	c.log.Trace("http call",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	return resp.StatusCode, body, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
