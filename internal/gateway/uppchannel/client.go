// Package uppchannel sends WhatsApp messages through the UppChannel chat API.
package uppchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

const DefaultBaseURL = "https://api.uppchannel.com.br/chat"

var ErrNotConfigured = errors.New("uppchannel api key not configured")

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("uppchannel: http %d: %s", e.Status, e.Body)
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // default 30s
	HTTPClient *http.Client
}

type Client struct {
	base   string
	apiKey string
	hc     *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:   base,
		apiKey: strings.TrimSpace(cfg.APIKey),
		hc:     hc,
		log:    log.With(logx.String("comp", "uppchannel")),
	}
}

type sendRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Send posts one text message. Any transport error or non-2xx status is an error.
func (c *Client) Send(ctx context.Context, phone, message string) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	b, err := json.Marshal(sendRequest{Number: phone, Message: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/message/send", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	c.log.Debug("send",
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s := strings.TrimSpace(string(body))
		if len(s) > 200 {
			s = s[:200] + "..."
		}
		return &StatusError{Status: resp.StatusCode, Body: s}
	}
	return nil
}
