// Package provider holds the concrete channel and inference clients the
// router fails over between, and the YAML registry that wires them up.
//
// Every provider maps its failures onto the entity error taxonomy:
//   - 429 becomes *entity.RateLimitedError carrying Retry-After
//   - other 4xx become *entity.PermanentProviderError
//   - 5xx, network errors and timeouts become *entity.TransientProviderError
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/usecase/router"
	"delivery-core/internal/utils/text"

	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultRetryAfter  = 5 * time.Second
	maxErrorBody       = 1024
)

// HTTPConfig configures a channel provider that speaks JSON over HTTP.
type HTTPConfig struct {
	ID      string
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
	// RatePerSecond paces outgoing requests through Admit. Zero disables pacing.
	RatePerSecond float64
	Burst         int
}

// pacer spaces out calls to one upstream.
type pacer struct {
	limiter *rate.Limiter
}

func newPacer(perSecond float64, burst int) *pacer {
	if perSecond <= 0 {
		return &pacer{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &pacer{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// admit reserves a token and waits for it when the wait fits in both wait
// and ctx's deadline. A longer backlog gives the token back and returns a
// local *entity.RateLimitedError.
func (p *pacer) admit(ctx context.Context, providerID string, wait time.Duration) error {
	if p.limiter == nil {
		return nil
	}
	res := p.limiter.Reserve()
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		wait = time.Until(deadline)
	}
	if delay > wait {
		res.Cancel()
		return &entity.RateLimitedError{ProviderID: providerID, RetryAfter: delay, Local: true}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// httpChannel is the transport shared by the web and cloud providers.
type httpChannel struct {
	cfg    HTTPConfig
	path   string
	client *http.Client
	pacer  *pacer
}

func newHTTPChannel(cfg HTTPConfig, path string) httpChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return httpChannel{
		cfg:    cfg,
		path:   path,
		client: &http.Client{Timeout: cfg.Timeout},
		pacer:  newPacer(cfg.RatePerSecond, cfg.Burst),
	}
}

// Admit implements router.Paced.
func (h *httpChannel) Admit(ctx context.Context, wait time.Duration) error {
	return h.pacer.admit(ctx, h.cfg.ID, wait)
}

// post sends body and decodes a 2xx response into out. Pacing happens
// earlier, in Admit.
func (h *httpChannel) post(ctx context.Context, body any, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return &entity.PermanentProviderError{ProviderID: h.cfg.ID, Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := strings.TrimRight(h.cfg.BaseURL, "/") + h.path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return &entity.PermanentProviderError{ProviderID: h.cfg.ID, Err: fmt.Errorf("create http request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &entity.TransientProviderError{ProviderID: h.cfg.ID, Err: fmt.Errorf("execute http request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := classifyStatus(h.cfg.ID, resp.StatusCode, resp.Header, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		// The upstream accepted the message; a bad body must not trigger a resend.
		slog.Warn("provider returned undecodable body",
			slog.String("provider", h.cfg.ID),
			slog.String("error", err.Error()))
	}
	return nil
}

// classifyStatus maps an HTTP status onto the provider error taxonomy.
// It returns nil for 2xx.
func classifyStatus(providerID string, status int, header http.Header, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &entity.RateLimitedError{
			ProviderID: providerID,
			RetryAfter: retryAfter(header, body),
			Err:        errors.New(snippet(body)),
		}
	case status == http.StatusRequestTimeout:
		return &entity.TransientProviderError{ProviderID: providerID, StatusCode: status, Err: errors.New(snippet(body))}
	case status >= 400 && status < 500:
		return &entity.PermanentProviderError{ProviderID: providerID, StatusCode: status, Err: errors.New(snippet(body))}
	case status >= 500:
		return &entity.TransientProviderError{ProviderID: providerID, StatusCode: status, Err: errors.New(snippet(body))}
	}
	return &entity.TransientProviderError{ProviderID: providerID, StatusCode: status, Err: fmt.Errorf("unexpected status code %d", status)}
}

// retryAfter reads a retry_after field (seconds) from a JSON body, then the
// Retry-After header (seconds or HTTP date), defaulting to 5s.
func retryAfter(header http.Header, body []byte) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
		return time.Duration(payload.RetryAfter * float64(time.Second))
	}

	if v := header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	return defaultRetryAfter
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response body"
	}
	s, _ = text.Truncate(s, maxErrorBody)
	return s
}

// WebProvider sends messages through a browser-automation gateway.
type WebProvider struct {
	httpChannel
}

// NewWebProvider creates a WebProvider posting to {BaseURL}/send.
func NewWebProvider(cfg HTTPConfig) *WebProvider {
	return &WebProvider{httpChannel: newHTTPChannel(cfg, "/send")}
}

func (p *WebProvider) ID() string                    { return p.cfg.ID }
func (p *WebProvider) Capability() entity.Capability { return entity.CapabilityChannel }

type webSendRequest struct {
	To        string `json:"to"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
}

type webSendResponse struct {
	MessageID string `json:"message_id"`
}

func (p *WebProvider) Deliver(ctx context.Context, item *entity.QueueItem) (*router.Result, error) {
	var out webSendResponse
	err := p.post(ctx, webSendRequest{To: item.Target, Body: item.Payload, Reference: item.ID}, &out)
	if err != nil {
		return nil, err
	}
	return &router.Result{MessageID: out.MessageID}, nil
}

// CloudProvider sends messages through a cloud messaging HTTP API.
type CloudProvider struct {
	httpChannel
}

// NewCloudProvider creates a CloudProvider posting to {BaseURL}/messages.
func NewCloudProvider(cfg HTTPConfig) *CloudProvider {
	return &CloudProvider{httpChannel: newHTTPChannel(cfg, "/messages")}
}

func (p *CloudProvider) ID() string                    { return p.cfg.ID }
func (p *CloudProvider) Capability() entity.Capability { return entity.CapabilityChannel }

type cloudMessageRequest struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	// IdempotencyKey lets the API drop a resend after a reclaimed lease.
	IdempotencyKey string `json:"idempotency_key"`
}

type cloudMessageResponse struct {
	ID string `json:"id"`
}

func (p *CloudProvider) Deliver(ctx context.Context, item *entity.QueueItem) (*router.Result, error) {
	var out cloudMessageResponse
	req := cloudMessageRequest{Recipient: item.Target, Text: item.Payload, IdempotencyKey: item.ID}
	if err := p.post(ctx, req, &out); err != nil {
		return nil, err
	}
	return &router.Result{MessageID: out.ID}, nil
}

var (
	_ router.Provider = (*WebProvider)(nil)
	_ router.Provider = (*CloudProvider)(nil)
	_ router.Paced    = (*WebProvider)(nil)
	_ router.Paced    = (*CloudProvider)(nil)
)
