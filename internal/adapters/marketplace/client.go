// internal/adapters/marketplace/client.go
package marketplace

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"campus_listings/internal/adapters/observability"
	"campus_listings/internal/domain"
)

type Client struct {
	base string
	hc   *http.Client
	rl   *rate.Limiter
}

func New(base string, rps int, timeout time.Duration) (*Client, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, fmt.Errorf("marketplace base URL is required")
	}
	if rps <= 0 {
		rps = 10
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: timeout},
		rl:   rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// ---- Public API ----

func (c *Client) GetProperty(ctx context.Context, token, id string) (map[string]any, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "property", http.MethodGet, "/properties/"+url.PathEscape(id), token, nil, true, &raw); err != nil {
		return nil, err
	}
	doc, ok := unwrapObject(raw, "data", "property")
	if !ok {
		return nil, &domain.NetworkError{Op: "get property", Err: errors.New("unexpected payload")}
	}
	return doc, nil
}

func (c *Client) ListProperties(ctx context.Context, token string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 20
	}
	var raw json.RawMessage
	if err := c.do(ctx, "properties", http.MethodGet, "/properties?limit="+strconv.Itoa(limit), token, nil, true, &raw); err != nil {
		return nil, err
	}
	return unwrapList(raw, "data", "properties"), nil
}

// ListUnlocked is the authoritative list of properties the viewer unlocked.
// Items may be bare IDs or objects carrying one.
func (c *Client) ListUnlocked(ctx context.Context, token string) ([]string, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "unlocked", http.MethodGet, "/payments/unlocked-properties", token, nil, true, &raw); err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err == nil {
		return ids, nil
	}
	out := []string{}
	for _, it := range unwrapList(raw, "data", "properties", "unlockedProperties") {
		if id := idOf(it); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

type initiateBody struct {
	PropertyID    string `json:"propertyId"`
	PaymentMethod string `json:"paymentMethod"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	CallbackURL   string `json:"callbackUrl,omitempty"`
}

type initiatePayload struct {
	Reference         string `json:"reference"`
	AuthorizationURL  string `json:"authorizationUrl"`
	AuthorizationURL2 string `json:"authorization_url"`
}

// InitiateUnlock is not retried: a second POST could open a second
// provider session.
func (c *Client) InitiateUnlock(ctx context.Context, token string, req domain.InitiateRequest) (domain.InitiateResponse, error) {
	body, err := json.Marshal(initiateBody{
		PropertyID:    req.PropertyID,
		PaymentMethod: req.PaymentMethod,
		Amount:        req.Amount,
		Currency:      req.Currency,
		CallbackURL:   req.CallbackURL,
	})
	if err != nil {
		return domain.InitiateResponse{}, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, "initiate", http.MethodPost, "/payments/unlock/initiate", token, body, false, &raw); err != nil {
		return domain.InitiateResponse{}, err
	}
	var p initiatePayload
	if obj, ok := unwrapObject(raw, "data"); ok {
		b, _ := json.Marshal(obj)
		_ = json.Unmarshal(b, &p)
	}
	out := domain.InitiateResponse{Reference: strings.TrimSpace(p.Reference), AuthorizationURL: strings.TrimSpace(p.AuthorizationURL)}
	if out.AuthorizationURL == "" {
		out.AuthorizationURL = strings.TrimSpace(p.AuthorizationURL2)
	}
	return out, nil
}

type verifyPayload struct {
	Unlocked   *bool  `json:"unlocked"`
	Success    *bool  `json:"success"`
	PropertyID string `json:"propertyId"`
	Property   string `json:"property_id"`
	Message    string `json:"message"`
}

// VerifyUnlock is a GET and idempotent on the server, so it is retried on
// transient failures.
func (c *Client) VerifyUnlock(ctx context.Context, token, reference string) (domain.VerifyResponse, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "verify", http.MethodGet, "/payments/verify/"+url.PathEscape(reference), token, nil, true, &raw); err != nil {
		return domain.VerifyResponse{}, err
	}
	var outer, inner verifyPayload
	_ = json.Unmarshal(raw, &outer)
	if obj, ok := unwrapObject(raw, "data"); ok {
		b, _ := json.Marshal(obj)
		_ = json.Unmarshal(b, &inner)
	}
	res := domain.VerifyResponse{Message: firstNonEmpty(inner.Message, outer.Message)}
	// "unlocked" is the outcome; older deployments only report "success"
	switch {
	case inner.Unlocked != nil:
		res.Unlocked = *inner.Unlocked
	case outer.Unlocked != nil:
		res.Unlocked = *outer.Unlocked
	case inner.Success != nil:
		res.Unlocked = *inner.Success
	case outer.Success != nil:
		res.Unlocked = *outer.Success
	}
	res.PropertyID = firstNonEmpty(inner.PropertyID, inner.Property, outer.PropertyID, outer.Property)
	return res, nil
}

// ---- Internals ----

// do performs one API call with client-side rate limiting and JSON decode
// into out. When retry is set it retries 429 and transient 5xx, honoring
// Retry-After, and network errors.
func (c *Client) do(ctx context.Context, endpoint, method, path, token string, body []byte, retry bool, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return &domain.NetworkError{Op: endpoint, Err: err}
	}
	attempts := 1
	if retry {
		attempts = 4
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		// build a fresh request each attempt
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "campus-listings-bff/1.0")

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveMarketplace(endpoint, 0, time.Since(start))
			lastErr = &domain.NetworkError{Op: endpoint, Err: err}
			if ctx.Err() != nil {
				return &domain.NetworkError{Op: endpoint, Err: ctx.Err()}
			}
			if i < attempts-1 && sleepCtx(ctx, backoff(i)) {
				continue
			}
			return lastErr
		}
		observability.ObserveMarketplace(endpoint, resp.StatusCode, time.Since(start))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNoContent {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &domain.NetworkError{Op: endpoint, Err: fmt.Errorf("decode: %w", err)}
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			// Prefer server-provided Retry-After; otherwise exponential backoff.
			wait := retryAfter(resp)
			msg := errorMessage(resp)
			lastErr = &domain.ProviderError{Status: resp.StatusCode, Message: msg}
			if wait == 0 {
				wait = backoff(i)
			}
			if i < attempts-1 && sleepCtx(ctx, wait) {
				continue
			}
			if ctx.Err() != nil {
				return &domain.NetworkError{Op: endpoint, Err: ctx.Err()}
			}
			return lastErr

		default:
			return &domain.ProviderError{Status: resp.StatusCode, Message: errorMessage(resp)}
		}
	}
	return lastErr
}

// errorMessage reads a small error body and prefers its "message" field.
func errorMessage(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	var m struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(b, &m) == nil {
		if s := firstNonEmpty(m.Message, m.Error); s != "" {
			return s
		}
	}
	return strings.TrimSpace(string(b))
}

// unwrapObject returns the object under the first envelope key found, or the
// payload itself when it is an object without one.
func unwrapObject(raw json.RawMessage, keys ...string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	for _, k := range keys {
		if inner, ok := m[k].(map[string]any); ok {
			return inner, true
		}
	}
	return m, true
}

func unwrapList(raw json.RawMessage, keys ...string) []map[string]any {
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		for _, k := range keys {
			if l, ok := m[k].([]any); ok {
				list = l
				break
			}
		}
	}
	out := make([]map[string]any, 0, len(list))
	for _, it := range list {
		switch t := it.(type) {
		case map[string]any:
			out = append(out, t)
		case string:
			out = append(out, map[string]any{"id": t})
		}
	}
	return out
}

func idOf(m map[string]any) string {
	for _, k := range []string{"propertyId", "property_id", "_id", "id"} {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	if p, ok := m["property"].(map[string]any); ok {
		return idOf(p)
	}
	if s, ok := m["property"].(string); ok {
		return s
	}
	return ""
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if t := strings.TrimSpace(s); t != "" {
			return t
		}
	}
	return ""
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After header (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff returns an exponential delay (200ms, 400ms, 800ms...) with up to
// +50% jitter from crypto/rand.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	j := time.Duration(0.5 * f * float64(base))
	return base + j
}
