// Package httpapi implements outboxsync.EntityService against a JSON REST API.
//
// Routes, relative to the base URL:
//
//	POST   /v1/{entity}?scope=S        create; replies with a record, true, or nothing
//	PATCH  /v1/{entity}/{id}           update
//	DELETE /v1/{entity}/{id}           delete
//	GET    /v1/{entity}?scope=S        list, as {"items": [record...]}
//	GET    /healthz                    reachability probe
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/imarsiglia/outboxsync"
)

// MetaHeaderPrefix prefixes payload metadata forwarded as request headers.
const MetaHeaderPrefix = "X-Outbox-Meta-"

// HTTPError is a non-2xx reply. It matches outboxsync.ErrNetwork for
// retryable statuses and outboxsync.ErrRejected otherwise.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case outboxsync.ErrNetwork:
		return retryableStatus(e.StatusCode)
	case outboxsync.ErrRejected:
		return !retryableStatus(e.StatusCode)
	}
	return false
}

// Options configure a Client.
type Options struct {
	// Token is sent as a bearer token when set.
	Token string
	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
	// MaxRetries bounds in-request retries of transient failures.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RatePerSecond limits outgoing requests; zero means unlimited.
	RatePerSecond float64
	Burst         int
}

// Client talks to the REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *rate.Limiter
}

func NewClient(baseURL string, opts Options) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		limiter:    rate.NewLimiter(limit, opts.Burst),
	}
}

func (c *Client) CreateEntity(ctx context.Context, req outboxsync.CreateRequest) (outboxsync.CreateResult, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, collectionPath(req.Entity, req.Scope), req.Meta, req.Body, &raw); err != nil {
		return outboxsync.CreateResult{}, err
	}
	return decodeCreateReply(raw)
}

func (c *Client) UpdateEntity(ctx context.Context, req outboxsync.UpdateRequest) error {
	if req.ID == "" {
		return fmt.Errorf("%w: update %s without server id", outboxsync.ErrRejected, req.Entity)
	}
	return c.doJSON(ctx, http.MethodPatch, recordPath(req.Entity, req.ID), req.Meta, req.Body, nil)
}

func (c *Client) DeleteEntity(ctx context.Context, req outboxsync.DeleteRequest) error {
	if req.ID == "" {
		return fmt.Errorf("%w: delete %s without server id", outboxsync.ErrRejected, req.Entity)
	}
	return c.doJSON(ctx, http.MethodDelete, recordPath(req.Entity, req.ID), req.Meta, nil, nil)
}

func (c *Client) QueryKey(entity, scope string) outboxsync.CacheKey {
	return outboxsync.CacheKey{Entity: entity, Scope: scope}
}

// List fetches the authoritative records for entity in scope.
func (c *Client) List(ctx context.Context, entity, scope string) ([]outboxsync.Record, error) {
	var page struct {
		Items []wireRecord `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, collectionPath(entity, scope), nil, nil, &page); err != nil {
		return nil, err
	}
	out := make([]outboxsync.Record, 0, len(page.Items))
	for _, r := range page.Items {
		out = append(out, r.record())
	}
	return out, nil
}

// Ping checks the health endpoint once, without retries.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", outboxsync.ErrNetwork, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	meta map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", ulid.Make().String())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range meta {
			req.Header.Set(MetaHeaderPrefix+key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %s %s: %v", outboxsync.ErrNetwork, method, requestPath, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: read %s %s: %v", outboxsync.ErrNetwork, method, requestPath, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("%w: decode %s %s: %v", outboxsync.ErrRejected, method, requestPath, err)
			}
			return nil
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func collectionPath(entity, scope string) string {
	p := "/v1/" + url.PathEscape(entity)
	if scope != "" {
		p += "?" + url.Values{"scope": {scope}}.Encode()
	}
	return p
}

func recordPath(entity string, id outboxsync.ServerID) string {
	return "/v1/" + url.PathEscape(entity) + "/" + url.PathEscape(string(id))
}

// wireRecord is the JSON shape of a record. Ids may be strings or numbers.
type wireRecord struct {
	ID        wireID          `json:"id"`
	ClientID  string          `json:"clientId,omitempty"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
	Fields    outboxsync.Body `json:"fields"`
}

func (w wireRecord) record() outboxsync.Record {
	rec := outboxsync.Record{
		ID:       outboxsync.ServerID(w.ID),
		ClientID: w.ClientID,
		Fields:   w.Fields,
	}
	if w.CreatedAt != nil {
		rec.CreatedAt = w.CreatedAt.UTC()
	}
	return rec
}

type wireID string

func (id *wireID) UnmarshalJSON(data []byte) error {
	var v outboxsync.Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	switch v.Kind() {
	case outboxsync.KindString:
		s, _ := v.Str()
		*id = wireID(s)
	case outboxsync.KindNumber:
		*id = wireID(strings.TrimSpace(string(data)))
	case outboxsync.KindNull:
		*id = ""
	default:
		return fmt.Errorf("httpapi: unsupported id %s", data)
	}
	return nil
}

var errUnexpectedReply = errors.New("httpapi: unexpected create reply")

// decodeCreateReply maps the create body onto CreateResult: an object with an
// id is the created record, true or an empty body is a bare acknowledgement.
func decodeCreateReply(raw json.RawMessage) (outboxsync.CreateResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return outboxsync.CreateResult{Acknowledged: true}, nil
	}
	switch trimmed[0] {
	case 't':
		return outboxsync.CreateResult{Acknowledged: true}, nil
	case 'f', 'n':
		return outboxsync.CreateResult{}, nil
	case '{':
		var w wireRecord
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return outboxsync.CreateResult{}, fmt.Errorf("%w: %w: %v", outboxsync.ErrRejected, errUnexpectedReply, err)
		}
		if w.ID == "" {
			return outboxsync.CreateResult{Acknowledged: true}, nil
		}
		rec := w.record()
		return outboxsync.CreateResult{Record: &rec}, nil
	default:
		return outboxsync.CreateResult{}, fmt.Errorf("%w: %w", outboxsync.ErrRejected, errUnexpectedReply)
	}
}

var _ outboxsync.EntityService = (*Client)(nil)
