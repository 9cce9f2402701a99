package upstream

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

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const maxErrorBody = 2048

// Options configures the backend client.
type Options struct {
	BaseURL string
	// Timeout bounds identity, room and history calls. Generation calls are
	// bounded by the caller's context instead.
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
	HTTPClient         *http.Client
	Logger             *zerolog.Logger
}

// Client talks to the Identity, Room, Message-Generation and History services.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     zerolog.Logger
}

// New builds a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "upstream").Logger()
	}

	maxFailures := opts.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	c := &Client{
		baseURL: base,
		http:    httpClient,
		timeout: opts.Timeout,
		log:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "upstream",
		Timeout: opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
		IsSuccessful: isSuccessful,
	})
	return c, nil
}

// isSuccessful keeps client-side mistakes (4xx) and caller cancellation
// from tripping the breaker.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	if status := StatusCode(err); status > 0 && status < 500 {
		return true
	}
	return false
}

// CurrentUser resolves the account behind token.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	var user User
	if err := c.do(ctx, "current user", http.MethodGet, "/api/v1/auth/me", nil, token, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Room fetches the authoritative room record.
func (c *Client) Room(ctx context.Context, token, roomID string) (*Room, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	var raw json.RawMessage
	if err := c.do(ctx, "get room", http.MethodGet, "/api/v1/rooms/"+url.PathEscape(roomID), nil, token, nil, &raw); err != nil {
		return nil, err
	}

	var room Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	room.Raw = raw
	return &room, nil
}

// Generate persists the user's turn and produces the companion reply.
func (c *Client) Generate(ctx context.Context, token string, req GenerateRequest) (*GenerateResult, error) {
	var res GenerateResult
	path := "/api/v1/rooms/" + url.PathEscape(req.RoomID) + "/messages"
	if err := c.do(ctx, "generate", http.MethodPost, path, nil, token, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Continue asks the backend to extend the previous companion reply.
func (c *Client) Continue(ctx context.Context, token string, req GenerateRequest) (*GenerateResult, error) {
	var res GenerateResult
	path := "/api/v1/rooms/" + url.PathEscape(req.RoomID) + "/continue"
	if err := c.do(ctx, "continue", http.MethodPost, path, nil, token, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// History returns one page of persisted messages.
func (c *Client) History(ctx context.Context, token, roomID string, page, limit int) ([]Message, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var raw json.RawMessage
	path := "/api/v1/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.do(ctx, "history", http.MethodGet, path, query, token, nil, &raw); err != nil {
		return nil, err
	}
	return decodeMessageList(raw)
}

// decodeMessageList accepts a bare array or an object wrapping it.
func decodeMessageList(raw json.RawMessage) ([]Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var msgs []Message
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		return msgs, nil
	}

	var wrapped struct {
		Messages []Message `json:"messages"`
		Items    []Message `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if wrapped.Messages != nil {
		return wrapped.Messages, nil
	}
	return wrapped.Items, nil
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, token string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, op, method, path, query, token, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, token string, body, out any) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("op", op).Dur("elapsed", time.Since(started)).Msg("upstream request failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("elapsed", time.Since(started)).Msg("upstream request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
