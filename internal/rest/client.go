// Package rest carries the REST transport: one HTTP request per operation,
// guarded by a circuit breaker.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/luciancaetano/surrealnet"
	"github.com/luciancaetano/surrealnet/internal/logger"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// Header names carrying the session scope.
const (
	HeaderNamespace = "NS"
	HeaderDatabase  = "DB"
)

const maxReplySize = 64 * 1024 * 1024

// Auth holds the credentials sent with a request. Token takes precedence.
type Auth struct {
	Username string
	Password string
	Token    string
}

// Request describes one REST call.
type Request struct {
	Method string
	// Path is relative to the base URL, e.g. key/person/tobie.
	Path        string
	Body        []byte
	ContentType string
	Namespace   string
	Database    string
	Auth        Auth
}

// Reply is a fully read HTTP response. Any status below 500 is a reply;
// the caller decides what a 4xx body means.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Reply) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// serverError marks 5xx replies so they count as breaker failures while
// still reaching the caller.
type serverError struct {
	reply *Reply
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error: %s", http.StatusText(e.reply.StatusCode))
}

// Client sends REST requests to one base URL.
type Client struct {
	base    *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*Reply]
	logger  *slog.Logger
}

// New creates a client for baseURL. A nil httpClient uses http.DefaultClient;
// a nil logger discards.
func New(baseURL string, httpClient *http.Client, cfg surrealnet.BreakerConfig, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", surrealnet.ErrConfig, baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = logger.Discard()
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[*Reply](gobreaker.Settings{
		Name:        "rest:" + base.Host,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the server's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{
		base:    base,
		http:    httpClient,
		breaker: cb,
		logger:  log,
	}, nil
}

// Do sends req through the circuit breaker. Transport failures and an open
// circuit are returned as errors; every HTTP reply, 5xx included, is
// returned as a Reply.
func (c *Client) Do(ctx context.Context, req Request) (*Reply, error) {
	reply, err := c.breaker.Execute(func() (*Reply, error) {
		return c.do(ctx, req)
	})

	var se *serverError
	switch {
	case err == nil:
		return reply, nil
	case errors.As(err, &se):
		return se.reply, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%s circuit open: %w", c.base.Host, err)
	default:
		return nil, err
	}
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) do(ctx context.Context, req Request) (*Reply, error) {
	target := c.base.JoinPath(req.Path)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	hreq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		hreq.Header.Set("Content-Type", contentType)
	}
	if req.Namespace != "" {
		hreq.Header.Set(HeaderNamespace, req.Namespace)
	}
	if req.Database != "" {
		hreq.Header.Set(HeaderDatabase, req.Database)
	}
	switch {
	case req.Auth.Token != "":
		hreq.Header.Set("Authorization", "Bearer "+req.Auth.Token)
	case req.Auth.Username != "":
		hreq.SetBasicAuth(req.Auth.Username, req.Auth.Password)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer CleanlyCloseBody(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	reply := &Reply{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	c.logger.Debug("rest reply", "method", req.Method, "path", req.Path, "status", resp.StatusCode)
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &serverError{reply: reply}
	}
	return reply, nil
}

// CleanlyCloseBody drains and closes an HTTP response body so the
// connection can be reused.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// KeyPath returns the key route of a table or record.
func KeyPath(thing surrealnet.Thing) string {
	p := "key/" + url.PathEscape(thing.Table)
	if thing.HasKey() {
		p += "/" + url.PathEscape(thing.KeyString())
	}
	return p
}
