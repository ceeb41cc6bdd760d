// Package client is a Go client for the sqlbatch HTTP API.
//
// Usage:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithDB(job.DBParams{Host: "db-1", Name: "tenant", User: "alice"}),
//	)
//
//	j, err := c.Submit(ctx, client.SubmitRequest{Query: []string{"SELECT 14 AS foo"}})
//	j, err = c.Get(ctx, j.ID.String())
//	j, err = c.Cancel(ctx, j.ID.String())
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/xraph/sqlbatch/api"
	"github.com/xraph/sqlbatch/job"
)

// DefaultTimeout is the request timeout when neither the context nor
// WithTimeout sets one.
const DefaultTimeout = 30 * time.Second

// SubmitRequest is the body of a job submission.
type SubmitRequest = api.SubmitRequest

// CopyResult is the outcome of CopyFrom.
type CopyResult = api.CopyResponse

// Client talks to a sqlbatch server.
type Client struct {
	baseURL string
	timeout time.Duration
	db      job.DBParams
	logger  *slog.Logger
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("sqlbatch/client: invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit creates a job.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*job.Job, error) {
	var out job.Job
	if err := c.do(ctx, http.MethodPost, "/api/v2/sql/job", req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns a job's current record.
func (c *Client) Get(ctx context.Context, jobID string) (*job.Job, error) {
	var out job.Job
	if err := c.do(ctx, http.MethodGet, "/api/v2/sql/job/"+url.PathEscape(jobID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel cancels a job and returns its record afterwards.
func (c *Client) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	var out job.Job
	if err := c.do(ctx, http.MethodDelete, "/api/v2/sql/job/"+url.PathEscape(jobID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports the server's health status.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CopyTo runs a COPY ... TO STDOUT statement and writes the output to w.
func (c *Client) CopyTo(ctx context.Context, sql string, w io.Writer) (int64, error) {
	a := c.agent(ctx, fiber.Get(c.baseURL+"/api/v2/sql/copyto?q="+url.QueryEscape(sql)))
	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return 0, fmt.Errorf("sqlbatch/client: copyto: %w", errs[0])
	}
	if err := checkStatus(code, body); err != nil {
		return 0, err
	}
	n, err := w.Write(body)
	return int64(n), err
}

// CopyFrom feeds r into a COPY ... FROM STDIN statement.
func (c *Client) CopyFrom(ctx context.Context, sql string, r io.Reader) (*CopyResult, error) {
	var out CopyResult
	if err := c.do(ctx, http.MethodPost, "/api/v2/sql/copyfrom?q="+url.QueryEscape(sql), nil, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// agent applies the timeout and tenant headers to a.
func (c *Client) agent(ctx context.Context, a *fiber.Agent) *fiber.Agent {
	if deadline, ok := ctx.Deadline(); ok {
		a.Timeout(time.Until(deadline))
	} else {
		a.Timeout(c.timeout)
	}
	if c.db.Host != "" {
		a.Set(api.HeaderDBHost, c.db.Host)
		a.Set(api.HeaderDBName, c.db.Name)
		a.Set(api.HeaderDBUser, c.db.User)
		a.Set(api.HeaderDBPassword, c.db.Password)
		if c.db.Port != 0 {
			a.Set(api.HeaderDBPort, strconv.Itoa(c.db.Port))
		}
	}
	return a
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, stream io.Reader, v any) error {
	full := c.baseURL + endpoint

	var a *fiber.Agent
	switch method {
	case http.MethodGet:
		a = fiber.Get(full)
	case http.MethodPost:
		a = fiber.Post(full)
	case http.MethodDelete:
		a = fiber.Delete(full)
	default:
		return fmt.Errorf("sqlbatch/client: unsupported HTTP method: %s", method)
	}
	c.agent(ctx, a)
	a.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)

	switch {
	case stream != nil:
		a.BodyStream(stream, -1)
	case body != nil:
		a.JSON(body)
	}

	code, raw, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("sqlbatch/client: %s %s: %w", method, endpoint, errs[0])
	}
	c.logger.Debug("api request",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("status", code),
	)
	if err := checkStatus(code, raw); err != nil {
		return err
	}
	if v != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("sqlbatch/client: decode response: %w", err)
		}
	}
	return nil
}

// checkStatus turns a non-2xx response into a *fiber.Error carrying the
// server's message.
func checkStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &fiber.Error{Code: code, Message: errResp.Error}
	}
	return &fiber.Error{Code: code, Message: http.StatusText(code)}
}
