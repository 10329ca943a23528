package apicall

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/template"
)

const maxLoggedBody = 4 << 10

// Request is one outbound call.
type Request struct {
	Title            string
	AccountID        string
	StateExecutionID string
	Method           string
	URL              string
	Headers          map[string]string
	Body             []byte
	// Secrets are masked out of the audit entry.
	Secrets map[string]string
}

// Client performs provider calls with optional throttling and an audit entry per call.
type Client struct {
	http    *http.Client
	audit   Logger
	limiter *rate.Limiter
}

// NewClient creates a client. rps <= 0 disables throttling.
func NewClient(httpClient *http.Client, audit Logger, rps float64) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if audit == nil {
		audit = Nop{}
	}
	c := &Client{http: httpClient, audit: audit}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

// HTTPClient exposes the underlying transport, e.g. for SDKs that take an *http.Client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Audit exposes the audit logger for calls not made through Do.
func (c *Client) Audit() Logger {
	return c.audit
}

// Do sends req and returns the response body. Non-2xx responses are transient errors.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	entry := &Log{
		AccountID:        req.AccountID,
		StateExecutionID: req.StateExecutionID,
		Title:            req.Title,
		Method:           method,
		URL:              template.Mask(req.URL, req.Secrets),
		RequestBody:      truncate(template.Mask(string(req.Body), req.Secrets)),
		Start:            time.Now(),
	}
	defer func() {
		entry.End = time.Now()
		c.audit.Save(ctx, entry)
	}()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		entry.Error = err.Error()
		return nil, errors.Wrap(err, errors.CodeConfig, "build request")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		entry.Error = template.Mask(err.Error(), req.Secrets)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Mark(err, errors.CodeTransient)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	entry.StatusCode = resp.StatusCode
	entry.ResponseBody = truncate(string(data))
	if err != nil {
		entry.Error = err.Error()
		return nil, errors.Wrap(err, errors.CodeTransient, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		entry.Error = resp.Status
		return nil, errors.New(errors.CodeTransient, "%s %s returned %d: %s", method, entry.URL, resp.StatusCode, truncateTo(string(data), 256))
	}
	return data, nil
}

func truncate(s string) string {
	return truncateTo(s, maxLoggedBody)
}

func truncateTo(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:n], len(s))
}
