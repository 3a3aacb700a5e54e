// Package vngateway holds what the Vietnamese escrow gateway adapters
// share: a throttled HTTP client that decodes JSON answers with gjson,
// and the keyed-MD5 field digests both gateways use to sign messages.
package vngateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/kocbridge/escrow/internal/metrics"
	"github.com/kocbridge/escrow/internal/provider"
)

// maxResponseSize caps how much of a gateway response is read.
const maxResponseSize = 1 << 20

// Client talks to one gateway.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client for the gateway at baseURL allowing rps
// requests per second. httpClient may be nil.
func NewClient(name, baseURL string, rps int, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// PostForm sends form as application/x-www-form-urlencoded and returns the
// parsed JSON answer.
func (c *Client) PostForm(ctx context.Context, op provider.Op, path string, form url.Values) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, op, req)
}

// Get sends a GET with query parameters and returns the parsed JSON answer.
func (c *Client) Get(ctx context.Context, op provider.Op, path string, query url.Values) (gjson.Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	return c.do(ctx, op, req)
}

// Ping checks that the gateway answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", c.name, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s answered %d", c.name, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op provider.Op, req *http.Request) (_ gjson.Result, err error) {
	defer metrics.ObserveProviderCall(c.name, string(op), time.Now(), &err)

	if err := c.limiter.Wait(ctx); err != nil {
		// Nothing was sent yet.
		return gjson.Result{}, provider.Unavailable(c.name, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, provider.Classify(c.name, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return gjson.Result{}, provider.Classify(c.name, op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		perr := fmt.Errorf("http %d", resp.StatusCode)
		if op == provider.OpRelease || op == provider.OpRefund {
			// The gateway may have processed the transfer before failing.
			return gjson.Result{}, provider.Ambiguous(c.name, op, perr)
		}
		return gjson.Result{}, provider.Unavailable(c.name, op, perr)
	case resp.StatusCode >= 400:
		return gjson.Result{}, provider.Rejected(c.name, op, fmt.Sprintf("http_%d", resp.StatusCode), strings.TrimSpace(string(body)))
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, provider.Rejected(c.name, op, "bad_response", "response is not JSON")
	}
	return gjson.ParseBytes(body), nil
}
