// Package client is the REST collaborator for a Batch-style account API:
// OData pages, Bearer auth and retries on transient failures.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
	"github.com/Azure/BatchExplorer-sub004/pkg/retry"
)

// DefaultAPIVersion is sent as api-version when Config leaves it empty.
const DefaultAPIVersion = "2024-07-01.20.0"

// Client talks to one account endpoint.
type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	retry      retry.Config
	clock      clock.PassiveClock

	mu     sync.RWMutex
	token  string
	expiry time.Time
	online bool
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	Retry      retry.Config
	// Token is the Bearer token. A JWT's exp claim is checked before
	// every request.
	Token string
	Clock clock.PassiveClock
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:  cfg.Retry,
		clock:  cfg.Clock,
		online: true,
	}
	c.SetAuthToken(cfg.Token)
	return c
}

// BaseURL returns the account endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// IsOnline reports whether the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.mu.Unlock()
	if !changed {
		return
	}
	if online {
		logging.Info("account endpoint is back online", logging.String("url", c.baseURL))
	} else {
		logging.Warn("account endpoint unreachable", logging.String("url", c.baseURL))
	}
}

// errorBody is the OData error payload.
type errorBody struct {
	Code    string `json:"code"`
	Message struct {
		Value string `json:"value"`
	} `json:"message"`
}

// request builds a URL for path (or an absolute continuation link) and
// runs it with retries. A 2xx body is decoded into out when out is
// non-nil.
func (c *Client) request(ctx context.Context, method, target string, query url.Values, out any) error {
	if err := c.checkToken(); err != nil {
		return err
	}
	u, err := c.resolve(target, query)
	if err != nil {
		return err
	}

	return retry.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		c.applyAuth(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordAPIRequest(method, 0, time.Since(start))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setOnline(false)
			return retry.Retryable(fmt.Errorf("%s %s: %w", method, target, err))
		}
		defer resp.Body.Close()
		metrics.RecordAPIRequest(method, resp.StatusCode, time.Since(start))
		c.setOnline(true)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || resp.StatusCode == http.StatusNoContent {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s: %w", target, err)
			}
			return nil
		}

		serr := decodeError(resp)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			logging.Debug("retrying request",
				logging.String("method", method),
				logging.String("target", target),
				logging.Int("status", resp.StatusCode))
			return retry.Retryable(serr)
		}
		return serr
	})
}

func decodeError(resp *http.Response) *getter.ServerError {
	serr := &getter.ServerError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if json.Unmarshal(data, &body) == nil && (body.Code != "" || body.Message.Value != "") {
		serr.Code = body.Code
		serr.Message = body.Message.Value
	} else {
		serr.Message = strings.TrimSpace(string(data))
	}
	if serr.Message == "" {
		serr.Message = http.StatusText(resp.StatusCode)
	}
	return serr
}

func (c *Client) resolve(target string, query url.Values) (string, error) {
	raw := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		raw = c.baseURL + "/" + strings.TrimPrefix(target, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", target, err)
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if q.Get("api-version") == "" {
		q.Set("api-version", c.apiVersion)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// listBody is an OData collection page.
type listBody[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"odata.nextLink"`
}

// GetEntity fetches the resource at path. select narrows the returned
// attributes.
func GetEntity[T any](ctx context.Context, c *Client, path string, sel []string) (T, error) {
	var out T
	q := url.Values{}
	if len(sel) > 0 {
		q.Set("$select", strings.Join(sel, ","))
	}
	err := c.request(ctx, http.MethodGet, path, q, &out)
	return out, err
}

// ListPage fetches the first page of the collection at path.
func ListPage[T any](ctx context.Context, c *Client, path string, opts models.ListOptions) (getter.Page[T], error) {
	return list[T](ctx, c, path, listQuery(opts))
}

// ListNext follows an odata.nextLink.
func ListNext[T any](ctx context.Context, c *Client, nextLink string) (getter.Page[T], error) {
	if nextLink == "" {
		return getter.Page[T]{}, errors.New("empty continuation link")
	}
	return list[T](ctx, c, nextLink, nil)
}

func list[T any](ctx context.Context, c *Client, target string, q url.Values) (getter.Page[T], error) {
	var body listBody[T]
	if err := c.request(ctx, http.MethodGet, target, q, &body); err != nil {
		return getter.Page[T]{}, err
	}
	return getter.Page[T]{Items: body.Value, NextLink: body.NextLink}, nil
}

func listQuery(opts models.ListOptions) url.Values {
	q := url.Values{}
	if opts.Filter != "" {
		q.Set("$filter", opts.Filter)
	}
	if len(opts.Select) > 0 {
		q.Set("$select", strings.Join(opts.Select, ","))
	}
	if n := opts.MaxResults(); n > 0 {
		q.Set("maxresults", strconv.Itoa(n))
	}
	if opts.Recursive {
		q.Set("recursive", "true")
	}
	for k, v := range opts.Extra {
		q.Set(k, v)
	}
	return q
}

// Delete deletes the resource at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.request(ctx, http.MethodDelete, path, nil, nil)
}
