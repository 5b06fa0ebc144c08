package api

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client represents a Persons API client
type Client struct {
	baseURL string
	token   string
	http    *resty.Client // reads, retried on 429/5xx
	jobs    *resty.Client // job submission and status polling, never retried
}

// NewClient creates a new Persons API client. An empty token disables auth.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}

	client.http = client.newResty(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	// Starting a job is not idempotent and the poller owns its own retry
	// budget, so the job client must issue each request exactly once.
	client.jobs = client.newResty(timeout).SetRetryCount(0)

	return client
}

func (c *Client) newResty(timeout time.Duration) *resty.Client {
	r := resty.New().
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if c.token != "" {
		r.SetAuthScheme("Token").SetAuthToken(c.token)
	}
	return r
}

// Get performs a GET request to the Persons API
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)

	if params != nil {
		req.SetQueryParams(params)
	}

	return req.Get(c.buildURL(endpoint))
}

// Delete performs a DELETE request to the Persons API
func (c *Client) Delete(ctx context.Context, endpoint string) (*resty.Response, error) {
	return c.http.R().SetContext(ctx).Delete(c.buildURL(endpoint))
}

// GetJob performs a single, non-retried GET against a job endpoint
func (c *Client) GetJob(ctx context.Context, endpoint string) (*resty.Response, error) {
	return c.jobs.R().SetContext(ctx).Get(c.buildURL(endpoint))
}

// PostJob performs a single, non-retried POST against a job endpoint
func (c *Client) PostJob(ctx context.Context, endpoint string, payload interface{}) (*resty.Response, error) {
	req := c.jobs.R().SetContext(ctx)
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	return req.Post(c.buildURL(endpoint))
}

// UploadJob posts a multipart file under the given form field, exactly once
func (c *Client) UploadJob(ctx context.Context, endpoint, field, filename string, content io.Reader) (*resty.Response, error) {
	return c.jobs.R().
		SetContext(ctx).
		SetFileReader(field, filename, content).
		Post(c.buildURL(endpoint))
}

// Download fetches an absolute URL into the file at outputPath
func (c *Client) Download(ctx context.Context, rawURL, outputPath string) (*resty.Response, error) {
	return c.http.R().
		SetContext(ctx).
		SetOutput(outputPath).
		Get(rawURL)
}

// ResolveURL turns a possibly relative location returned by the API into
// an absolute URL rooted at the API host.
func (c *Client) ResolveURL(location string) (string, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", location, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", c.baseURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// SetToken replaces the API token on both clients. Empty disables auth.
func (c *Client) SetToken(token string) {
	c.token = token
	for _, r := range []*resty.Client{c.http, c.jobs} {
		r.SetAuthScheme("Token").SetAuthToken(token)
	}
}

// BaseURL returns the normalised API root
func (c *Client) BaseURL() string {
	return c.baseURL
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

// SetTimeout allows customizing the timeout for specific operations
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
	c.jobs.SetTimeout(timeout)
}
