// ABOUTME: Package controller talks to the automation controller REST API.
// A Client holds configuration; each workflow opens a Session that owns its
// own connection pool, so credentials and timeouts never leak across tasks.
package controller

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/patternservice/patternd/internal/config"
	"github.com/patternservice/patternd/internal/failure"
)

const (
	defaultTimeout = 2 * time.Minute
	errorBodyLimit = 4096
)

// Observer receives one call per completed HTTP exchange. code is 0 when no
// response arrived.
type Observer interface {
	ObserveControllerRequest(method string, code int, elapsed time.Duration)
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Username  string
	Password  string
	VerifyTLS bool
	CAPath    string
	Timeout   time.Duration
	UserAgent string

	// RateLimit is requests per second across all sessions; zero disables it.
	RateLimit float64
	RateBurst int

	Observer Observer

	// HTTPClient replaces the TLS-configured client (tests).
	HTTPClient *http.Client
}

// Client is shared configuration for controller sessions.
type Client struct {
	baseURL    *url.URL
	username   string
	password   string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	observer   Observer
}

// NewClient validates options and builds the HTTP client.
func NewClient(opts Options) (*Client, error) {
	base, err := config.NormalizeURL(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("controller url: %w", err)
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse controller url %q: %w", base, err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient, err = newHTTPClient(opts.Timeout, opts.VerifyTLS, opts.CAPath)
		if err != nil {
			return nil, err
		}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		baseURL:    parsed,
		username:   opts.Username,
		password:   opts.Password,
		userAgent:  opts.UserAgent,
		httpClient: httpClient,
		limiter:    limiter,
		observer:   opts.Observer,
	}, nil
}

// BaseURL returns the normalized controller URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Host returns the controller's host[:port], used to qualify EE image names.
func (c *Client) Host() string {
	return c.baseURL.Host
}

// NewSession opens a session with its own connection pool. Close it when the
// workflow ends.
func (c *Client) NewSession() *Session {
	httpClient := c.httpClient
	var transport *http.Transport
	if base, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport = base.Clone()
		clone := *c.httpClient
		clone.Transport = transport
		httpClient = &clone
	}
	return &Session{client: c, http: httpClient, transport: transport}
}

// Get performs a one-shot GET on a throwaway session.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	session := c.NewSession()
	defer session.Close()
	return session.Get(ctx, path, params)
}

// Session issues requests for a single workflow.
type Session struct {
	client    *Client
	http      *http.Client
	transport *http.Transport
}

// Close releases idle connections held by the session.
func (s *Session) Close() {
	if s != nil && s.transport != nil {
		s.transport.CloseIdleConnections()
	}
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	URL        string
	Body       []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.URL, err)
	}
	return nil
}

// HTTPError is a non-2xx controller response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Response   *Response
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	if e.Response != nil {
		if body := strings.TrimSpace(string(e.Response.Body)); body != "" {
			msg += ": " + body
		}
	}
	return msg
}

// Get fetches path (relative to the controller URL) with optional query params.
func (s *Session) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	target := s.client.resolve(path)
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return s.do(ctx, http.MethodGet, target, nil)
}

// Post sends body as JSON and returns the decoded object. A 2xx body that is
// not a JSON object is returned as a fallback mapping rather than an error.
func (s *Session) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, "encode request body", err)
	}
	resp, err := s.do(ctx, http.MethodPost, s.client.resolve(path), payload)
	if err != nil {
		return nil, err
	}
	return SafeJSON(resp), nil
}

// Open starts a streamed GET of rawURL, which may point outside the
// controller (the collection registry). The caller closes the body.
func (s *Session) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := s.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.send(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, failure.Wrap(failure.KindTransport, "", &HTTPError{
			Method:     http.MethodGet,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Response:   &Response{StatusCode: resp.StatusCode, URL: rawURL, Body: snippet},
		})
	}
	return resp.Body, nil
}

func (s *Session) do(ctx context.Context, method, target string, payload []byte) (*Response, error) {
	req, err := s.newRequest(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	resp, err := s.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransport, method+" "+target, fmt.Errorf("read response: %w", err))
	}
	out := &Response{StatusCode: resp.StatusCode, URL: target, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(out.Body) > errorBodyLimit {
			out.Body = out.Body[:errorBodyLimit]
		}
		return nil, failure.Wrap(failure.KindTransport, "", &HTTPError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Response:   out,
		})
	}
	return out, nil
}

func (s *Session) newRequest(ctx context.Context, method, target string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, "create request", err)
	}
	req.SetBasicAuth(s.client.username, s.client.password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.client.userAgent != "" {
		req.Header.Set("User-Agent", s.client.userAgent)
	}
	return req, nil
}

func (s *Session) send(req *http.Request) (*http.Response, error) {
	op := req.Method + " " + req.URL.String()
	if s.client.limiter != nil {
		if err := s.client.limiter.Wait(req.Context()); err != nil {
			return nil, failure.Wrap(failure.KindTransport, op, fmt.Errorf("rate limit: %w", err))
		}
	}
	start := time.Now()
	resp, err := s.http.Do(req)
	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	if s.client.observer != nil {
		s.client.observer.ObserveControllerRequest(req.Method, code, time.Since(start))
	}
	if err != nil {
		return nil, failure.Wrap(failure.KindTransport, op, err)
	}
	return resp, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.BaseURL() + path
}

// SafeJSON decodes a response body as a JSON object, falling back to a
// description of the raw body when it is anything else.
func SafeJSON(resp *Response) map[string]any {
	var out map[string]any
	if err := json.Unmarshal(resp.Body, &out); err == nil && out != nil {
		return out
	}
	return map[string]any{
		"detail":      "Non-JSON response",
		"text":        string(resp.Body),
		"status_code": resp.StatusCode,
		"url":         resp.URL,
	}
}

// ResourceID reads the numeric "id" of a created controller object.
func ResourceID(obj map[string]any) (int64, error) {
	switch v := obj["id"].(type) {
	case float64:
		if v == float64(int64(v)) && v > 0 {
			return int64(v), nil
		}
	case json.Number:
		if id, err := v.Int64(); err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, failure.Newf(failure.KindTransport, "controller response has no usable id: %v", obj)
}

func newHTTPClient(timeout time.Duration, verifyTLS bool, caPath string) (*http.Client, error) {
	caPath = strings.TrimSpace(caPath)
	if !verifyTLS && caPath != "" {
		return nil, fmt.Errorf("controller_ca_path requires controller_verify_tls")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: !verifyTLS,
	}

	if caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read controller_ca_path %q: %w", caPath, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("controller_ca_path %q did not contain any certificates", caPath)
		}
		tlsConfig.RootCAs = pool
	}

	clientTimeout := timeout
	if clientTimeout <= 0 {
		clientTimeout = defaultTimeout
	}

	return &http.Client{
		Timeout: clientTimeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
	}, nil
}
