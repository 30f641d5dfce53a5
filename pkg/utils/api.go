package utils

import (
	"bytes"
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
	"time"

	"github.com/kerbaras/avatars/pkg/errs"
)

// HTTPError carries the status and the remote's message for a non-2xx response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried in err's chain, zero if none.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

type API struct {
	client    *http.Client
	baseURL   string
	userAgent string
	timeout   time.Duration
}

type Option func(*API)

func WithHTTPClient(c *http.Client) Option {
	return func(a *API) { a.client = c }
}

func WithUserAgent(ua string) Option {
	return func(a *API) { a.userAgent = ua }
}

// WithTimeout bounds every JSON call, body included. Streams are not
// affected; their callers watch the transfer themselves.
func WithTimeout(d time.Duration) Option {
	return func(a *API) { a.timeout = d }
}

func NewAPI(baseURL string, opts ...Option) *API {
	a := &API{client: http.DefaultClient, baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Request describes one JSON call.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Cookies []*http.Cookie
	// Username and Password, when set, are sent as basic auth.
	Username string
	Password string
}

// Do sends req and decodes a JSON response into v when v is non-nil. The
// response is returned with its body closed so callers can read cookies.
func (a *API) Do(ctx context.Context, op string, req Request, v any) (*http.Response, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	path := req.Path
	if len(req.Query) > 0 {
		path += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		buf, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errs.E(op, errs.InvalidInput, err)
		}
		body = bytes.NewReader(buf)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, a.resolve(path), body)
	if err != nil {
		return nil, errs.E(op, errs.InvalidInput, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Username != "" {
		httpReq.SetBasicAuth(url.QueryEscape(req.Username), url.QueryEscape(req.Password))
	}
	a.decorate(httpReq, req.Cookies)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(op, err)
	}
	defer resp.Body.Close()

	if err := Classify(op, resp); err != nil {
		return resp, err
	}
	if v == nil {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil && ctx.Err() != nil {
			return resp, ClassifyTransport(op, ctx.Err())
		}
		return resp, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if ctx.Err() != nil {
			return resp, ClassifyTransport(op, ctx.Err())
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return resp, errs.E(op, errs.NetworkTimeout, err)
		}
		return resp, errs.E(op, errs.Unexpected, fmt.Errorf("decode response: %w", err))
	}
	return resp, nil
}

// Get is the plain JSON GET used by catalog listings.
func (a *API) Get(ctx context.Context, op, path string, params url.Values, cookies []*http.Cookie, v any) error {
	_, err := a.Do(ctx, op, Request{Path: path, Query: params, Cookies: cookies}, v)
	return err
}

// Stream opens rawURL for reading from offset. rawURL may be absolute or a
// path relative to the base URL. On success the caller owns resp.Body.
func (a *API) Stream(ctx context.Context, op, rawURL string, offset int64, cookies []*http.Cookie) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.resolve(rawURL), nil)
	if err != nil {
		return nil, errs.E(op, errs.InvalidInput, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	a.decorate(req, cookies)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, ClassifyTransport(op, err)
	}
	if err := Classify(op, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (a *API) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return a.baseURL + path
}

func (a *API) decorate(req *http.Request, cookies []*http.Cookie) {
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
}

// Classify maps a response status onto the error taxonomy. 2xx is nil.
// A 401 is reported as NotAuthenticated; callers that know better remap it.
func Classify(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	cause := &HTTPError{Status: resp.StatusCode, Message: remoteMessage(resp)}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return errs.Limited(op, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), cause)
	case code == http.StatusUnauthorized:
		return errs.E(op, errs.NotAuthenticated, cause)
	case code == http.StatusForbidden:
		return errs.E(op, errs.PermissionDenied, cause)
	case code == http.StatusNotFound, code == http.StatusGone:
		return errs.E(op, errs.NotFound, cause)
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return errs.E(op, errs.NetworkTimeout, cause)
	case code >= 500:
		return errs.E(op, errs.ServerUnavailable, cause)
	case code == http.StatusBadRequest:
		return errs.E(op, errs.InvalidInput, cause)
	default:
		return errs.E(op, errs.Unexpected, cause)
	}
}

// ClassifyTransport maps a failed round trip onto the error taxonomy.
func ClassifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errs.E(op, errs.Cancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.E(op, errs.NetworkTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errs.E(op, errs.NetworkTimeout, err)
	}
	return errs.E(op, errs.ConnectionFailed, err)
}

// ParseRetryAfter understands both delta-seconds and HTTP-date forms.
// Unparseable or past values give zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// remoteMessage extracts {"error":{"message":...}} from an error body.
func remoteMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
