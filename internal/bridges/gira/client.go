package gira

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client constants.
const (
	// apiBasePath is prefixed to every endpoint path.
	apiBasePath = "/api/v2"

	// defaultRequestTimeout bounds a single device call.
	defaultRequestTimeout = 10 * time.Second

	// maxResponseSize caps how much of a response body is read.
	// An expanded uiconfig of a large project stays well below this.
	maxResponseSize = 8 << 20

	// errorCodeCallbackTestFailed is the device error code for a failed
	// callback probe.
	errorCodeCallbackTestFailed = "callbackTestFailed"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the device address, e.g. "https://192.168.1.20".
	BaseURL string

	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration

	// TLSInsecure skips certificate verification for the device's
	// self-signed certificate.
	TLSInsecure bool

	// HTTPClient overrides the transport. Timeout and TLSInsecure are
	// ignored when set.
	HTTPClient *http.Client
}

// Client issues single requests against the device REST API.
//
// It holds no session state and never retries; the caller passes the token
// on every call. Thread Safety: safe for concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a Client for the device at opts.BaseURL.
//
// Parameters:
//   - opts: Base URL and transport settings
//
// Returns:
//   - *Client: Ready to issue requests
//   - error: ErrConfiguration if the base URL is missing or malformed
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrConfiguration)
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrConfiguration, opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.TLSInsecure, //nolint:gosec // Device ships a self-signed certificate
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	return &Client{base: base, http: httpClient}, nil
}

// call describes one HTTP exchange.
// route is the endpoint template used in errors so tokens never leak into logs.
// path is already escaped; build variable segments with escapePath.
type call struct {
	method string
	route  string
	path   string
	query  url.Values
	body   any
	creds  *Credentials
}

// do performs the exchange and classifies the outcome.
// A 2xx returns the body (nil for 204); other statuses return *APIError;
// transport failures return *NetworkError.
func (c *Client) do(ctx context.Context, cl call) ([]byte, error) {
	u := *c.base
	u.RawPath = c.base.EscapedPath() + apiBasePath + cl.path
	decoded, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return nil, fmt.Errorf("%w: building path: %w", ErrInvalidRequest, err)
	}
	u.Path = decoded
	if len(cl.query) > 0 {
		u.RawQuery = cl.query.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding body: %w", ErrInvalidRequest, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrInvalidRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.creds != nil {
		req.SetBasicAuth(cl.creds.Username, cl.creds.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.networkError(cl, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, c.networkError(cl, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		return data, nil
	}

	return nil, newAPIError(resp.StatusCode, data)
}

// networkError wraps a transport failure without the request URL, which
// may carry the token as a query parameter.
func (c *Client) networkError(cl call, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return &NetworkError{
		Op:  cl.method,
		URL: c.base.Host + apiBasePath + cl.route,
		Err: err,
	}
}

// newAPIError decodes the device error envelope if present.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: body}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// isGone reports whether a DELETE failed only because the resource is
// already removed on the device.
func isGone(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusUnauthorized
}

func tokenQuery(token string) url.Values {
	return url.Values{"token": []string{token}}
}

// CheckAvailable queries the API root, which needs no authentication.
func (c *Client) CheckAvailable(ctx context.Context) (*DeviceInfo, error) {
	data, err := c.do(ctx, call{method: http.MethodGet, route: "/", path: "/"})
	if err != nil {
		return nil, err
	}
	var info DeviceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: decoding device info: %w", ErrProtocol, err)
	}
	return &info, nil
}

// RegisterClient registers clientID with the device and returns the issued token.
//
// Parameters:
//   - ctx: Context for cancellation
//   - creds: Basic auth credentials of a device user
//   - clientID: Stable client identifier
//
// Returns:
//   - string: Token for all subsequent calls
//   - error: ErrAuth on 401/403, ErrNetwork on transport failure,
//     ErrProtocol if the response has no token
func (c *Client) RegisterClient(ctx context.Context, creds Credentials, clientID string) (string, error) {
	data, err := c.do(ctx, call{
		method: http.MethodPost,
		route:  "/clients",
		path:   "/clients",
		body:   map[string]string{"client": clientID},
		creds:  &creds,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty registration response", ErrProtocol)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: decoding registration response: %w", ErrProtocol, err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: registration response has no token", ErrProtocol)
	}
	return resp.Token, nil
}

// UnregisterClient removes the client registration. A token the device no
// longer knows is treated as success.
func (c *Client) UnregisterClient(ctx context.Context, token string) error {
	_, err := c.do(ctx, call{
		method: http.MethodDelete,
		route:  "/clients/{token}",
		path:   escapePath("clients", token),
	})
	if err != nil && !isGone(err) {
		return err
	}
	return nil
}

// RegisterCallbacks tells the device where to POST service and value events.
//
// With test set the device probes both URLs first. A failed probe returns an
// error matching ErrCallbackUnreachable and the underlying *APIError.
func (c *Client) RegisterCallbacks(ctx context.Context, token, serviceURL, valueURL string, test bool) error {
	_, err := c.do(ctx, call{
		method: http.MethodPost,
		route:  "/clients/{token}/callbacks",
		path:   escapePath("clients", token, "callbacks"),
		body: map[string]any{
			"serviceCallback": serviceURL,
			"valueCallback":   valueURL,
			"testCallbacks":   test,
		},
	})
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if test && errors.As(err, &apiErr) &&
		(apiErr.Code == errorCodeCallbackTestFailed || apiErr.StatusCode == http.StatusBadRequest) {
		return fmt.Errorf("%w: %w", ErrCallbackUnreachable, err)
	}
	return err
}

// UnregisterCallbacks removes both callback URLs. Already-removed
// callbacks are treated as success.
func (c *Client) UnregisterCallbacks(ctx context.Context, token string) error {
	_, err := c.do(ctx, call{
		method: http.MethodDelete,
		route:  "/clients/{token}/callbacks",
		path:   escapePath("clients", token, "callbacks"),
	})
	if err != nil && !isGone(err) {
		return err
	}
	return nil
}

// GetUIConfig returns the raw UI configuration.
// expand selects optional sections, e.g. "dataPointFlags", "locations".
func (c *Client) GetUIConfig(ctx context.Context, token string, expand ...string) (json.RawMessage, error) {
	q := tokenQuery(token)
	if len(expand) > 0 {
		q.Set("expand", strings.Join(expand, ","))
	}
	data, err := c.do(ctx, call{method: http.MethodGet, route: "/uiconfig", path: "/uiconfig", query: q})
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: uiconfig is not valid JSON", ErrProtocol)
	}
	return data, nil
}

// GetUIConfigID returns the identifier of the current UI configuration.
// It changes whenever the project is re-commissioned.
func (c *Client) GetUIConfigID(ctx context.Context, token string) (string, error) {
	data, err := c.do(ctx, call{
		method: http.MethodGet,
		route:  "/uiconfig/uid",
		path:   "/uiconfig/uid",
		query:  tokenQuery(token),
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.UID == "" {
		return "", fmt.Errorf("%w: uiconfig uid response has no uid", ErrProtocol)
	}
	return resp.UID, nil
}

// GetValue reads one point. The device answers {"values":[{"uid":..,"value":..}]}.
func (c *Client) GetValue(ctx context.Context, token, uid string) (json.RawMessage, error) {
	if err := checkUID(uid); err != nil {
		return nil, err
	}
	return c.do(ctx, call{
		method: http.MethodGet,
		route:  "/values/{uid}",
		path:   escapePath("values", uid),
		query:  tokenQuery(token),
	})
}

// SetValue writes one point.
func (c *Client) SetValue(ctx context.Context, token, uid string, value json.RawMessage) (json.RawMessage, error) {
	if err := checkUID(uid); err != nil {
		return nil, err
	}
	return c.do(ctx, call{
		method: http.MethodPut,
		route:  "/values/{uid}",
		path:   escapePath("values", uid),
		query:  tokenQuery(token),
		body:   map[string]json.RawMessage{"value": value},
	})
}

// SetValues writes several points in one request.
// The device applies entries independently; a failure may leave a partial write.
func (c *Client) SetValues(ctx context.Context, token string, entries []ValueEntry) (json.RawMessage, error) {
	return c.do(ctx, call{
		method: http.MethodPut,
		route:  "/values",
		path:   "/values",
		query:  tokenQuery(token),
		body:   map[string][]ValueEntry{"values": entries},
	})
}

// GetLicenses returns the device license list.
func (c *Client) GetLicenses(ctx context.Context, token string) (json.RawMessage, error) {
	return c.do(ctx, call{
		method: http.MethodGet,
		route:  "/licenses",
		path:   "/licenses",
		query:  tokenQuery(token),
	})
}

// Execute dispatches a validated Request with the given token.
func (c *Client) Execute(ctx context.Context, token string, req Request) (json.RawMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	switch req.Kind {
	case RequestGetValue:
		return c.GetValue(ctx, token, req.UID)
	case RequestSetValue:
		return c.SetValue(ctx, token, req.UID, req.Value)
	case RequestSetValues:
		return c.SetValues(ctx, token, req.Values)
	case RequestGetUIConfig:
		return c.GetUIConfig(ctx, token, req.Expand...)
	case RequestGetLicenses:
		return c.GetLicenses(ctx, token)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
}

// escapePath joins segments into an escaped path with a leading slash.
// A segment never contributes a separator of its own.
func escapePath(segments ...string) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}
