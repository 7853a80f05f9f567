package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default timeouts, matching the portal front end
const (
	DefaultTimeout         = 15 * time.Second
	DefaultDownloadTimeout = 60 * time.Second
	DefaultRefreshTimeout  = 15 * time.Second
)

// Default paths
const (
	DefaultAPIPrefix    = "/api/v1"
	DefaultRefreshPath  = "/auth/refresh"
	DefaultLoginPath    = "/auth/login"
	DefaultLogoutPath   = "/auth/logout"
	DefaultRegisterPath = "/auth/register"
	DefaultCurrentUser  = "/users/me"

	// DefaultEntryPoint is where the navigator is sent when a session ends
	DefaultEntryPoint = "/login"
)

// Client is an HTTP client for the portal API with transparent token refresh.
//
// Concurrent calls that hit a 401 share a single refresh call. Calls that
// arrive while a refresh is in flight are queued and replayed with the new
// token. When the refresh fails the session is terminated once.
type Client struct {
	serverURL     string
	apiPrefix     string
	store         CredentialStore
	httpClient    *http.Client
	baseTransport http.RoundTripper
	log           zerolog.Logger

	timeout         time.Duration
	downloadTimeout time.Duration
	refreshTimeout  time.Duration
	refreshPath     string
	entryPoint      string

	navigator Navigator
	observer  func(RefreshEvent)

	coordinator *refreshCoordinator
	terminator  *sessionTerminator

	userMu sync.RWMutex
	user   *User

	background sync.WaitGroup
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom base HTTP client (for TLS config, proxies, etc.).
// Its transport is used directly; timeouts are applied per call.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil && client.Transport != nil {
			c.baseTransport = client.Transport
		}
		if client != nil {
			c.httpClient.CheckRedirect = client.CheckRedirect
			c.httpClient.Jar = client.Jar
		}
	}
}

// WithTransport sets a custom base transport
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.baseTransport = transport
	}
}

// WithTimeout sets the per-call upper bound on wait time
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDownloadTimeout sets the per-call timeout for Download
func WithDownloadTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.downloadTimeout = d
	}
}

// WithRefreshTimeout bounds the refresh call. A refresh that times out is a
// refresh failure.
func WithRefreshTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.refreshTimeout = d
	}
}

// WithAPIPrefix sets the path prefix of the API (default /api/v1)
func WithAPIPrefix(prefix string) ClientOption {
	return func(c *Client) {
		c.apiPrefix = prefix
	}
}

// WithRefreshPath sets a custom refresh endpoint path. It must be a bootstrap
// path (under /auth/).
func WithRefreshPath(path string) ClientOption {
	return func(c *Client) {
		c.refreshPath = path
	}
}

// WithEntryPoint sets the unauthenticated entry point passed to the Navigator
func WithEntryPoint(path string) ClientOption {
	return func(c *Client) {
		c.entryPoint = path
	}
}

// WithNavigator sets the collaborator notified when a session ends
func WithNavigator(n Navigator) ClientOption {
	return func(c *Client) {
		c.navigator = n
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// WithRefreshObserver registers a callback for refresh lifecycle events
func WithRefreshObserver(fn func(RefreshEvent)) ClientOption {
	return func(c *Client) {
		c.observer = fn
	}
}

// NewClient creates a portal client for serverURL backed by store.
// A nil store selects an in-memory store.
func NewClient(serverURL string, store CredentialStore, opts ...ClientOption) *Client {
	// Normalize server URL
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}
	if store == nil {
		store = NewMemoryCredentialStore(Credential{})
	}

	c := &Client{
		serverURL:       serverURL,
		apiPrefix:       DefaultAPIPrefix,
		store:           store,
		httpClient:      &http.Client{},
		baseTransport:   http.DefaultTransport,
		log:             zerolog.Nop(),
		timeout:         DefaultTimeout,
		downloadTimeout: DefaultDownloadTimeout,
		refreshTimeout:  DefaultRefreshTimeout,
		refreshPath:     DefaultRefreshPath,
		entryPoint:      DefaultEntryPoint,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.httpClient.Transport = c.baseTransport
	if c.navigator == nil {
		c.navigator = logNavigator{log: c.log}
	}
	c.coordinator = &refreshCoordinator{client: c}
	c.terminator = &sessionTerminator{
		store:      c.store,
		navigator:  c.navigator,
		entryPoint: c.entryPoint,
		log:        c.log,
		onClear:    func() { c.setUser(nil) },
	}

	return c
}

// ServerURL returns the server URL this client is configured for
func (c *Client) ServerURL() string {
	return c.serverURL
}

// Store returns the credential store
func (c *Client) Store() CredentialStore {
	return c.store
}

// Close waits for background calls (logout notifications) to finish.
func (c *Client) Close() error {
	c.background.Wait()
	return nil
}

// Call issues a request and returns the unwrapped envelope.
// body is JSON encoded unless WithRawBody is given; nil sends no body.
func (c *Client) Call(ctx context.Context, method, path string, body any, opts ...CallOption) (*Envelope, error) {
	cl, err := c.newCall(method, path, body, false, opts)
	if err != nil {
		return nil, err
	}
	res := c.execute(ctx, cl)
	return res.env, res.err
}

// Get issues a GET request
func (c *Client) Get(ctx context.Context, path string, opts ...CallOption) (*Envelope, error) {
	return c.Call(ctx, http.MethodGet, path, nil, opts...)
}

// Post issues a POST request
func (c *Client) Post(ctx context.Context, path string, body any, opts ...CallOption) (*Envelope, error) {
	return c.Call(ctx, http.MethodPost, path, body, opts...)
}

// Put issues a PUT request
func (c *Client) Put(ctx context.Context, path string, body any, opts ...CallOption) (*Envelope, error) {
	return c.Call(ctx, http.MethodPut, path, body, opts...)
}

// Delete issues a DELETE request
func (c *Client) Delete(ctx context.Context, path string, opts ...CallOption) (*Envelope, error) {
	return c.Call(ctx, http.MethodDelete, path, nil, opts...)
}

// Download issues a request whose response is binary. The body is returned
// as-is; error bodies are still parsed for a server message. Downloads take
// part in the refresh flow like any other call.
func (c *Client) Download(ctx context.Context, method, path string, body any, opts ...CallOption) (*Blob, error) {
	cl, err := c.newCall(method, path, body, true, opts)
	if err != nil {
		return nil, err
	}
	res := c.execute(ctx, cl)
	return res.blob, res.err
}

// callResult is the outcome of one call: exactly one of env, blob or err is set.
type callResult struct {
	env  *Envelope
	blob *Blob
	err  error
}

func (c *Client) newCall(method, path string, body any, blob bool, opts []CallOption) (call, error) {
	cl := call{
		method:  method,
		path:    path,
		timeout: c.timeout,
		blob:    blob,
	}
	if blob {
		cl.timeout = c.downloadTimeout
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return cl, &Error{
				Kind:    KindValidation,
				Message: "failed to encode request body",
				Method:  method,
				Path:    path,
				Err:     err,
			}
		}
		cl.body = data
		cl.contentType = "application/json"
	}
	for _, opt := range opts {
		opt(&cl)
	}
	return cl, nil
}

// execute sends cl and hands authentication failures to the coordinator.
func (c *Client) execute(ctx context.Context, cl call) callResult {
	if cl.attempt == 0 {
		cred, err := c.store.Get()
		if err != nil {
			return callResult{err: storeError("failed to read credentials", err)}
		}
		cl.token = cred.AccessToken
	}

	res, status := c.send(ctx, &cl)
	if status != http.StatusUnauthorized {
		return res
	}
	if cl.attempt > 0 || isBootstrapPath(cl.path) {
		return res
	}

	cause, _ := res.err.(*Error)
	return c.coordinator.handleUnauthorized(ctx, cl, cause)
}

// replay re-sends cl with a refreshed token. Replays never refresh again.
func (c *Client) replay(ctx context.Context, cl call, token string) callResult {
	return c.execute(ctx, cl.withToken(token))
}

// send performs one round trip and classifies the response. It returns the
// HTTP status, or 0 when no response was received.
func (c *Client) send(ctx context.Context, cl *call) (callResult, int) {
	if cl.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.timeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, cl)
	if err != nil {
		return callResult{err: &Error{Kind: KindValidation, Message: "invalid request", Method: cl.method, Path: cl.path, Err: err}}, 0
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return callResult{err: connectivityError(cl, err)}, 0
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return callResult{err: connectivityError(cl, err)}, 0
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return callResult{err: c.failure(cl, resp.StatusCode, data)}, resp.StatusCode
	}

	if cl.blob {
		return callResult{blob: newBlob(resp, data)}, resp.StatusCode
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		return callResult{err: &Error{
			Kind:    KindValidation,
			Status:  resp.StatusCode,
			Message: "malformed response envelope",
			Method:  cl.method,
			Path:    cl.path,
			Err:     err,
		}}, resp.StatusCode
	}
	if env.Code != SuccessCode {
		e := statusError(cl, KindApplication, resp.StatusCode, env.Message)
		e.Code = env.Code
		if env.Message == "" {
			e.Message = defaultMessage
		}
		return callResult{err: e}, resp.StatusCode
	}
	return callResult{env: env}, resp.StatusCode
}

func (c *Client) newRequest(ctx context.Context, cl *call) (*http.Request, error) {
	target := c.serverURL + c.apiPrefix + cl.path
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range cl.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	if cl.blob {
		req.Header.Set("Accept", "*/*")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Del("Authorization")
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}
	return req, nil
}

// failure builds the error for a non-2xx response.
func (c *Client) failure(cl *call, status int, data []byte) *Error {
	kind := KindApplication
	if status == http.StatusUnauthorized {
		kind = KindAuthentication
	}

	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		if cl.blob && kind != KindAuthentication {
			// Binary endpoints must answer errors with a JSON body
			e := statusError(cl, KindValidation, status, defaultMessage)
			e.Err = err
			return e
		}
		return statusError(cl, kind, status, "")
	}

	e := statusError(cl, kind, status, body.Message)
	e.Code = body.Code
	return e
}

func newBlob(resp *http.Response, data []byte) *Blob {
	b := &Blob{
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			b.Filename = params["filename"]
		}
	}
	return b
}
