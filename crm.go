// Package crm is the Go client for the School CRM admissions API.
//
// Besides plain endpoint access it carries the pieces a field device needs
// to keep working without a network: a persistent store, a token manager
// with refresh-on-401, an offline lead queue and a sync manager that drains
// it when connectivity returns.
//
// Example:
//
//	store := crm.NewFileStore(filepath.Join(home, ".crm", "store.json"))
//	client := crm.NewClient(crm.WithBaseURL("https://school.example/crm/api/"), crm.WithStore(store))
//
//	if _, err := client.Auth.Login(ctx, "desk1", "secret"); err != nil { ... }
//	leads, _ := client.Leads.List(ctx, crm.Filters{"status": "New"})
//
//	mgr := crm.NewOfflineManager(client, crm.NewConnectivityMonitor(true), nil)
//	mgr.Init(ctx)
//	res, _ := mgr.CreateLead(ctx, crm.Lead{"full_name": "Asha Rao"})
package crm

import (
	"bytes"
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
)

const (
	DefaultBaseURL    = "http://localhost:8000/crm/api/"
	DefaultTimeout    = 15 * time.Second
	DefaultAuthScheme = "Token"
)

// ============================================================================
// Client
// ============================================================================

// Client is the API gateway. Every request carries the current credential
// and, on state-changing methods, the CSRF token. A 401 triggers at most one
// token refresh and one re-issue of the request.
type Client struct {
	baseURL         string
	authScheme      string
	httpClient      *http.Client
	backend         Store
	store           *LocalStore
	tokens          *TokenManager
	csrf            CSRFProvider
	logger          *slog.Logger
	metrics         *Metrics
	onLoginRequired func()

	Auth      *AuthClient
	Leads     *LeadsClient
	Dashboard *DashboardClient
	Students  *StudentsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") + "/" }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithCSRF(p CSRFProvider) ClientOption {
	return func(c *Client) { c.csrf = p }
}

// WithLoginRequired registers the callback fired when the session cannot be
// recovered and the user has to sign in again.
func WithLoginRequired(fn func()) ClientOption {
	return func(c *Client) { c.onLoginRequired = fn }
}

// WithStore sets the backend for credentials, the offline queue and the
// lead cache. Keys are namespaced by the API origin. Defaults to a
// MemoryStore.
func WithStore(s Store) ClientOption {
	return func(c *Client) { c.backend = s }
}

// WithTokenManager replaces the token manager built from the store.
func WithTokenManager(t *TokenManager) ClientOption {
	return func(c *Client) { c.tokens = t }
}

// WithAuthScheme sets the Authorization scheme (default "Token").
func WithAuthScheme(scheme string) ClientOption {
	return func(c *Client) { c.authScheme = scheme }
}

// NewClient creates a CRM client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		authScheme: DefaultAuthScheme,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = discardLogger()
	}

	switch {
	case c.tokens != nil:
		c.store = c.tokens.store
	default:
		if c.backend == nil {
			c.backend = NewMemoryStore()
		}
		c.store = NewLocalStore(c.backend, OriginNamespace(c.baseURL), c.logger)
		c.tokens = NewTokenManager(c.store, &TokenOptions{Logger: c.logger, Metrics: c.metrics})
	}

	c.Auth = &AuthClient{c: c}
	c.Leads = &LeadsClient{c: c}
	c.Dashboard = &DashboardClient{c: c}
	c.Students = &StudentsClient{c: c}
	c.tokens.setDefaultRefresher(RefresherFunc(c.Auth.RefreshToken))
	return c
}

// BaseURL returns the API root, always ending in "/".
func (c *Client) BaseURL() string { return c.baseURL }

// Tokens returns the token manager.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Store returns the namespaced local store shared by the client's
// components.
func (c *Client) Store() *LocalStore { return c.store }

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Metrics returns the configured metrics, possibly nil.
func (c *Client) Metrics() *Metrics { return c.metrics }

// ============================================================================
// Internal request helper
// ============================================================================

type request struct {
	method         string
	path           string
	query          url.Values
	body           []byte
	idempotencyKey string

	// token overrides the stored credential.
	token string
	// retried is set once the request has been through a refresh, or when
	// it must never trigger one.
	retried bool
}

func newRequest(method, path string, body any, query Filters) (*request, error) {
	r := &request{method: method, path: path}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r.body = b
	}
	if len(query) > 0 {
		r.query = url.Values{}
		for k, v := range query {
			r.query.Set(k, v)
		}
	}
	return r, nil
}

// do runs r through the refresh-once protocol.
func (c *Client) do(ctx context.Context, r *request) ([]byte, error) {
	data, used, err := c.send(ctx, r)
	if err == nil || r.retried || !IsUnauthorized(err) {
		return data, err
	}

	r.retried = true
	if rerr := c.tokens.refreshFrom(ctx, used); rerr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("session could not be refreshed, login required", "path", r.path, "error", rerr)
		c.tokens.Clear(ctx)
		if c.onLoginRequired != nil {
			c.onLoginRequired()
		}
		return nil, err
	}
	c.logger.Debug("token refreshed, retrying request", "method", r.method, "path", r.path)
	data, _, err = c.send(ctx, r)
	return data, err
}

// send issues r once and returns the body with the credential it used.
func (c *Client) send(ctx context.Context, r *request) ([]byte, string, error) {
	u := c.baseURL + strings.TrimLeft(r.path, "/")
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		bodyReader = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	token := r.token
	if token == "" {
		token, _ = c.tokens.Credential(ctx)
	}
	if token != "" {
		req.Header.Set("Authorization", c.authScheme+" "+token)
	}
	if !safeMethod(r.method) && c.csrf != nil {
		if csrf := c.csrf.CSRFToken(); csrf != "" {
			req.Header.Set("X-CSRFToken", csrf)
		}
	}
	if r.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", r.idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeRequest(r.method, "error", time.Since(start))
		if ctx.Err() != nil {
			return nil, token, ctx.Err()
		}
		return nil, token, fmt.Errorf("%w: %s %s: %v", ErrNetwork, r.method, r.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.observeRequest(r.method, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return nil, token, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, token, newAPIError(resp.StatusCode, data)
	}
	return data, token, nil
}

func (c *Client) call(ctx context.Context, method, path string, body any, query Filters) ([]byte, error) {
	r, err := newRequest(method, path, body, query)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, r)
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeList accepts a paginated {"results": [...]} page or a bare array.
func decodeList[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []T
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return list, nil
	}
	page, err := decodeJSON[struct {
		Results []T `json:"results"`
	}](trimmed)
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient handles sign-in and the session credential.
type AuthClient struct{ c *Client }

// Login signs in and stores the returned credential and identity.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	r, err := newRequest(http.MethodPost, "auth/login/", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	r.retried = true
	data, err := a.c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, fmt.Errorf("login response missing authentication token")
	}
	if !a.c.tokens.SaveCredential(ctx, res.Token) {
		a.c.logger.Warn("credential not persisted, session lasts for this process only")
	}
	a.c.tokens.SaveIdentity(ctx, res.Identity())
	return res, nil
}

// Logout clears the local session. The server keeps no session to end.
func (a *AuthClient) Logout(ctx context.Context) {
	a.c.tokens.Clear(ctx)
}

// RefreshToken exchanges token for a new credential. The call is never
// itself subject to refresh-on-401.
func (a *AuthClient) RefreshToken(ctx context.Context, token string) (string, error) {
	r := &request{method: http.MethodPost, path: "auth/refresh-token/", token: token, retried: true}
	data, err := a.c.do(ctx, r)
	if err != nil {
		return "", err
	}
	res, err := decodeJSON[struct {
		Token string `json:"token"`
	}](data)
	if err != nil {
		return "", err
	}
	return res.Token, nil
}

// Ping checks that the API is reachable. Any HTTP response counts; only
// transport failures are returned.
func (a *AuthClient) Ping(ctx context.Context) error {
	r := &request{method: http.MethodGet, path: "docs/", retried: true}
	_, err := a.c.do(ctx, r)
	if err != nil && IsNetwork(err) {
		return err
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// LeadsClient handles lead records.
type LeadsClient struct{ c *Client }

func (l *LeadsClient) List(ctx context.Context, filters Filters) ([]Lead, error) {
	data, err := l.c.call(ctx, http.MethodGet, "leads/", nil, filters)
	if err != nil {
		return nil, err
	}
	return decodeList[Lead](data)
}

func (l *LeadsClient) Get(ctx context.Context, id int64) (Lead, error) {
	data, err := l.c.call(ctx, http.MethodGet, leadPath(id), nil, nil)
	if err != nil {
		return nil, err
	}
	lead, err := decodeJSON[Lead](data)
	if err != nil {
		return nil, err
	}
	return *lead, nil
}

// Create submits a new lead. A non-empty idempotencyKey is sent so that a
// resubmission after a lost response does not create a duplicate.
func (l *LeadsClient) Create(ctx context.Context, lead Lead, idempotencyKey string) (Lead, error) {
	r, err := newRequest(http.MethodPost, "leads/", lead, nil)
	if err != nil {
		return nil, err
	}
	r.idempotencyKey = idempotencyKey
	data, err := l.c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	created, err := decodeJSON[Lead](data)
	if err != nil {
		return nil, err
	}
	return *created, nil
}

func (l *LeadsClient) Update(ctx context.Context, id int64, lead Lead) (Lead, error) {
	data, err := l.c.call(ctx, http.MethodPut, leadPath(id), lead, nil)
	if err != nil {
		return nil, err
	}
	updated, err := decodeJSON[Lead](data)
	if err != nil {
		return nil, err
	}
	return *updated, nil
}

func (l *LeadsClient) UpdateStatus(ctx context.Context, id int64, status LeadStatus) (Lead, error) {
	data, err := l.c.call(ctx, http.MethodPost, leadPath(id)+"update_status/", map[string]string{"status": string(status)}, nil)
	if err != nil {
		return nil, err
	}
	updated, err := decodeJSON[Lead](data)
	if err != nil {
		return nil, err
	}
	return *updated, nil
}

// LogInteraction records a call, visit or note against a lead.
func (l *LeadsClient) LogInteraction(ctx context.Context, id int64, interaction map[string]any) (map[string]any, error) {
	payload := make(map[string]any, len(interaction)+2)
	for k, v := range interaction {
		payload[k] = v
	}
	payload["content_type"] = "leads"
	payload["object_id"] = id
	data, err := l.c.call(ctx, http.MethodPost, "interactions/", payload, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[map[string]any](data)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func leadPath(id int64) string {
	return "leads/" + strconv.FormatInt(id, 10) + "/"
}

// DashboardClient reads the role-specific dashboard.
type DashboardClient struct{ c *Client }

func (d *DashboardClient) Get(ctx context.Context) (map[string]any, error) {
	data, err := d.c.call(ctx, http.MethodGet, "dashboard/", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[map[string]any](data)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// StudentsClient reads enrolled students.
type StudentsClient struct{ c *Client }

func (s *StudentsClient) List(ctx context.Context, filters Filters) ([]map[string]any, error) {
	data, err := s.c.call(ctx, http.MethodGet, "students/", nil, filters)
	if err != nil {
		return nil, err
	}
	return decodeList[map[string]any](data)
}

func (s *StudentsClient) Get(ctx context.Context, id int64) (map[string]any, error) {
	data, err := s.c.call(ctx, http.MethodGet, "students/"+strconv.FormatInt(id, 10)+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[map[string]any](data)
	if err != nil {
		return nil, err
	}
	return *res, nil
}
