package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Token Manager
// ============================================================================

// ExpiryPolicy decides what IsExpired reports for a credential whose expiry
// cannot be read (opaque tokens, JWTs without exp).
type ExpiryPolicy int

const (
	// DeferToServer reports such credentials as valid and leaves detection
	// to the gateway's 401 handling.
	DeferToServer ExpiryPolicy = iota
	// TreatAsExpired reports such credentials as expired.
	TreatAsExpired
)

func (p ExpiryPolicy) String() string {
	if p == TreatAsExpired {
		return "treat-as-expired"
	}
	return "defer-to-server"
}

// Refresher exchanges the current credential for a new one.
type Refresher interface {
	RefreshToken(ctx context.Context, token string) (string, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, token string) (string, error)

func (f RefresherFunc) RefreshToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// TokenOptions configures a TokenManager.
type TokenOptions struct {
	Policy         ExpiryPolicy
	Leeway         time.Duration
	RefreshTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
	Metrics        *Metrics
}

// TokenManager owns the credential and the user identity stored next to it.
// Reads are served from an in-memory mirror of the store so that Clear is
// observed as one step.
type TokenManager struct {
	store          *LocalStore
	refresher      Refresher
	policy         ExpiryPolicy
	leeway         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	metrics        *Metrics

	mu       sync.Mutex
	loaded   bool
	token    string
	identity *UserIdentity

	group singleflight.Group
}

// NewTokenManager creates a token manager over store.
func NewTokenManager(store *LocalStore, opts *TokenOptions) *TokenManager {
	t := &TokenManager{
		store:          store,
		refreshTimeout: 10 * time.Second,
		now:            time.Now,
		logger:         discardLogger(),
	}
	if opts != nil {
		t.policy = opts.Policy
		t.leeway = opts.Leeway
		if opts.RefreshTimeout > 0 {
			t.refreshTimeout = opts.RefreshTimeout
		}
		if opts.Now != nil {
			t.now = opts.Now
		}
		if opts.Logger != nil {
			t.logger = opts.Logger
		}
		t.metrics = opts.Metrics
	}
	return t
}

// SetRefresher sets the endpoint used by Refresh.
func (t *TokenManager) SetRefresher(r Refresher) {
	t.mu.Lock()
	t.refresher = r
	t.mu.Unlock()
}

// setDefaultRefresher installs r unless a refresher is already set.
func (t *TokenManager) setDefaultRefresher(r Refresher) {
	t.mu.Lock()
	if t.refresher == nil {
		t.refresher = r
	}
	t.mu.Unlock()
}

// Policy returns the configured expiry policy.
func (t *TokenManager) Policy() ExpiryPolicy { return t.policy }

// loadLocked fills the mirror from the store once. Caller holds t.mu.
func (t *TokenManager) loadLocked(ctx context.Context) {
	if t.loaded {
		return
	}
	t.loaded = true

	var token string
	if t.store.Get(ctx, KeyAuthToken, &token) {
		t.token = token
	}
	var role string
	var profile map[string]any
	hasRole := t.store.Get(ctx, KeyUserRole, &role)
	hasData := t.store.Get(ctx, KeyUserData, &profile)
	if hasRole || hasData {
		t.identity = &UserIdentity{Role: ParseRole(role), Profile: profile}
	}
}

// SaveCredential stores token as the active credential. It reports whether
// the credential was persisted; the in-process session keeps working either
// way.
func (t *TokenManager) SaveCredential(ctx context.Context, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked(ctx)
	t.token = token
	return t.store.Set(ctx, KeyAuthToken, token)
}

// Credential returns the active credential.
func (t *TokenManager) Credential(ctx context.Context) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked(ctx)
	return t.token, t.token != ""
}

// LoggedIn reports whether a credential is present.
func (t *TokenManager) LoggedIn(ctx context.Context) bool {
	_, ok := t.Credential(ctx)
	return ok
}

// SaveIdentity stores the signed-in user's role and profile.
func (t *TokenManager) SaveIdentity(ctx context.Context, id UserIdentity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked(ctx)
	if id.Profile == nil {
		id.Profile = map[string]any{}
	}
	t.identity = &id
	okRole := t.store.Set(ctx, KeyUserRole, string(id.Role))
	okData := t.store.Set(ctx, KeyUserData, id.Profile)
	return okRole && okData
}

// Identity returns the cached user identity.
func (t *TokenManager) Identity(ctx context.Context) (UserIdentity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadLocked(ctx)
	if t.identity == nil {
		return UserIdentity{}, false
	}
	return *t.identity, true
}

// Role returns the signed-in user's role, RoleUnset when unknown.
func (t *TokenManager) Role(ctx context.Context) Role {
	id, _ := t.Identity(ctx)
	return id.Role
}

// Clear removes the credential and the identity. Both disappear from reads
// at once; store removals that fail are retried once and logged.
func (t *TokenManager) Clear(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded = true
	t.token = ""
	t.identity = nil
	for _, key := range []string{KeyAuthToken, KeyUserRole, KeyUserData} {
		if t.store.Remove(ctx, key) {
			continue
		}
		if !t.store.Remove(ctx, key) {
			t.logger.Error("credential state not removed from store", "key", key)
		}
	}
}

// Expiry returns the exp claim of the credential when it is a JWT.
func (t *TokenManager) Expiry(ctx context.Context) (time.Time, bool) {
	token, ok := t.Credential(ctx)
	if !ok {
		return time.Time{}, false
	}
	return tokenExpiry(token)
}

// IsExpired reports whether the credential is missing or past its expiry.
// Credentials without a readable expiry follow the ExpiryPolicy.
func (t *TokenManager) IsExpired(ctx context.Context) bool {
	token, ok := t.Credential(ctx)
	if !ok {
		return true
	}
	exp, ok := tokenExpiry(token)
	if !ok {
		return t.policy == TreatAsExpired
	}
	return !t.now().Add(t.leeway).Before(exp)
}

// Refresh exchanges the current credential for a new one. On failure the
// stored state is left alone and false is returned; logging out is the
// caller's decision.
func (t *TokenManager) Refresh(ctx context.Context) bool {
	return t.refreshFrom(ctx, "") == nil
}

// refreshFrom refreshes unless the credential has already moved on from
// used, the token a failed request was sent with. Concurrent callers holding
// the same credential share one refresh call.
//
// When ctx ends first the flight keeps running and ctx.Err() is returned;
// the caller gave up, the refresh did not fail.
func (t *TokenManager) refreshFrom(ctx context.Context, used string) error {
	t.mu.Lock()
	t.loadLocked(ctx)
	current, refresher := t.token, t.refresher
	t.mu.Unlock()

	if current == "" {
		t.metrics.observeRefresh("skipped")
		return ErrNotLoggedIn
	}
	if refresher == nil {
		t.metrics.observeRefresh("skipped")
		return errors.New("no refresher configured")
	}
	if used != "" && used != current {
		t.metrics.observeRefresh("reused")
		return nil
	}

	ch := t.group.DoChan(current, func() (any, error) {
		// A flight for current may have finished between the read above and
		// this call.
		t.mu.Lock()
		latest := t.token
		t.mu.Unlock()
		if latest != current {
			if latest == "" {
				return nil, ErrNotLoggedIn
			}
			return latest, nil
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.refreshTimeout)
		defer cancel()
		next, err := refresher.RefreshToken(rctx, current)
		if err != nil {
			return nil, err
		}
		if next == "" {
			return nil, errors.New("refresh returned an empty token")
		}
		// A login during the flight wins over the refreshed token.
		if latest, ok := t.replace(rctx, current, next); !ok {
			if latest == "" {
				return nil, ErrNotLoggedIn
			}
			return latest, nil
		}
		return next, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			t.logger.Warn("token refresh failed", "error", res.Err)
			t.metrics.observeRefresh("failure")
			return res.Err
		}
		t.metrics.observeRefresh("success")
		return nil
	case <-ctx.Done():
		t.metrics.observeRefresh("cancelled")
		return ctx.Err()
	}
}

// replace swaps old for next unless the credential was cleared or replaced
// while the refresh was in flight. It returns the credential in force.
func (t *TokenManager) replace(ctx context.Context, old, next string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != old {
		return t.token, false
	}
	t.token = next
	if !t.store.Set(ctx, KeyAuthToken, next) {
		t.logger.Warn("refreshed credential kept in memory only")
	}
	return next, true
}

func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ============================================================================
// CSRF
// ============================================================================

// CSRFProvider supplies the CSRF token attached to state-changing requests.
type CSRFProvider interface {
	CSRFToken() string
}

// StaticCSRF is a fixed CSRF token.
type StaticCSRF string

func (s StaticCSRF) CSRFToken() string { return string(s) }

// CookieCSRF obtains the Django csrftoken cookie with one initialization
// request per session.
type CookieCSRF struct {
	initURL    string
	cookieName string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewCookieCSRF creates a provider that initializes from <origin>/csrf/.
func NewCookieCSRF(baseURL string, httpClient *http.Client) *CookieCSRF {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &CookieCSRF{
		initURL:    OriginNamespace(baseURL) + "/csrf/",
		cookieName: "csrftoken",
		httpClient: httpClient,
	}
}

// Init requests a fresh CSRF cookie.
func (c *CookieCSRF) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.initURL, nil)
	if err != nil {
		return fmt.Errorf("create csrf request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: csrf init: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("csrf init: HTTP %d", resp.StatusCode)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == c.cookieName && ck.Value != "" {
			c.mu.Lock()
			c.token = ck.Value
			c.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("csrf init: no %s cookie in response", c.cookieName)
}

func (c *CookieCSRF) CSRFToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}
