package databend

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Databend protocol headers
const (
	QueryIDHeader    = "X-DATABEND-QUERY-ID"
	TenantHeader     = "X-DATABEND-TENANT"
	WarehouseHeader  = "X-DATABEND-WAREHOUSE"
	StickyNodeHeader = "X-DATABEND-STICKY-NODE"
	RouteHintHeader  = "X-DATABEND-ROUTE-HINT"
	StageNameHeader  = "X-DATABEND-STAGE-NAME"
)

const (
	queryPath     = "/v1/query"
	loginPath     = "/v1/session/login"
	refreshPath   = "/v1/session/refresh"
	logoutPath    = "/v1/session/logout"
	heartbeatPath = "/v1/session/heartbeat"
	uploadPath    = "/v1/upload_to_stage"

	maxRetryAttempts = 3
	retryBaseDelay   = 10 * time.Second

	// trackedQueriesPerNode bounds the per-node query-id history replayed in
	// heartbeats.
	trackedQueriesPerNode = 16
)

// requestClass selects per-call retry and auth behavior in the shared retry
// helper.
type requestClass int

const (
	classLogin requestClass = iota
	classRefresh
	classQuery
	classPage
	classKill
	classUpload
	classLogout
	classHeartbeat
)

// retries503 reports whether HTTP 503 ("server still starting") is retried
// for this class. Login does not retry it, so a down server fails fast at
// construction; query, page and refresh calls wait it out.
func (c requestClass) retries503() bool {
	return c == classQuery || c == classPage || c == classRefresh
}

// sessionTokens is the session-token credential set captured at login and
// replaced wholesale on each successful refresh.
type sessionTokens struct {
	sessionToken string
	refreshToken string
	ttl          time.Duration
	acquiredAt   time.Time
}

// expired reports whether the session token's age exceeds its TTL.
func (t *sessionTokens) expired(now time.Time) bool {
	return t.ttl > 0 && now.After(t.acquiredAt.Add(t.ttl))
}

// Client is the single authenticated, retrying, session-aware gateway to the
// query-submission and page-fetch endpoints of one logical connection.
//
// A Client is safe for concurrent use, but page fetches for one query must
// stay sequential: the next_uri chain is strictly ordered.
type Client struct {
	cfg        *Config
	httpClient *http.Client
	baseURL    *url.URL
	auth       Authenticator
	presign    PresignMode

	routeGen routeHintGenerator

	// retryBase is the jittered backoff base between attempts. Tests shrink it.
	retryBase time.Duration

	closed atomic.Bool

	// mu guards the mutable connection state below. It is never held across
	// a network call; state moves copy-in/copy-out under the lock.
	mu            sync.Mutex
	session       *SessionState
	warehouse     string
	routeHint     string
	nodeID        string
	tokens        *sessionTokens
	serverVersion string
	sessionID     string
	// nodeQueries maps backend node ids to recently issued query ids,
	// replayed in keep-alive heartbeats.
	nodeQueries map[string][]string
}

// NewClient parses the DSN, configures transport and credentials, and
// performs the login handshake unless the DSN disables it. Construction
// fails fast on malformed DSNs without any network call.
func NewClient(ctx context.Context, dsn string) (*Client, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return newClient(ctx, cfg)
}

func newClient(ctx context.Context, cfg *Config) (*Client, error) {
	auth, err := authFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, wrapError(KindIO, err, "read tls_ca_file %s", cfg.TLSCAFile)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, newError(KindBadArgument, "tls_ca_file %s contains no certificates", cfg.TLSCAFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	baseURL, err := url.Parse(cfg.serverURL())
	if err != nil {
		return nil, wrapError(KindBadArgument, err, "invalid server URL")
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Jar:       newNameJar(),
		},
		baseURL:     baseURL,
		auth:        auth,
		presign:     cfg.resolvePresign(),
		retryBase:   retryBaseDelay,
		warehouse:   cfg.Warehouse,
		nodeQueries: make(map[string][]string),
	}
	c.routeHint = c.routeGen.next()

	c.session = &SessionState{
		Database: cfg.Database,
		Role:     cfg.Role,
	}
	if len(cfg.Settings) > 0 {
		c.session.Settings = make(map[string]string, len(cfg.Settings))
		for k, v := range cfg.Settings {
			c.session.Settings[k] = v
		}
	}

	if err := c.login(ctx); err != nil {
		return nil, err
	}

	// Forgetting Close leaks the server-side session. Not fatal, but worth
	// flagging.
	runtime.SetFinalizer(c, func(c *Client) {
		if !c.closed.Load() {
			log.Warn().Str("host", c.cfg.Host).Msg("databend: client dropped without Close")
		}
	})

	return c, nil
}

// ServerVersion returns the version string reported at login, if any.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// SessionState returns a copy of the current cached session record.
func (c *Client) SessionState() *SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone()
}

// --- Request building ---

// newRequest builds an HTTP request against the server base URL. urlStr may
// be a path or an absolute URL (as next_uri links are). A JSON body is
// buffered so retries can replay it.
func (c *Client) newRequest(method, urlStr string, body any) (*http.Request, error) {
	u, err := c.baseURL.Parse(urlStr)
	if err != nil {
		return nil, wrapError(KindBadArgument, err, "invalid request URL %q", urlStr)
	}

	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, wrapError(KindBadArgument, err, "encode request body")
		}
		reader = buf
	}

	req, err := http.NewRequest(method, u.String(), reader)
	if err != nil {
		return nil, wrapError(KindBadArgument, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// applyHeaders injects the per-query protocol headers, including the sticky
// node replay when the server asked for it.
func (c *Client) applyHeaders(req *http.Request, queryID string) {
	c.mu.Lock()
	warehouse := c.warehouse
	routeHint := c.routeHint
	nodeID := c.nodeID
	sticky := c.session != nil && c.session.NeedSticky
	c.mu.Unlock()

	if queryID != "" {
		req.Header.Set(QueryIDHeader, queryID)
	}
	if c.cfg.Tenant != "" {
		req.Header.Set(TenantHeader, c.cfg.Tenant)
	}
	if warehouse != "" {
		req.Header.Set(WarehouseHeader, warehouse)
	}
	if routeHint != "" {
		req.Header.Set(RouteHintHeader, routeHint)
	}
	if sticky && nodeID != "" {
		req.Header.Set(StickyNodeHeader, nodeID)
	}
}

// applyAuth sets the Authorization header for the given request class.
// Refresh calls authenticate with the refresh token; everything else uses
// the session token when that mode is active, falling back to the
// configured credential strategy.
func (c *Client) applyAuth(req *http.Request, class requestClass) error {
	if class == classRefresh {
		c.mu.Lock()
		tokens := c.tokens
		c.mu.Unlock()
		if tokens == nil {
			return newError(KindAuthFailure, "no refresh token available")
		}
		req.Header.Set("Authorization", "Bearer "+tokens.refreshToken)
		return nil
	}
	if class != classLogin && c.cfg.EnableSessionToken {
		c.mu.Lock()
		tokens := c.tokens
		c.mu.Unlock()
		if tokens != nil {
			req.Header.Set("Authorization", "Bearer "+tokens.sessionToken)
			return nil
		}
	}
	return c.auth.Apply(req)
}

// --- Retry protocol ---

// do executes req with the shared retry protocol: transport errors and
// (class-dependent) 503s are retried up to the attempt budget with jittered
// backoff; a 401 gets at most one token refresh or one credential reload,
// neither consuming the generic budget; other non-200 responses surface
// immediately as structured or raw errors. On 200 the body is decoded into v.
func (c *Client) do(ctx context.Context, req *http.Request, v any, class requestClass) (*http.Response, error) {
	req = req.WithContext(ctx)

	// Buffer the request body so it can be replayed on retries.
	if req.Body != nil && req.GetBody == nil {
		bodyBytes, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, wrapError(KindRequest, err, "read request body")
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyBytes)), nil
		}
	}

	attempts := 0
	refreshed := false
	reloaded := false

	for {
		if err := c.applyAuth(req, class); err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if !isRetryableNetError(err) {
				return nil, wrapError(KindRequest, err, "request failed")
			}
			attempts++
			if attempts >= maxRetryAttempts {
				return nil, wrapError(KindRequest, err, "request failed after %d attempts", attempts)
			}
			log.Debug().Err(err).Int("attempt", attempts).Msg("retrying on connection error")
			if err := c.rewind(req); err != nil {
				return nil, err
			}
			if err := c.backoff(ctx); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			if err := decodeBody(resp, v); err != nil {
				return resp, err
			}
			return resp, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusServiceUnavailable && class.retries503():
			attempts++
			if attempts >= maxRetryAttempts {
				return resp, &Error{
					Kind:    KindResponse,
					Message: fmt.Sprintf("server unavailable after %d attempts: %s", attempts, string(body)),
					Status:  resp.StatusCode,
				}
			}
			log.Debug().Int("attempt", attempts).Msg("server unavailable, retrying")
			if err := c.rewind(req); err != nil {
				return resp, err
			}
			if err := c.backoff(ctx); err != nil {
				return resp, err
			}
			continue

		case resp.StatusCode == http.StatusUnauthorized:
			se := decodeServerError(body)

			// A refresh-eligible 401 gets exactly one refresh round trip.
			// The failure counter resets, but a second 401 is final.
			if class != classRefresh && class != classLogin && !refreshed &&
				c.sessionTokenActive() && se != nil && se.refreshEligible() {
				if err := c.refreshSessionToken(ctx); err != nil {
					return resp, err
				}
				refreshed = true
				attempts = 0
				req.Header.Del("Authorization")
				if err := c.rewind(req); err != nil {
					return resp, err
				}
				continue
			}

			// Reloadable credentials (token-from-file) get one re-read.
			if class != classRefresh && !reloaded && c.auth.CanReload() {
				if err := c.auth.Reload(); err != nil {
					return resp, err
				}
				reloaded = true
				req.Header.Del("Authorization")
				if err := c.rewind(req); err != nil {
					return resp, err
				}
				continue
			}

			e := &Error{Kind: KindAuthFailure, Message: "authentication failed", Status: resp.StatusCode}
			if se != nil {
				e.cause = se
			} else {
				e.Message = fmt.Sprintf("authentication failed: %s", string(body))
			}
			return resp, e

		case resp.StatusCode == http.StatusNotFound && class == classPage:
			// Session expiry, rerouting and server restart all look like
			// this; the protocol gives no way to tell them apart.
			return resp, &Error{
				Kind:    KindQueryNotFound,
				Message: "query not found: expired, rerouted or server restarted",
				Status:  resp.StatusCode,
			}

		default:
			if se := decodeServerError(body); se != nil {
				return resp, &Error{
					Kind:    KindLogic,
					Message: "server rejected request",
					Status:  resp.StatusCode,
					cause:   se,
				}
			}
			return resp, &Error{
				Kind:    KindResponse,
				Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)),
				Status:  resp.StatusCode,
			}
		}
	}
}

// rewind restores the request body for the next attempt.
func (c *Client) rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return wrapError(KindRequest, err, "rewind request body")
	}
	req.Body = body
	return nil
}

// backoff sleeps for a jittered interval around the retry base, honoring
// context cancellation.
func (c *Client) backoff(ctx context.Context) error {
	delay := c.retryBase/2 + rand.N(c.retryBase)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return wrapError(KindRequest, ctx.Err(), "canceled during retry backoff")
	case <-timer.C:
		return nil
	}
}

// isRetryableNetError returns true for transient network errors that warrant
// a retry (connection refused, DNS failures, connection reset, network
// timeouts). Context cancellation and deadline exceeded are not retried.
func isRetryableNetError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// decodeBody decodes a 200 response body into v.
func decodeBody(resp *http.Response, v any) (err error) {
	defer func() {
		closeErr := resp.Body.Close()
		if err == nil && closeErr != nil {
			err = wrapError(KindRequest, closeErr, "close response body")
		}
	}()
	if v == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return wrapError(KindDecode, err, "decode response body")
	}
	return nil
}

// decodeServerError extracts a structured error object from a non-200 body.
// Both the {"error": {...}} envelope and a bare error object are accepted.
// Returns nil if the body carries no structured code.
func decodeServerError(body []byte) *ServerError {
	var envelope struct {
		Error *ServerError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Code != 0 {
		return envelope.Error
	}
	var bare ServerError
	if err := json.Unmarshal(body, &bare); err == nil && bare.Code != 0 {
		return &bare
	}
	return nil
}

// --- Session state propagation ---

// adoptResponse replaces the cached session state wholesale with the copy
// the server returned, caches the sticky node id, and picks up a warehouse
// change from the settings map for header injection.
func (c *Client) adoptResponse(resp *QueryResponse, header http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.Session != nil {
		c.session = resp.Session.clone()
		if wh, ok := resp.Session.Settings["warehouse"]; ok {
			c.warehouse = wh
		}
	}
	if resp.NodeID != "" {
		c.nodeID = resp.NodeID
	}
	if resp.SessionID != "" {
		c.sessionID = resp.SessionID
	}
	// The server may pin the hint explicitly; it overrides ours wholesale.
	if hint := header.Get(RouteHintHeader); hint != "" {
		c.routeHint = hint
	}
}

// trackQuery records a query id against its backend node for heartbeats.
func (c *Client) trackQuery(nodeID, queryID string) {
	if nodeID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := append(c.nodeQueries[nodeID], queryID)
	if len(ids) > trackedQueriesPerNode {
		ids = ids[len(ids)-trackedQueriesPerNode:]
	}
	c.nodeQueries[nodeID] = ids
}

// --- Query operations ---

// StartQuery submits sql and returns a page stream seeded with the first
// page. Progress-only pages are skipped during iteration; use
// StartQueryWithProgress to observe them.
func (c *Client) StartQuery(ctx context.Context, sql string) (*Pages, error) {
	return c.startQuery(ctx, sql, nil, false)
}

// StartQueryWithProgress is StartQuery for progress-aware consumers: pages
// that carry only progress counters are surfaced instead of skipped.
func (c *Client) StartQueryWithProgress(ctx context.Context, sql string) (*Pages, error) {
	return c.startQuery(ctx, sql, nil, true)
}

func (c *Client) startQuery(ctx context.Context, sql string, attach *StageAttachment, needProgress bool) (*Pages, error) {
	queryID := uuid.NewString()

	c.mu.Lock()
	if !c.session.inActiveTxn() {
		c.routeHint = c.routeGen.next()
	}
	session := c.session.clone()
	c.mu.Unlock()

	body := &QueryRequest{
		SQL:             sql,
		Session:         session,
		Pagination:      &c.cfg.Pagination,
		StageAttachment: attach,
	}

	req, err := c.newRequest(http.MethodPost, queryPath, body)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, queryID)

	// No hard timeout: long-running query starts are expected. The 503
	// retry loop still applies.
	result := new(QueryResponse)
	resp, err := c.do(ctx, req, result, classQuery)
	if err != nil {
		return nil, withContext(err, http.MethodPost, req.URL.String())
	}

	c.adoptResponse(result, resp.Header)
	c.trackQuery(result.NodeID, queryID)

	if result.Error != nil {
		return nil, &Error{
			Kind:    KindQueryFailed,
			Message: fmt.Sprintf("query %s failed", result.ID),
			cause:   result.Error,
		}
	}

	return newPages(c, queryID, result, needProgress), nil
}

// QueryPage fetches the next page of a running query. Page fetches send no
// session body (the query id carries it implicitly) but adopt the session
// state every response returns. A 404 here maps to QueryNotFound.
func (c *Client) QueryPage(ctx context.Context, queryID, nextURI, nodeID string) (*QueryResponse, error) {
	req, err := c.newRequest(http.MethodGet, nextURI, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, queryID)
	if nodeID != "" {
		req.Header.Set(StickyNodeHeader, nodeID)
	}

	if c.cfg.PageRequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PageRequestTimeout)
		defer cancel()
	}

	result := new(QueryResponse)
	resp, err := c.do(ctx, req, result, classPage)
	if err != nil {
		return nil, withContext(err, http.MethodGet, req.URL.String())
	}

	c.adoptResponse(result, resp.Header)

	if result.Error != nil {
		return nil, &Error{
			Kind:    KindQueryFailed,
			Message: fmt.Sprintf("query %s failed", result.ID),
			cause:   result.Error,
		}
	}
	return result, nil
}

// KillQuery issues a best-effort kill for the query. Any status other than
// 200 is reported as an error without retry; an in-flight fetch is not
// aborted locally and must still be driven to completion by its owner.
func (c *Client) KillQuery(ctx context.Context, queryID string) error {
	req, err := c.newRequest(http.MethodPost, fmt.Sprintf("%s/%s/kill", queryPath, queryID), nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req, queryID)

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	resp, err := c.do(ctx, req, nil, classKill)
	if err != nil {
		return withContext(err, http.MethodPost, req.URL.String())
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{
			Kind:    KindResponse,
			Message: fmt.Sprintf("kill query %s", queryID),
			Status:  resp.StatusCode,
		}
	}
	return nil
}

// --- Login / refresh / logout ---

// login performs the one-time handshake. A 404 means the server predates the
// login endpoint; that silently succeeds with no session established.
func (c *Client) login(ctx context.Context) error {
	if c.cfg.DisableLogin {
		return nil
	}

	c.mu.Lock()
	body := &LoginRequest{
		Database: c.session.Database,
		Role:     c.session.Role,
		Settings: c.session.Settings,
	}
	c.mu.Unlock()

	req, err := c.newRequest(http.MethodPost, loginPath, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req, "")

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	result := new(LoginResponse)
	if _, err := c.do(ctx, req, result, classLogin); err != nil {
		var e *Error
		if errors.As(err, &e) && e.Status == http.StatusNotFound {
			log.Debug().Msg("login endpoint not found, assuming legacy server")
			return nil
		}
		return withContext(err, http.MethodPost, req.URL.String())
	}

	if result.Error != nil {
		return &Error{Kind: KindAuthFailure, Message: "login failed", cause: result.Error}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverVersion = result.Version
	c.sessionID = result.SessionID
	if c.cfg.EnableSessionToken && result.SessionToken != "" {
		c.tokens = &sessionTokens{
			sessionToken: result.SessionToken,
			refreshToken: result.RefreshToken,
			ttl:          time.Duration(result.SessionTokenValidityInSec) * time.Second,
			acquiredAt:   time.Now(),
		}
	}
	return nil
}

// sessionTokenActive reports whether session-token bearer auth is in use.
func (c *Client) sessionTokenActive() bool {
	if !c.cfg.EnableSessionToken {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens != nil
}

// refreshSessionToken runs the refresh sub-protocol: a small retry loop that
// POSTs the refresh token and atomically swaps in the new token pair.
func (c *Client) refreshSessionToken(ctx context.Context) error {
	c.mu.Lock()
	tokens := c.tokens
	c.mu.Unlock()
	if tokens == nil {
		return newError(KindAuthFailure, "no session token to refresh")
	}

	req, err := c.newRequest(http.MethodPost, refreshPath, &RefreshRequest{SessionToken: tokens.sessionToken})
	if err != nil {
		return err
	}
	c.applyHeaders(req, "")

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	result := new(LoginResponse)
	if _, err := c.do(ctx, req, result, classRefresh); err != nil {
		return withContext(err, http.MethodPost, req.URL.String())
	}
	if result.Error != nil {
		return &Error{Kind: KindAuthFailure, Message: "session token refresh failed", cause: result.Error}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = &sessionTokens{
		sessionToken: result.SessionToken,
		refreshToken: result.RefreshToken,
		ttl:          time.Duration(result.SessionTokenValidityInSec) * time.Second,
		acquiredAt:   time.Now(),
	}
	log.Debug().Msg("session token refreshed")
	return nil
}

// ensureFreshToken refreshes pre-emptively when the session token has
// outlived its TTL, avoiding a guaranteed 401 round trip on long-idle
// connections. Called before stage uploads and data-load requests.
func (c *Client) ensureFreshToken(ctx context.Context) error {
	c.mu.Lock()
	tokens := c.tokens
	c.mu.Unlock()
	if tokens == nil || !tokens.expired(time.Now()) {
		return nil
	}
	return c.refreshSessionToken(ctx)
}

// heartbeat issues one keep-alive call carrying the recent query ids per
// backend node. Used by the Heartbeater; failures are the caller's to log.
func (c *Client) heartbeat(ctx context.Context) error {
	c.mu.Lock()
	queries := make(map[string][]string, len(c.nodeQueries))
	for node, ids := range c.nodeQueries {
		queries[node] = append([]string(nil), ids...)
	}
	c.mu.Unlock()

	req, err := c.newRequest(http.MethodPost, heartbeatPath, &HeartbeatRequest{NodeToQueries: queries})
	if err != nil {
		return err
	}
	c.applyHeaders(req, "")

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	if _, err := c.do(ctx, req, nil, classHeartbeat); err != nil {
		return withContext(err, http.MethodPost, req.URL.String())
	}
	return nil
}

// needLogout reports whether Close must tell the server goodbye: session
// token auth holds server-side state, and so does a keep-alive session.
func (c *Client) needLogout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens != nil || (c.session != nil && c.session.NeedKeepAlive)
}

// Close logs out of the server-side session. It is idempotent; only the
// first call performs the logout.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(c, nil)

	if !c.needLogout() {
		return nil
	}

	ctx := context.Background()
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	req, err := c.newRequest(http.MethodPost, logoutPath, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req, "")

	if _, err := c.do(ctx, req, nil, classLogout); err != nil {
		return withContext(err, http.MethodPost, req.URL.String())
	}
	return nil
}
