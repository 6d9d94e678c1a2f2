package databend

import (
	"net/http"
	"os"
	"strings"
	"sync"
)

// Authenticator applies credentials to outgoing requests. Implementations
// that can re-read their credential source (e.g. a token file rotated by an
// external agent) report CanReload true and get one reload-and-retry on a
// 401 before the failure is surfaced.
type Authenticator interface {
	// Apply sets the Authorization header on req.
	Apply(req *http.Request) error
	// CanReload reports whether Reload can refresh the credentials.
	CanReload() bool
	// Reload re-reads the credential source.
	Reload() error
}

// --- Basic auth ---

type basicAuth struct {
	user     string
	password string
}

// NewBasicAuth returns an Authenticator using HTTP basic auth.
func NewBasicAuth(user, password string) Authenticator {
	return &basicAuth{user: user, password: password}
}

func (a *basicAuth) Apply(req *http.Request) error {
	req.SetBasicAuth(a.user, a.password)
	return nil
}

func (a *basicAuth) CanReload() bool { return false }

func (a *basicAuth) Reload() error { return nil }

// --- Static bearer token ---

type accessTokenAuth struct {
	token string
}

// NewAccessTokenAuth returns an Authenticator using a fixed bearer token.
func NewAccessTokenAuth(token string) Authenticator {
	return &accessTokenAuth{token: token}
}

func (a *accessTokenAuth) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}

func (a *accessTokenAuth) CanReload() bool { return false }

func (a *accessTokenAuth) Reload() error { return nil }

// --- Bearer token read from a file ---

type accessTokenFileAuth struct {
	path string

	mu    sync.Mutex
	token string
}

// NewAccessTokenFileAuth returns a reloadable Authenticator that reads a
// bearer token from path. The file is read eagerly so a missing file fails
// before any network call.
func NewAccessTokenFileAuth(path string) (Authenticator, error) {
	a := &accessTokenFileAuth{path: path}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *accessTokenFileAuth) Apply(req *http.Request) error {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *accessTokenFileAuth) CanReload() bool { return true }

func (a *accessTokenFileAuth) Reload() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return wrapError(KindIO, err, "read access token file %s", a.path)
	}
	a.mu.Lock()
	a.token = strings.TrimSpace(string(data))
	a.mu.Unlock()
	return nil
}

// authFromConfig selects the credential strategy for a parsed DSN.
// Token parameters take precedence over userinfo basic auth.
func authFromConfig(cfg *Config) (Authenticator, error) {
	if cfg.AccessTokenFile != "" {
		return NewAccessTokenFileAuth(cfg.AccessTokenFile)
	}
	if cfg.AccessToken != "" {
		return NewAccessTokenAuth(cfg.AccessToken), nil
	}
	return NewBasicAuth(cfg.User, cfg.Password), nil
}
