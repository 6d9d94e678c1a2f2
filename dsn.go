package databend

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PresignMode controls whether stage uploads go through presigned object
// storage URLs or stream through the query endpoint.
type PresignMode int

const (
	// PresignAuto resolves to PresignOn for managed cloud hostnames and
	// PresignOff otherwise.
	PresignAuto PresignMode = iota
	// PresignDetect probes the server with a presign statement at first use
	// and falls back to PresignOff on any error.
	PresignDetect
	// PresignOn always uses presigned URLs.
	PresignOn
	// PresignOff always streams through the query endpoint.
	PresignOff
)

// String returns the DSN spelling of the presign mode.
func (m PresignMode) String() string {
	switch m {
	case PresignAuto:
		return "auto"
	case PresignDetect:
		return "detect"
	case PresignOn:
		return "on"
	case PresignOff:
		return "off"
	}
	return fmt.Sprintf("PresignMode(%d)", int(m))
}

const (
	defaultConnectTimeout     = 10 * time.Second
	defaultPageRequestTimeout = 30 * time.Second
)

// PaginationConfig carries the pagination hints forwarded on the initial
// query request only. Nil fields are omitted from the wire.
type PaginationConfig struct {
	WaitTimeSecs    *int64 `json:"wait_time_secs,omitempty"`
	MaxRowsInBuffer *int64 `json:"max_rows_in_buffer,omitempty"`
	MaxRowsPerPage  *int64 `json:"max_rows_per_page,omitempty"`
}

// Config holds the parsed DSN parameters for one logical connection.
type Config struct {
	Scheme   string // "http" or "https", selected by sslmode
	Host     string
	Port     string
	User     string
	Password string

	// AccessToken and AccessTokenFile override basic auth when set.
	AccessToken     string
	AccessTokenFile string

	Database  string
	Tenant    string
	Warehouse string
	Role      string

	Pagination PaginationConfig

	// ConnectTimeout applies to login and refresh calls; PageRequestTimeout
	// applies to page fetches. Initial query submission has no hard timeout.
	ConnectTimeout     time.Duration
	PageRequestTimeout time.Duration

	Presign   PresignMode
	TLSCAFile string

	// DisableLogin skips the login handshake entirely (legacy servers).
	DisableLogin bool
	// EnableSessionToken selects session-token bearer auth per request.
	EnableSessionToken bool

	// Settings holds unrecognized DSN parameters, folded into the initial
	// session settings map as a forward-compatible passthrough.
	Settings map[string]string
}

// ParseDSN parses a Databend DSN string.
//
// Format: databend://[user[:password]@]host[:port][/database][?key=value&...]
//
// sslmode=disable selects plain HTTP (default port 80); otherwise HTTPS
// (default port 443). Unrecognized query parameters become session settings.
// An unknown value for a recognized enum parameter is a BadArgument error,
// detected before any network call.
func ParseDSN(dsn string) (*Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, wrapError(KindBadArgument, err, "invalid DSN")
	}

	if u.Scheme != "databend" {
		return nil, newError(KindBadArgument, "unsupported scheme %q: must be databend", u.Scheme)
	}

	cfg := &Config{
		Scheme:             "https",
		ConnectTimeout:     defaultConnectTimeout,
		PageRequestTimeout: defaultPageRequestTimeout,
		EnableSessionToken: true,
		Settings:           make(map[string]string),
	}

	if u.User != nil {
		cfg.User = u.User.Username()
		if p, ok := u.User.Password(); ok {
			cfg.Password = p
		}
	}

	cfg.Host = u.Hostname()
	if cfg.Host == "" {
		return nil, newError(KindBadArgument, "missing host in DSN")
	}

	cfg.Database = strings.TrimPrefix(u.Path, "/")

	for key, values := range u.Query() {
		val := values[0]
		switch key {
		case "sslmode":
			switch val {
			case "disable":
				cfg.Scheme = "http"
			case "enable":
				cfg.Scheme = "https"
			default:
				return nil, newError(KindBadArgument, "invalid sslmode %q: must be enable or disable", val)
			}
		case "access_token":
			cfg.AccessToken = val
		case "access_token_file":
			cfg.AccessTokenFile = val
		case "tenant":
			cfg.Tenant = val
		case "warehouse":
			cfg.Warehouse = val
		case "role":
			cfg.Role = val
		case "tls_ca_file":
			cfg.TLSCAFile = val
		case "wait_time_secs":
			cfg.Pagination.WaitTimeSecs, err = parseIntParam(key, val)
		case "max_rows_in_buffer":
			cfg.Pagination.MaxRowsInBuffer, err = parseIntParam(key, val)
		case "max_rows_per_page":
			cfg.Pagination.MaxRowsPerPage, err = parseIntParam(key, val)
		case "connect_timeout":
			cfg.ConnectTimeout, err = parseSecsParam(key, val)
		case "page_request_timeout_secs":
			cfg.PageRequestTimeout, err = parseSecsParam(key, val)
		case "presign":
			switch val {
			case "auto":
				cfg.Presign = PresignAuto
			case "detect":
				cfg.Presign = PresignDetect
			case "on":
				cfg.Presign = PresignOn
			case "off":
				cfg.Presign = PresignOff
			default:
				return nil, newError(KindBadArgument, "invalid presign mode %q: must be auto, detect, on or off", val)
			}
		case "login":
			switch val {
			case "enable":
				cfg.DisableLogin = false
			case "disable":
				cfg.DisableLogin = true
			default:
				return nil, newError(KindBadArgument, "invalid login %q: must be enable or disable", val)
			}
		case "session_token":
			switch val {
			case "enable":
				cfg.EnableSessionToken = true
			case "disable":
				cfg.EnableSessionToken = false
			default:
				return nil, newError(KindBadArgument, "invalid session_token %q: must be enable or disable", val)
			}
		default:
			cfg.Settings[key] = val
		}
		if err != nil {
			return nil, err
		}
	}

	cfg.Port = u.Port()
	if cfg.Port == "" {
		if cfg.Scheme == "http" {
			cfg.Port = "80"
		} else {
			cfg.Port = "443"
		}
	}

	return cfg, nil
}

func parseIntParam(key, val string) (*int64, error) {
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, wrapError(KindBadArgument, err, "invalid %s %q", key, val)
	}
	return &n, nil
}

func parseSecsParam(key, val string) (time.Duration, error) {
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, wrapError(KindBadArgument, err, "invalid %s %q", key, val)
	}
	return time.Duration(n) * time.Second, nil
}

// serverURL returns the base URL for the server.
func (cfg *Config) serverURL() string {
	return fmt.Sprintf("%s://%s:%s", cfg.Scheme, cfg.Host, cfg.Port)
}

// resolvePresign maps PresignAuto to a concrete mode based on the hostname.
// PresignDetect is resolved lazily at first stage operation.
func (cfg *Config) resolvePresign() PresignMode {
	if cfg.Presign != PresignAuto {
		return cfg.Presign
	}
	if strings.HasSuffix(cfg.Host, ".databend.com") || strings.HasSuffix(cfg.Host, ".databend.cn") {
		return PresignOn
	}
	return PresignOff
}
