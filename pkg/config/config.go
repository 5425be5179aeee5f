// Package config loads the sidecar's environment-derived settings via
// struct tags, following the same caarlos0/env pattern this corpus uses
// elsewhere, and merges them with the CLI flags parsed by pkg/cmd into one
// immutable Config captured once at startup (spec §9: no further env reads
// after bootstrap except in diagnostics mode).
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Env holds every setting spec §6 documents as an environment variable.
type Env struct {
	KubeConfig string `env:"KUBECONFIG"`

	BaseURL              string `env:"BASE_URL"`
	TokenAPIEndpoint     string `env:"TOKEN_API_ENDPOINT"`
	AppStatusAPIEndpoint string `env:"APP_STATUS_API_ENDPOINT"`

	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`

	Debug               bool   `env:"DEBUG"`
	TLSSSLVerification  string `env:"TLS_SSL_VERIFICATION" envDefault:"true"`

	AppURLDNSMode    string `env:"APP_URL_DNS_MODE" envDefault:"short"`
	AppURLDNSSuffix  string `env:"APP_URL_DNS_SUFFIX"`
	AppURLPort       string `env:"APP_URL_PORT" envDefault:"80"`
	AppURLScheme     string `env:"APP_URL_SCHEME" envDefault:"http"`

	ShinyProxyServiceSuffix string `env:"SHINYPROXY_SERVICE_SUFFIX" envDefault:"shinyproxyapp"`
	ShinyProxyPathPrefix    string `env:"SHINYPROXY_PATH_PREFIX" envDefault:"/app"`

	AppProbeStatuses      []string `env:"APP_PROBE_STATUSES" envSeparator:","`
	AppProbeApps          []string `env:"APP_PROBE_APPS" envSeparator:"," envDefault:"shiny,shiny-proxy"`
	AppProbeNxdomainConfirm int    `env:"APP_PROBE_NXDOMAIN_CONFIRM" envDefault:"2"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// CLI holds the flag-derived, per-invocation settings (spec §6's CLI table).
// These are never read from the environment.
type CLI struct {
	Namespace     string
	LabelSelector string
	Mode          string

	ProbeURL            string
	ProbeInsecure        bool
	ProbeConnectTimeout string
	ProbeReadTimeout    string
}

// Config is the immutable, fully-resolved configuration the coordinator
// runs with.
type Config struct {
	Env Env
	CLI CLI
}

// Load reads Env from the process environment. CLI fields are populated
// separately by the cobra command and merged by the caller.
func Load() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("config: parsing environment: %w", err)
	}
	return e, nil
}

// Validate enforces the minimal invariants the coordinator depends on
// before it will attempt to start.
func (c Config) Validate() error {
	var errs []string

	if c.Env.BaseURL == "" {
		errs = append(errs, "BASE_URL must be set")
	}
	if c.CLI.Namespace == "" {
		errs = append(errs, "--namespace must not be empty")
	}
	switch c.CLI.Mode {
	case "", "normal", "diagnostics":
	case "probetest":
		if c.CLI.ProbeURL == "" {
			errs = append(errs, "--probe-url is required when --mode=probetest")
		}
	default:
		errs = append(errs, fmt.Sprintf("--mode %q is not one of normal|diagnostics|probetest", c.CLI.Mode))
	}
	if n := c.Env.AppProbeNxdomainConfirm; n < 1 {
		errs = append(errs, "APP_PROBE_NXDOMAIN_CONFIRM must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TokenEndpoint resolves TOKEN_API_ENDPOINT, defaulting relative to BaseURL.
func (c Config) TokenEndpoint() string {
	if c.Env.TokenAPIEndpoint != "" {
		return c.Env.TokenAPIEndpoint
	}
	return strings.TrimRight(c.Env.BaseURL, "/") + "/api/v1/token-auth/"
}

// AppStatusEndpoint resolves APP_STATUS_API_ENDPOINT, defaulting relative to
// BaseURL.
func (c Config) AppStatusEndpoint() string {
	if c.Env.AppStatusAPIEndpoint != "" {
		return c.Env.AppStatusAPIEndpoint
	}
	return strings.TrimRight(c.Env.BaseURL, "/") + "/api/v1/app-status/"
}

// PingEndpoint is the fixed health-check path under BaseURL.
func (c Config) PingEndpoint() string {
	return strings.TrimRight(c.Env.BaseURL, "/") + "/openapi/v1/are-you-there"
}

// InsecureSkipVerify interprets TLS_SSL_VERIFICATION's truthy/falsy/path
// forms. A CA file path is treated as "verification enabled" here; loading
// a custom CA pool is a transport-construction concern, not a config one.
func (c Config) InsecureSkipVerify() bool {
	v := strings.ToLower(strings.TrimSpace(c.Env.TLSSSLVerification))
	switch v {
	case "false", "0", "off", "no":
		return true
	case "true", "1", "on", "yes", "":
		return false
	default:
		// Anything else is treated as a CA bundle path: verification stays on.
		return false
	}
}

// ProbeStatusSet lowercases AppProbeStatuses into a set for the egress
// queue's gating check. "none"/"off" (or an empty list) disables probing.
func (c Config) ProbeStatusSet() map[string]bool {
	set := make(map[string]bool, len(c.Env.AppProbeStatuses))
	for _, s := range c.Env.AppProbeStatuses {
		lc := strings.ToLower(strings.TrimSpace(s))
		if lc == "" || lc == "none" || lc == "off" {
			continue
		}
		set[lc] = true
	}
	return set
}

// String renders the config as JSON for --mode=diagnostics, redacting the
// password.
func (c Config) String() string {
	redacted := c
	if redacted.Env.Password != "" {
		redacted.Env.Password = "***"
	}
	b, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: failed to marshal: %v", err)
	}
	return string(b)
}
