// Package appurl computes the cluster-internal URL of a workload from its
// reduced status record, for the app types that expose one.
package appurl

import (
	"fmt"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/statusrecord"
)

// DNSMode selects how the host portion of a resolved URL is built.
type DNSMode string

const (
	DNSModeShort DNSMode = "short"
	DNSModeFQDN  DNSMode = "fqdn"
)

// Config carries the env-derived knobs that parameterize URL construction.
// Zero values fall back to the defaults spec'd for each field.
type Config struct {
	DNSMode       DNSMode
	DNSSuffix     string
	Port          string
	Scheme        string
	ServiceSuffix string
	PathPrefix    string
}

func (c Config) withDefaults() Config {
	if c.DNSMode == "" {
		c.DNSMode = DNSModeShort
	}
	if c.Port == "" {
		c.Port = "80"
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.ServiceSuffix == "" {
		c.ServiceSuffix = "shinyproxyapp"
	}
	if c.PathPrefix == "" {
		c.PathPrefix = "/app"
	}
	return c
}

// Resolve computes the app URL for a record. It returns false when the
// record's app type does not expose a resolvable URL.
func Resolve(rec statusrecord.StatusRecord, namespace string, cfg Config) (string, bool) {
	if rec.AppType != statusrecord.AppShinyProxy {
		return "", false
	}
	if rec.Release == "" || namespace == "" {
		return "", false
	}

	cfg = cfg.withDefaults()

	service := fmt.Sprintf("%s-%s", rec.Release, cfg.ServiceSuffix)
	host := hostFor(service, namespace, cfg)
	path := fmt.Sprintf("%s/%s/", cfg.PathPrefix, rec.Release)

	port := ""
	if cfg.Port != "" && cfg.Port != "80" {
		port = ":" + cfg.Port
	}

	return fmt.Sprintf("%s://%s%s%s", cfg.Scheme, host, port, path), true
}

func hostFor(service, namespace string, cfg Config) string {
	switch {
	case cfg.DNSMode == DNSModeFQDN:
		return fmt.Sprintf("%s.%s.svc.cluster.local", service, namespace)
	case cfg.DNSSuffix != "":
		return fmt.Sprintf("%s.%s.%s", service, namespace, cfg.DNSSuffix)
	default:
		return fmt.Sprintf("%s.%s", service, namespace)
	}
}
