// Package probe implements the availability prober (C2): a DNS resolve
// followed by a short-timeout GET, classifying the result into
// Running/Unknown/NotFound, ported from the original probing module.
package probe

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/statusrecord"
)

// Resolver abstracts hostname resolution so tests can inject failures
// without depending on real DNS.
type Resolver func(ctx context.Context, host string) error

func defaultResolver(ctx context.Context, host string) error {
	_, err := net.DefaultResolver.LookupHost(ctx, host)
	return err
}

// Prober issues the DNS + HTTP availability check described in spec §4.2.
type Prober struct {
	client   *retryablehttp.Client
	resolver Resolver
	log      logr.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithResolver overrides DNS resolution, for tests.
func WithResolver(r Resolver) Option {
	return func(p *Prober) { p.resolver = r }
}

// WithInsecureSkipVerify disables TLS certificate verification, mirroring
// TLS_SSL_VERIFICATION=false for the diagnostic single-shot probe mode.
func WithInsecureSkipVerify(skip bool) Option {
	return func(p *Prober) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig.InsecureSkipVerify = skip
		p.client.HTTPClient.Transport = transport
	}
}

// New builds a Prober with short connect/read timeouts and a tiny retry
// budget, configured the way hephaestus configures its sidecar-readiness
// retryablehttp client.
func New(log logr.Logger, connectTimeout, readTimeout time.Duration, opts ...Option) *Prober {
	if connectTimeout == 0 {
		connectTimeout = 500 * time.Millisecond
	}
	if readTimeout == 0 {
		readTimeout = 1500 * time.Millisecond
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 1
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 200 * time.Millisecond
	client.HTTPClient.Timeout = connectTimeout + readTimeout
	// A 3xx is itself a "Running" signal (spec classifies 2xx/3xx alike), so
	// the underlying client does not chase the Location header.
	client.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	p := &Prober{client: client, resolver: defaultResolver, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe resolves and GETs probeURL, classifying the result per spec §4.2.
func (p *Prober) Probe(ctx context.Context, probeURL string) statusrecord.ProbeResult {
	result := statusrecord.ProbeResult{URL: probeURL}

	u, err := url.Parse(probeURL)
	if err != nil || u.Hostname() == "" {
		result.Status = statusrecord.ProbeNotFound
		result.Note = "no host"
		return result
	}

	if err := p.resolver(ctx, u.Hostname()); err != nil {
		result.Status = statusrecord.ProbeNotFound
		result.Note = "DNS resolution failed"
		return result
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", probeURL, nil)
	if err != nil {
		result.Status = statusrecord.ProbeUnknown
		result.Note = err.Error()
		return result
	}

	resp, err := p.client.Do(req)
	if err != nil {
		result.Status = statusrecord.ProbeUnknown
		result.Note = err.Error()
		return result
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	result.HTTPCode = &code

	if code >= 200 && code < 400 {
		result.Status = statusrecord.ProbeRunning
	} else {
		result.Status = statusrecord.ProbeUnknown
	}
	return result
}
