// Package coordinator wires the sidecar's components together and drives
// its lifecycle (C6): a bounded-retry startup sequence mirroring
// hephaestus's controller.Start orchestration, a concurrent run phase using
// golang.org/x/sync/errgroup the way hephaestus's buildkit worker pool runs
// its sub-tasks, and a shutdown phase that aggregates errors with
// go.uber.org/multierr the way hephaestus's credentials package combines
// registration failures.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/appurl"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/config"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/egressqueue"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/httpcaller"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/kubeclient"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/metrics"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/podview"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/probe"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/reducer"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/statusrecord"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/watcher"
)

const (
	startupRetryAttempts = 5
	startupRetryDelay    = 2 * time.Second
)

// Coordinator owns the sidecar's full component graph: the Kubernetes
// clientset, the HTTP caller and availability prober, the reducer's
// StatusMap, the egress queue, and the pod watcher.
type Coordinator struct {
	cfg config.Config
	log logr.Logger

	client kubernetes.Interface
	caller *httpcaller.Caller
	queue  *egressqueue.Queue
	red    *reducer.Reducer
	watch  *watcher.Watcher
	health *http.Server

	token string
}

// New builds an unconfigured Coordinator; Setup must run before Run.
func New(cfg config.Config, log logr.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, log: log}
}

// Setup performs every startup check spec'd for C6: a reachability ping
// against the remote API, Kubernetes client construction, an initial token
// fetch, and the wiring of the prober, egress queue, and watcher. Each
// network-dependent step is retried up to startupRetryAttempts times before
// Setup gives up, mirroring the original bootstrap's "wait for the API to
// become reachable" behavior.
func (c *Coordinator) Setup(ctx context.Context) error {
	c.caller = httpcaller.New(c.log, c.cfg.InsecureSkipVerify())

	if err := c.awaitPing(ctx); err != nil {
		return fmt.Errorf("coordinator: remote API never became reachable: %w", err)
	}

	client, err := kubeclient.Clientset(c.cfg.Env.KubeConfig)
	if err != nil {
		return fmt.Errorf("coordinator: building kubernetes client: %w", err)
	}
	c.client = client

	if err := c.refreshToken(ctx); err != nil {
		return fmt.Errorf("coordinator: initial token fetch failed: %w", err)
	}

	connectTimeout, _ := time.ParseDuration(c.cfg.CLI.ProbeConnectTimeout)
	readTimeout, _ := time.ParseDuration(c.cfg.CLI.ProbeReadTimeout)
	prober := probe.New(c.log, connectTimeout, readTimeout)

	c.red = reducer.New(c.log,
		reducer.WithTranslation(reducer.DefaultTranslations),
		reducer.WithRemainingPodsChecker(c.remainingPods),
	)

	c.queue = egressqueue.New(c.log, c.caller, c.cfg.AppStatusEndpoint(), c.fetchToken,
		egressqueue.WithProber(prober, egressqueue.ProbeConfig{
			Statuses:       c.cfg.ProbeStatusSet(),
			Apps:           probeApps(c.cfg.Env.AppProbeApps),
			NXConfirmCount: c.cfg.Env.AppProbeNxdomainConfirm,
		}),
		egressqueue.WithDispatchHook(func(outcome string) {
			metrics.PostOutcomesTotal.WithLabelValues(outcome).Inc()
		}),
		egressqueue.WithProbeHook(func(status statusrecord.ProbeStatus) {
			metrics.ProbeOutcomesTotal.WithLabelValues(string(status)).Inc()
		}),
		egressqueue.WithDepthHook(func(depth int) {
			metrics.QueueDepth.Set(float64(depth))
		}),
	)

	c.watch = watcher.New(c.client, c.cfg.CLI.Namespace, c.cfg.CLI.LabelSelector, c.onPodEvent, c.log,
		watcher.WithReconnectHook(func(class string) {
			metrics.WatchReconnectsTotal.WithLabelValues(class).Inc()
		}),
	)

	c.startMetricsServer()

	c.log.Info("coordinator setup complete", "namespace", c.cfg.CLI.Namespace)
	return nil
}

// startMetricsServer mounts /metrics (A3, spec §4.6 supplemental) and a
// standalone /healthz liveness check on cfg.Env.MetricsAddr. Bind failures
// are logged but non-fatal: metrics are observability, not a startup gate.
func (c *Coordinator) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", healthz.Handler{Checks: map[string]healthz.Checker{
		"ping": healthz.Ping,
	}})

	c.health = &http.Server{Addr: c.cfg.Env.MetricsAddr, Handler: mux}
	go func() {
		if err := c.health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error(err, "metrics server exited", "addr", c.cfg.Env.MetricsAddr)
		}
	}()
}

// Run starts the egress queue consumer and the pod watch loop concurrently,
// returning when either stops or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.queue.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return c.watch.Listen(gctx)
	})

	return g.Wait()
}

// Shutdown stops the egress queue and releases the HTTP caller's pooled
// connections, aggregating any errors with multierr.Combine the way
// hephaestus's credentials package reports multiple independent teardown
// failures as one error.
func (c *Coordinator) Shutdown() error {
	var errs []error

	if c.queue != nil {
		c.queue.Stop()
	}
	if c.health != nil {
		if err := c.health.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: closing metrics server: %w", err))
		}
	}
	if err := c.caller.Close(); err != nil {
		errs = append(errs, fmt.Errorf("coordinator: closing http caller: %w", err))
	}

	return multierr.Combine(errs...)
}

func (c *Coordinator) awaitPing(ctx context.Context) error {
	return retry.Do(
		func() error {
			resp := c.caller.Get(ctx, c.cfg.PingEndpoint(), httpcaller.Options{})
			if resp == nil || resp.StatusCode >= 400 {
				return fmt.Errorf("ping endpoint unreachable")
			}
			return nil
		},
		retry.Attempts(startupRetryAttempts),
		retry.Delay(startupRetryDelay),
		retry.Context(ctx),
	)
}

// tokenResponse is the wire shape the token endpoint responds with (spec §6
// "Wire: token fetch"): a bare JSON object with a "token" field.
type tokenResponse struct {
	Token string `json:"token"`
}

func (c *Coordinator) refreshToken(ctx context.Context) error {
	return retry.Do(
		func() error {
			resp := c.caller.Post(ctx, c.cfg.TokenEndpoint(), httpcaller.Options{
				Body: []byte(fmt.Sprintf(`{"username":%q,"password":%q}`, c.cfg.Env.Username, c.cfg.Env.Password)),
			})
			if resp == nil || resp.StatusCode >= 400 {
				return fmt.Errorf("token endpoint returned an error")
			}

			var parsed tokenResponse
			if err := json.Unmarshal(resp.Body, &parsed); err != nil {
				return fmt.Errorf("token endpoint returned malformed JSON: %w", err)
			}
			if parsed.Token == "" {
				return fmt.Errorf("token endpoint response is missing the %q field", "token")
			}

			c.token = parsed.Token
			return nil
		},
		retry.Attempts(startupRetryAttempts),
		retry.Delay(startupRetryDelay),
		retry.Context(ctx),
	)
}

// fetchToken implements egressqueue.TokenProvider, refreshing the cached
// bearer token on demand.
func (c *Coordinator) fetchToken(ctx context.Context) (string, error) {
	if err := c.refreshToken(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

// onPodEvent is the watcher.Handler: it folds the observation into the
// StatusMap, resolves an app URL when applicable, and enqueues the result
// for dispatch.
func (c *Coordinator) onPodEvent(ctx context.Context, pod podview.PodView) {
	c.red.Update(ctx, pod)

	release := pod.Labels()["release"]
	if release == "" {
		return
	}

	rec, ok := c.red.Snapshot(release)
	if !ok {
		return
	}

	if url, ok := appurl.Resolve(rec, c.cfg.CLI.Namespace, appurl.Config{
		DNSMode:       appurl.DNSMode(c.cfg.Env.AppURLDNSMode),
		DNSSuffix:     c.cfg.Env.AppURLDNSSuffix,
		Port:          c.cfg.Env.AppURLPort,
		Scheme:        c.cfg.Env.AppURLScheme,
		ServiceSuffix: c.cfg.Env.ShinyProxyServiceSuffix,
		PathPrefix:    c.cfg.Env.ShinyProxyPathPrefix,
	}); ok {
		rec.AppURL = url
	}

	if err := rec.Validate(); err != nil {
		c.log.Error(err, "dropping invalid status record", "release", release)
		return
	}

	c.queue.Add(rec)
}

func (c *Coordinator) remainingPods(ctx context.Context, release string) (int, error) {
	pods, err := c.client.CoreV1().Pods(c.cfg.CLI.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("release=%s", release),
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range pods.Items {
		if p.DeletionTimestamp == nil && p.Status.Phase != corev1.PodFailed && p.Status.Phase != corev1.PodSucceeded {
			count++
		}
	}
	return count, nil
}

func probeApps(names []string) map[statusrecord.AppType]bool {
	set := make(map[statusrecord.AppType]bool, len(names))
	for _, n := range names {
		set[statusrecord.AppType(n)] = true
	}
	return set
}
