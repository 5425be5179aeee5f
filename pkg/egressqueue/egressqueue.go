// Package egressqueue implements the FIFO-with-adaptive-probing pipeline
// (C4): it delays, verifies via the availability prober, and finally POSTs
// reduced status records, following the state machine in spec §4.4. The
// queue container itself follows hephaestus's container/list-backed
// requestqueue shape.
package egressqueue

import (
	"container/list"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/httpcaller"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/probe"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/statusrecord"
)

const (
	pollTimeout          = 2 * time.Second
	requeueYieldSleep    = 500 * time.Millisecond
	runningProbeWindow   = 180 * time.Second
	deletedProbeWindow   = 30 * time.Second
	runningProbeInterval = 10 * time.Second
	deletedProbeInterval = 5 * time.Second
	legacyDeletedGrace   = 30 * time.Second
)

// ProbeConfig carries the env-derived knobs that gate the adaptive probing
// path (APP_PROBE_STATUSES / APP_PROBE_APPS / APP_PROBE_NXDOMAIN_CONFIRM).
type ProbeConfig struct {
	Statuses        map[string]bool
	Apps            map[statusrecord.AppType]bool
	NXConfirmCount  int
}

// Enabled reports whether probing applies at all; an empty Statuses set
// disables probing entirely (APP_PROBE_STATUSES empty/none/off).
func (c ProbeConfig) Enabled() bool {
	return len(c.Statuses) > 0
}

func (c ProbeConfig) appliesTo(statusLC string, appType statusrecord.AppType) bool {
	if !c.Enabled() {
		return false
	}
	if !c.Statuses[statusLC] {
		return false
	}
	return len(c.Apps) == 0 || c.Apps[appType]
}

// probeState is the per-release transient scheduling side table: it never
// touches the serializable StatusRecord.
type probeState struct {
	deadline      time.Time
	nextProbe     time.Time
	nxConsecutive int
}

// Queue is the single-consumer FIFO with adaptive probing and POST dispatch.
type Queue struct {
	mu      sync.Mutex
	items   *list.List
	stopped bool
	stopCh  chan struct{}
	notify  chan struct{}

	states map[string]*probeState

	caller   *httpcaller.Caller
	prober   *probe.Prober
	probeCfg ProbeConfig
	token    TokenProvider
	endpoint string
	now      func() time.Time
	log      logr.Logger

	onDispatch func(outcome string)                    // metrics hook, outcome in {posted, tolerated_404, discarded, transport_failure}
	onProbe    func(status statusrecord.ProbeStatus)    // metrics hook, one call per probe invocation
	onDepth    func(depth int)                          // metrics hook, called after every Add/pop
}

// TokenProvider supplies the current auth token and a refresh hook, matching
// httpcaller.TokenFetcher's contract.
type TokenProvider func(ctx context.Context) (string, error)

// Option configures a Queue.
type Option func(*Queue)

func WithProber(p *probe.Prober, cfg ProbeConfig) Option {
	return func(q *Queue) {
		q.prober = p
		q.probeCfg = cfg
	}
}

func WithClock(fn func() time.Time) Option {
	return func(q *Queue) { q.now = fn }
}

func WithDispatchHook(fn func(outcome string)) Option {
	return func(q *Queue) { q.onDispatch = fn }
}

// WithProbeHook registers a callback invoked once per availability probe
// issued by processProbed, for the probe-outcomes metric.
func WithProbeHook(fn func(status statusrecord.ProbeStatus)) Option {
	return func(q *Queue) { q.onProbe = fn }
}

// WithDepthHook registers a callback invoked with the queue's current length
// after every Add and every successful pop, for the queue-depth gauge.
func WithDepthHook(fn func(depth int)) Option {
	return func(q *Queue) { q.onDepth = fn }
}

// New builds a Queue that POSTs to endpoint via caller, authenticating with
// tokens from token.
func New(log logr.Logger, caller *httpcaller.Caller, endpoint string, token TokenProvider, opts ...Option) *Queue {
	q := &Queue{
		items:    list.New(),
		stopCh:   make(chan struct{}),
		notify:   make(chan struct{}, 1),
		states:   make(map[string]*probeState),
		caller:   caller,
		endpoint: endpoint,
		token:    token,
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add enqueues a record for dispatch. Safe to call from any goroutine.
func (q *Queue) Add(rec statusrecord.StatusRecord) {
	q.mu.Lock()
	q.items.PushBack(rec)
	depth := q.items.Len()
	q.mu.Unlock()
	q.reportDepth(depth)
	q.signal()
}

func (q *Queue) reportDepth(depth int) {
	if q.onDepth != nil {
		q.onDepth(depth)
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Stop signals Run to return after its current poll. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	alreadyStopped := q.stopped
	q.stopped = true
	q.mu.Unlock()
	if !alreadyStopped {
		close(q.stopCh)
	}
}

// Run is the blocking single-consumer loop. It returns when Stop is called.
func (q *Queue) Run(ctx context.Context) {
	for {
		rec, ok := q.pop(ctx)
		if !ok {
			return
		}
		q.process(ctx, rec)
	}
}

// pop blocks until an item is available, the queue is stopped, or
// pollTimeout elapses, mirroring the original's queue.get(timeout=2) polling
// discipline so Stop() and context cancellation are observed promptly.
func (q *Queue) pop(ctx context.Context) (statusrecord.StatusRecord, bool) {
	for {
		q.mu.Lock()
		if q.stopped || ctx.Err() != nil {
			q.mu.Unlock()
			return statusrecord.StatusRecord{}, false
		}
		if q.items.Len() > 0 {
			front := q.items.Front()
			q.items.Remove(front)
			depth := q.items.Len()
			q.mu.Unlock()
			q.reportDepth(depth)
			return front.Value.(statusrecord.StatusRecord), true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-time.After(pollTimeout):
		case <-q.stopCh:
		case <-ctx.Done():
			return statusrecord.StatusRecord{}, false
		}
	}
}

func (q *Queue) requeue(rec statusrecord.StatusRecord) {
	q.mu.Lock()
	q.items.PushBack(rec)
	depth := q.items.Len()
	q.mu.Unlock()
	q.reportDepth(depth)
	time.Sleep(requeueYieldSleep)
}

func (q *Queue) process(ctx context.Context, rec statusrecord.StatusRecord) {
	statusLC := strings.ToLower(rec.Status)

	if q.probeCfg.appliesTo(statusLC, rec.AppType) && rec.AppURL != "" && q.prober != nil {
		if q.processProbed(ctx, rec, statusLC) {
			return
		}
		q.requeue(rec)
		return
	}

	if statusLC == "deleted" {
		if q.now().Sub(rec.EventTS) < legacyDeletedGrace {
			q.requeue(rec)
			return
		}
	}

	q.dispatch(ctx, rec)
}

// processProbed runs the time-driven probing gate. It returns true when the
// record was accepted (and dispatched), false when it was requeued.
func (q *Queue) processProbed(ctx context.Context, rec statusrecord.StatusRecord, statusLC string) bool {
	state, ok := q.states[rec.Release]
	if !ok {
		window := runningProbeWindow
		if statusLC == "deleted" {
			window = deletedProbeWindow
		}
		state = &probeState{deadline: rec.EventTS.Add(window)}
		q.states[rec.Release] = state
	}

	now := q.now()
	if now.After(state.deadline) || now.Equal(state.deadline) {
		delete(q.states, rec.Release)
		q.dispatch(ctx, rec)
		return true
	}

	if now.Before(state.nextProbe) {
		// Not yet time to probe again; yield the queue without acting.
		return false
	}

	result := q.prober.Probe(ctx, rec.AppURL)
	rec.Probe = &result
	if q.onProbe != nil {
		q.onProbe(result.Status)
	}

	switch statusLC {
	case "running":
		if result.Status == statusrecord.ProbeRunning {
			delete(q.states, rec.Release)
			q.dispatch(ctx, rec)
			return true
		}
		state.nextProbe = now.Add(runningProbeInterval)
		return false
	case "deleted":
		if result.Status == statusrecord.ProbeNotFound {
			state.nxConsecutive++
			confirm := q.probeCfg.NXConfirmCount
			if confirm <= 0 {
				confirm = 2
			}
			if state.nxConsecutive >= confirm {
				delete(q.states, rec.Release)
				q.dispatch(ctx, rec)
				return true
			}
		} else {
			state.nxConsecutive = 0
		}
		state.nextProbe = now.Add(deletedProbeInterval)
		return false
	default:
		delete(q.states, rec.Release)
		q.dispatch(ctx, rec)
		return true
	}
}

// dispatch serializes rec and POSTs it, classifying the response per
// spec §4.4's POST step.
func (q *Queue) dispatch(ctx context.Context, rec statusrecord.StatusRecord) {
	payload := rec.ToPayload()

	resp := q.caller.Post(ctx, q.endpoint, httpcaller.Options{
		Body:         marshalPayload(payload),
		TokenFetcher: httpcaller.TokenFetcher(q.token),
	})

	outcome := classifyDispatch(resp)
	q.logOutcome(rec, outcome)
	if q.onDispatch != nil {
		q.onDispatch(outcome)
	}
}

const (
	outcomePosted     = "posted"
	outcomeTolerated  = "tolerated_404"
	outcomeDiscarded  = "discarded"
	outcomeTransport  = "transport_failure"
)

func classifyDispatch(resp *httpcaller.Response) string {
	if resp == nil {
		return outcomeTransport
	}
	if resp.StatusCode == 404 && strings.Contains(string(resp.Body), "OK. OBJECT_NOT_FOUND.") {
		return outcomeTolerated
	}
	if resp.StatusCode >= 400 {
		return outcomeDiscarded
	}
	return outcomePosted
}

func (q *Queue) logOutcome(rec statusrecord.StatusRecord, outcome string) {
	switch outcome {
	case outcomePosted:
		q.log.V(1).Info("posted status", "release", rec.Release, "status", rec.Status)
	case outcomeTolerated:
		q.log.V(1).Info("tolerated 404", "release", rec.Release)
	case outcomeDiscarded:
		q.log.Info("discarding status after non-2xx response", "release", rec.Release, "status", rec.Status)
	case outcomeTransport:
		q.log.Info("discarding status after transport failure", "release", rec.Release, "status", rec.Status)
	}
}

func marshalPayload(p statusrecord.PostPayload) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}
