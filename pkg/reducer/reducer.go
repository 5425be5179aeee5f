// Package reducer turns pod lifecycle events into the canonical per-release
// StatusMap, implementing determine_status, app-type detection, and the
// creation-timestamp tie-break rules from the original status_data module.
package reducer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/podview"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/statusrecord"
)

// DefaultTranslations collapses selected raw container-state reasons into
// canonical status codes. Translation is OFF by default; opt in with
// WithTranslation.
var DefaultTranslations = map[string]string{
	"CrashLoopBackOff":   "Error",
	"Completed":          "Retrying...",
	"ContainerCreating":  "Created",
	"PodInitializing":    "Pending",
	"ErrImagePull":       "Image Error",
	"ImagePullBackOff":   "Image Error",
	"PostStartHookError": "Pod Error",
}

// RemainingPodsChecker reports how many non-terminating pods remain for a
// release, used to decide whether a deletion event should actually flip the
// release to Deleted or be suppressed as a stale replica during a rollout.
type RemainingPodsChecker func(ctx context.Context, release string) (int, error)

// Option configures a Reducer.
type Option func(*Reducer)

// WithTranslation enables the raw-reason → canonical-status translation map.
func WithTranslation(table map[string]string) Option {
	return func(r *Reducer) {
		r.translations = table
	}
}

// WithRemainingPodsChecker injects the orchestrator requery hook used to
// confirm or suppress a deletion during the reducer's update_or_create step.
func WithRemainingPodsChecker(fn RemainingPodsChecker) Option {
	return func(r *Reducer) {
		r.remainingPods = fn
	}
}

// WithClock overrides the reducer's notion of "now", for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(r *Reducer) {
		r.now = fn
	}
}

// Reducer maintains the StatusMap: mapping release to StatusRecord. It is
// the sole writer of that map and is intended to be driven exclusively by
// the watch loop goroutine.
type Reducer struct {
	mu     sync.RWMutex
	byRel  map[string]statusrecord.StatusRecord

	translations  map[string]string
	remainingPods RemainingPodsChecker
	now           func() time.Time
	log           logr.Logger
}

// New constructs an empty Reducer.
func New(log logr.Logger, opts ...Option) *Reducer {
	r := &Reducer{
		byRel: make(map[string]statusrecord.StatusRecord),
		now:   time.Now,
		log:   log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Update processes one pod observation and folds it into the StatusMap.
func (r *Reducer) Update(ctx context.Context, pod podview.PodView) {
	release := pod.Labels()["release"]
	if release == "" {
		r.log.V(1).Info("dropping event with no release label")
		return
	}

	rawStatus, containerMsg, podMsg := determineStatus(pod)
	status := r.translate(rawStatus)
	appType := detectAppType(pod)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.updateOrCreate(ctx, release, status, podMsg, containerMsg, appType, pod.CreationTimestamp(), pod.DeletionTimestamp())
}

// updateOrCreate implements the original update_or_create_status rules,
// including the remaining-pods override described in the deletion design
// note: Running beats Deleted, Deleted beats no override, and nothing else
// is invented.
func (r *Reducer) updateOrCreate(
	ctx context.Context,
	release, status, podMsg, containerMsg string,
	appType statusrecord.AppType,
	creationTS time.Time,
	deletionTS *time.Time,
) {
	stored, exists := r.byRel[release]

	if exists && creationTS.Before(stored.CreationTS) && deletionTS == nil {
		r.log.V(1).Info("dropping stale event", "release", release)
		return
	}

	finalStatus := status
	if deletionTS != nil {
		finalStatus = r.applyDeletionOverride(ctx, release, status)
	}

	r.byRel[release] = statusrecord.StatusRecord{
		Release:      release,
		Status:       finalStatus,
		EventTS:      r.now().UTC(),
		CreationTS:   creationTS,
		DeletionTS:   deletionTS,
		PodMsg:       podMsg,
		ContainerMsg: containerMsg,
		AppType:      appType,
	}
}

// applyDeletionOverride implements spec §9 OQ1: when a deletion arrives, the
// reducer may requery the orchestrator for the release's remaining pods.
// Running beats Deleted; Deleted beats no override. No further precedence is
// invented here.
func (r *Reducer) applyDeletionOverride(ctx context.Context, release, status string) string {
	if r.remainingPods == nil {
		return statusrecord.StatusDeleted
	}

	remaining, err := r.remainingPods(ctx, release)
	if err != nil {
		r.log.Error(err, "remaining pods check failed, keeping deletion", "release", release)
		return statusrecord.StatusDeleted
	}

	if remaining < 1 {
		return statusrecord.StatusDeleted
	}

	// A healthy newer replica exists; keep the previously derived status
	// rather than letting a terminating old pod mask it.
	if prior, ok := r.byRel[release]; ok {
		return prior.Status
	}
	return status
}

func (r *Reducer) translate(raw string) string {
	if r.translations == nil {
		return raw
	}
	if mapped, ok := r.translations[raw]; ok {
		return mapped
	}
	return raw
}

// Snapshot returns a copy of the stored record for a release, if any.
func (r *Reducer) Snapshot(release string) (statusrecord.StatusRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byRel[release]
	return rec, ok
}

// Latest returns the record with the maximum event timestamp across all
// releases.
func (r *Reducer) Latest() (statusrecord.StatusRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest statusrecord.StatusRecord
	found := false
	for _, rec := range r.byRel {
		if !found || rec.EventTS.After(latest.EventTS) {
			latest = rec
			found = true
		}
	}
	return latest, found
}

// determineStatus implements determine_status: init containers first (with
// the Completed skip-over), then regular containers, then pod phase.
func determineStatus(pod podview.PodView) (status, containerMsg, podMsg string) {
	podMsg = pod.Message()

	if result, ok := scanContainers(pod.InitContainerStatuses(), true); ok {
		return result.status, result.message, podMsg
	}
	if result, ok := scanContainers(pod.ContainerStatuses(), false); ok {
		return result.status, result.message, podMsg
	}
	return pod.Phase(), "", podMsg
}

type containerResult struct {
	status  string
	message string
}

func scanContainers(statuses []corev1.ContainerStatus, isInit bool) (containerResult, bool) {
	for _, cs := range statuses {
		switch {
		case cs.Terminated != nil:
			if isInit && cs.Terminated.Reason == "Completed" {
				continue
			}
			return containerResult{status: cs.Terminated.Reason, message: cs.Terminated.Message}, true
		case cs.Waiting != nil:
			return containerResult{status: cs.Waiting.Reason, message: cs.Waiting.Message}, true
		case cs.Running != nil && cs.Ready:
			return containerResult{status: statusrecord.StatusRunning, message: ""}, true
		default:
			return containerResult{status: statusrecord.StatusPending, message: ""}, true
		}
	}
	return containerResult{}, false
}

// detectAppType classifies the workload from labels and images, matching
// against "shinyproxy" in the app label, then "shiny"/"rstudio" in images,
// case-insensitively.
func detectAppType(pod podview.PodView) statusrecord.AppType {
	if app := strings.ToLower(pod.Labels()["app"]); strings.Contains(app, "shinyproxy") {
		return statusrecord.AppShinyProxy
	}

	for _, image := range pod.Images() {
		lower := strings.ToLower(image)
		if strings.Contains(lower, "shiny") || strings.Contains(lower, "rstudio") {
			return statusrecord.AppShiny
		}
	}

	return statusrecord.AppUnknown
}
