// Package watcher implements the resumable pod watch loop (C5): resource
// version bookmarking, a classified-retry error state machine, and
// dispatch into the reducer, grounded on the original event_listener
// module's ApiException classification and on the raw client-go watch idiom
// used by VICE-style status forwarders in this corpus.
package watcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/podview"
)

const (
	retryDelay       = 3 * time.Second
	networkSleep     = 5 * time.Second
	maxRetries       = 10
	watchTimeoutSecs = 240
)

// ErrUnrecoverable is returned by Listen when an unclassified error forces
// the watch loop to stop entirely (spec §4.5 step 3's "any other exception"
// branch).
var ErrUnrecoverable = errors.New("watcher: unrecoverable error, stopping")

// ErrRetriesExceeded is returned when the retry counter reaches maxRetries.
var ErrRetriesExceeded = errors.New("watcher: max retries exceeded")

// errMalformedEvent marks a watch.Error event whose object is not a Status.
var errMalformedEvent = errors.New("watcher: received watch.Error event with non-Status object")

// Handler is invoked once per observed pod event, in delivery order.
type Handler func(ctx context.Context, pod podview.PodView)

// Watcher runs the resumable pod-watch loop against one namespace.
type Watcher struct {
	client        kubernetes.Interface
	namespace     string
	labelSelector string
	handler       Handler
	log           logr.Logger
	sessionID     string

	resourceVersion string

	onReconnect func(class string) // metrics hook, called each time the loop reconnects
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithReconnectHook registers a callback invoked every time Listen reconnects,
// labeled with the error classification that triggered it, for the
// watch-reconnects metric.
func WithReconnectHook(fn func(class string)) Option {
	return func(w *Watcher) { w.onReconnect = fn }
}

// New builds a Watcher. A fresh per-process session id is attached to every
// log line, mirroring the instance-id idiom used elsewhere in this corpus
// for correlating logs from long-running workers.
func New(client kubernetes.Interface, namespace, labelSelector string, handler Handler, log logr.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		client:        client,
		namespace:     namespace,
		labelSelector: labelSelector,
		handler:       handler,
		log:           log.WithValues("watchSession", uuid.NewString()),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) reportReconnect(class string) {
	if w.onReconnect != nil {
		w.onReconnect(class)
	}
}

// Listen blocks until max_retries is exceeded or an unhandled error occurs.
// Natural server-side stream termination (the 240s timeout) is treated as a
// normal loop restart, not an error.
func (w *Watcher) Listen(ctx context.Context) error {
	retries := 0

	for retries < maxRetries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if w.resourceVersion == "" {
			rv, err := w.initialResourceVersion(ctx)
			if err != nil {
				w.log.Error(err, "failed to list pods for initial resource version")
				retries++
				sleep(ctx, retryDelay)
				continue
			}
			w.resourceVersion = rv
		}

		err := w.watchOnce(ctx)
		if err == nil {
			continue // natural server-side timeout; reconnect immediately
		}

		class := classify(err)
		switch class {
		case classGone:
			w.resourceVersion = ""
			w.log.V(1).Info("resource version expired, resetting cursor")
			w.reportReconnect("gone")
			continue
		case classNetwork:
			w.log.Info("transient network error, reconnecting", "error", err)
			w.reportReconnect("network")
			sleep(ctx, networkSleep)
			continue
		case classUnknown:
			w.log.Error(err, "unrecoverable watch error, stopping")
			return ErrUnrecoverable
		default:
			w.log.Error(err, "watch error, retrying", "class", class)
			w.reportReconnect("other")
			retries++
			sleep(ctx, retryDelay)
		}
	}

	return ErrRetriesExceeded
}

func (w *Watcher) initialResourceVersion(ctx context.Context) (string, error) {
	list, err := w.client.CoreV1().Pods(w.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: w.labelSelector,
	})
	if err != nil {
		return "", err
	}
	return list.ResourceVersion, nil
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	timeout := int64(watchTimeoutSecs)
	stream, err := w.client.CoreV1().Pods(w.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:   w.labelSelector,
		ResourceVersion: w.resourceVersion,
		TimeoutSeconds:  &timeout,
	})
	if err != nil {
		return err
	}
	defer stream.Stop()

	for {
		select {
		case event, ok := <-stream.ResultChan():
			if !ok {
				return nil // channel closed: natural timeout or server disconnect
			}
			if err := w.dispatch(ctx, event); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, event watch.Event) error {
	if event.Type == watch.Error {
		if status, ok := event.Object.(*metav1.Status); ok {
			return &apierrors.StatusError{ErrStatus: *status}
		}
		return errMalformedEvent
	}

	pod, ok := event.Object.(*corev1.Pod)
	if !ok {
		return nil
	}

	w.resourceVersion = pod.ResourceVersion
	w.handler(ctx, podview.Wrap(pod))
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// errorClass enumerates the taxonomy from spec §7, reduced to the subset
// that affects the watch loop's retry counter.
type errorClass int

const (
	classOther errorClass = iota
	classGone
	classNetwork
	classUnknown
)

// classify mirrors the original event_listener's exception-chain: 410 resets
// the cursor without counting as a retry; network/connection errors sleep
// longer and also don't count; other API status errors increment the
// counter; malformed data is folded into classOther rather than stopping the
// loop; any other error is classUnknown and stops the loop.
func classify(err error) errorClass {
	if errors.Is(err, errMalformedEvent) {
		return classOther
	}

	var statusErr *apierrors.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case apierrors.IsGone(err), apierrors.IsResourceExpired(err):
			return classGone
		case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
			return classOther
		case apierrors.IsServerTimeout(err), apierrors.IsInternalError(err):
			return classOther
		default:
			return classOther
		}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return classNetwork
	}
	if errors.Is(err, http.ErrHandlerTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return classNetwork
	}

	return classUnknown
}
