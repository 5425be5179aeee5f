package egressqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/httpcaller"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/statusrecord"
)

func noToken(ctx context.Context) (string, error) { return "t", nil }

func TestFIFOOrdering(t *testing.T) {
	var mu sync.Mutex
	var received []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload statusrecord.PostPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		received = append(received, payload.Release)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	caller := httpcaller.New(testr.New(t), false)
	q := New(testr.New(t), caller, srv.URL, noToken)

	q.Add(statusrecord.StatusRecord{Release: "a", Status: "Running", EventTS: time.Now()})
	q.Add(statusrecord.StatusRecord{Release: "b", Status: "Running", EventTS: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, received)
	mu.Unlock()

	q.Stop()
	cancel()
}

func TestLegacyDeletedGraceRequeuesThenPosts(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	caller := httpcaller.New(testr.New(t), false)

	var now time.Time
	q := New(testr.New(t), caller, srv.URL, noToken, WithClock(func() time.Time { return now }))

	eventTS := time.Unix(1000, 0)
	now = eventTS // within grace window initially
	q.Add(statusrecord.StatusRecord{Release: "r1", Status: "Deleted", EventTS: eventTS})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, calls, "must not POST while within the legacy grace window")
	mu.Unlock()

	now = eventTS.Add(31 * time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)

	q.Stop()
}

func TestClassifyDispatch(t *testing.T) {
	assert.Equal(t, outcomeTransport, classifyDispatch(nil))
	assert.Equal(t, outcomePosted, classifyDispatch(&httpcaller.Response{StatusCode: 200}))
	assert.Equal(t, outcomeTolerated, classifyDispatch(&httpcaller.Response{StatusCode: 404, Body: []byte("OK. OBJECT_NOT_FOUND.")}))
	assert.Equal(t, outcomeDiscarded, classifyDispatch(&httpcaller.Response{StatusCode: 500}))
}

func TestProbeConfig_Enabled(t *testing.T) {
	assert.False(t, ProbeConfig{}.Enabled())
	assert.True(t, ProbeConfig{Statuses: map[string]bool{"running": true}}.Enabled())
}
