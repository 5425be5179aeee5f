package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/config"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/egressqueue"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/httpcaller"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/statusrecord"
)

func TestProbeApps(t *testing.T) {
	set := probeApps([]string{"shiny", "shiny-proxy"})
	assert.True(t, set[statusrecord.AppShiny])
	assert.True(t, set[statusrecord.AppShinyProxy])
	assert.False(t, set[statusrecord.AppUnknown])
}

func TestRemainingPods_CountsLiveOnly(t *testing.T) {
	running := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", Namespace: "ns", Labels: map[string]string{"release": "r1"}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	succeeded := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p2", Namespace: "ns", Labels: map[string]string{"release": "r1"}},
		Status:     corev1.PodStatus{Phase: corev1.PodSucceeded},
	}

	c := &Coordinator{
		cfg:    config.Config{CLI: config.CLI{Namespace: "ns"}},
		log:    testr.New(t),
		client: fake.NewSimpleClientset(running, succeeded),
	}

	count, err := c.remainingPods(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestShutdown_StopsQueueAndClosesCaller(t *testing.T) {
	c := New(config.Config{}, testr.New(t))
	c.caller = httpcaller.New(testr.New(t), false)
	c.queue = egressqueue.New(testr.New(t), c.caller, "", nil)

	err := c.Shutdown()
	assert.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.queue.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("egress queue still running after Shutdown")
	}
}
