package reducer

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/statusrecord"
)

type fakePod struct {
	labels     map[string]string
	images     []string
	phase      string
	creationTS time.Time
	deletionTS *time.Time
	initCS     []corev1.ContainerStatus
	cs         []corev1.ContainerStatus
	message    string
}

func (f fakePod) Labels() map[string]string                        { return f.labels }
func (f fakePod) Images() []string                                  { return f.images }
func (f fakePod) Phase() string                                     { return f.phase }
func (f fakePod) CreationTimestamp() time.Time                      { return f.creationTS }
func (f fakePod) DeletionTimestamp() *time.Time                     { return f.deletionTS }
func (f fakePod) InitContainerStatuses() []corev1.ContainerStatus  { return f.initCS }
func (f fakePod) ContainerStatuses() []corev1.ContainerStatus      { return f.cs }
func (f fakePod) Message() string                                   { return f.message }
func (f fakePod) ResourceVersion() string                           { return "" }

func TestDetermineStatus_RunningContainer(t *testing.T) {
	pod := fakePod{
		labels:     map[string]string{"release": "r1"},
		creationTS: time.Unix(100, 0),
		cs: []corev1.ContainerStatus{
			{Ready: true, State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
		},
	}

	r := New(testr.New(t))
	r.Update(context.Background(), pod)

	rec, ok := r.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, statusrecord.StatusRunning, rec.Status)
}

func TestDetermineStatus_InitContainerWaiting(t *testing.T) {
	pod := fakePod{
		labels:     map[string]string{"release": "r1"},
		creationTS: time.Unix(100, 0),
		initCS: []corev1.ContainerStatus{
			{State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "PodInitializing"}}},
		},
	}

	r := New(testr.New(t))
	r.Update(context.Background(), pod)

	rec, ok := r.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "PodInitializing", rec.Status)
}

func TestDetermineStatus_InitCompletedSkipsToPhase(t *testing.T) {
	pod := fakePod{
		labels:     map[string]string{"release": "r1"},
		creationTS: time.Unix(100, 0),
		phase:      "Running",
		initCS: []corev1.ContainerStatus{
			{State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{Reason: "Completed"}}},
		},
	}

	r := New(testr.New(t))
	r.Update(context.Background(), pod)

	rec, ok := r.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "Running", rec.Status)
}

func TestStaleEventDropped(t *testing.T) {
	r := New(testr.New(t))
	first := fakePod{labels: map[string]string{"release": "r1"}, creationTS: time.Unix(200, 0), phase: "Running"}
	stale := fakePod{labels: map[string]string{"release": "r1"}, creationTS: time.Unix(100, 0), phase: "Pending"}

	r.Update(context.Background(), first)
	r.Update(context.Background(), stale)

	rec, ok := r.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "Running", rec.Status, "event with older creation_ts must not overwrite")
}

func TestDeletionOverride_NoRemainingPodsConfirmsDeleted(t *testing.T) {
	r := New(testr.New(t), WithRemainingPodsChecker(func(ctx context.Context, release string) (int, error) {
		return 0, nil
	}))

	deletionTS := time.Unix(300, 0)
	pod := fakePod{
		labels:     map[string]string{"release": "r1"},
		creationTS: time.Unix(100, 0),
		deletionTS: &deletionTS,
		phase:      "Running",
	}
	r.Update(context.Background(), pod)

	rec, ok := r.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, statusrecord.StatusDeleted, rec.Status)
}

func TestDeletionOverride_RemainingPodsSuppressesDeletion(t *testing.T) {
	r := New(testr.New(t), WithRemainingPodsChecker(func(ctx context.Context, release string) (int, error) {
		return 2, nil
	}))

	deletionTS := time.Unix(300, 0)
	pod := fakePod{
		labels:     map[string]string{"release": "r1"},
		creationTS: time.Unix(100, 0),
		deletionTS: &deletionTS,
		phase:      "Running",
	}
	r.Update(context.Background(), pod)

	rec, ok := r.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, "Running", rec.Status, "a healthy newer replica must suppress the deletion")
}

func TestAppTypeDetection(t *testing.T) {
	cases := []struct {
		name   string
		pod    fakePod
		expect statusrecord.AppType
	}{
		{"shinyproxy label", fakePod{labels: map[string]string{"release": "r1", "app": "my-ShinyProxy-app"}}, statusrecord.AppShinyProxy},
		{"shiny image", fakePod{labels: map[string]string{"release": "r1"}, images: []string{"registry/Shiny:latest"}}, statusrecord.AppShiny},
		{"rstudio image", fakePod{labels: map[string]string{"release": "r1"}, images: []string{"registry/rstudio-server"}}, statusrecord.AppShiny},
		{"unknown", fakePod{labels: map[string]string{"release": "r1"}, images: []string{"registry/other"}}, statusrecord.AppUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New(testr.New(t))
			r.Update(context.Background(), tc.pod)
			rec, ok := r.Snapshot("r1")
			require.True(t, ok)
			assert.Equal(t, tc.expect, rec.AppType)
		})
	}
}

func TestTranslationOptIn(t *testing.T) {
	pod := fakePod{
		labels: map[string]string{"release": "r1"},
		cs: []corev1.ContainerStatus{
			{State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}}},
		},
	}

	withoutTranslation := New(testr.New(t))
	withoutTranslation.Update(context.Background(), pod)
	rec, _ := withoutTranslation.Snapshot("r1")
	assert.Equal(t, "CrashLoopBackOff", rec.Status)

	withTranslation := New(testr.New(t), WithTranslation(DefaultTranslations))
	withTranslation.Update(context.Background(), pod)
	rec, _ = withTranslation.Snapshot("r1")
	assert.Equal(t, "Error", rec.Status)
}

func TestLatestReturnsMaxEventTS(t *testing.T) {
	r := New(testr.New(t))
	r.Update(context.Background(), fakePod{labels: map[string]string{"release": "r1"}, phase: "Pending"})
	time.Sleep(time.Millisecond)
	r.Update(context.Background(), fakePod{labels: map[string]string{"release": "r2"}, phase: "Running"})

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, "r2", latest.Release)
}
