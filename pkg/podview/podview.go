// Package podview adapts a concrete *corev1.Pod onto the narrow interface the
// reducer actually needs, so the reducer stays decoupled from client-go and
// is unit-testable with fakes, per the "duck-typed pod objects" design note.
package podview

import (
	"time"

	corev1 "k8s.io/api/core/v1"
)

// PodView is everything the reducer reads off a pod.
type PodView interface {
	Labels() map[string]string
	Images() []string
	Phase() string
	CreationTimestamp() time.Time
	DeletionTimestamp() *time.Time
	InitContainerStatuses() []corev1.ContainerStatus
	ContainerStatuses() []corev1.ContainerStatus
	Message() string
	ResourceVersion() string
}

// Wrap projects a *corev1.Pod through the PodView interface.
func Wrap(pod *corev1.Pod) PodView {
	return podView{pod}
}

type podView struct {
	pod *corev1.Pod
}

func (v podView) Labels() map[string]string { return v.pod.Labels }

func (v podView) Images() []string {
	images := make([]string, 0, len(v.pod.Spec.Containers)+len(v.pod.Spec.InitContainers))
	for _, c := range v.pod.Spec.Containers {
		images = append(images, c.Image)
	}
	for _, c := range v.pod.Spec.InitContainers {
		images = append(images, c.Image)
	}
	return images
}

func (v podView) Phase() string { return string(v.pod.Status.Phase) }

func (v podView) CreationTimestamp() time.Time { return v.pod.CreationTimestamp.Time }

func (v podView) DeletionTimestamp() *time.Time {
	if v.pod.DeletionTimestamp == nil {
		return nil
	}
	t := v.pod.DeletionTimestamp.Time
	return &t
}

func (v podView) InitContainerStatuses() []corev1.ContainerStatus {
	return v.pod.Status.InitContainerStatuses
}

func (v podView) ContainerStatuses() []corev1.ContainerStatus {
	return v.pod.Status.ContainerStatuses
}

func (v podView) Message() string { return v.pod.Status.Message }

func (v podView) ResourceVersion() string { return v.pod.ResourceVersion }
