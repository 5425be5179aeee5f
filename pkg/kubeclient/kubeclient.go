// Package kubeclient builds the orchestrator clientset, honoring an
// explicit KUBECONFIG path when present and readable and falling back to
// in-cluster credentials otherwise, per spec §6's KUBECONFIG semantics.
package kubeclient

import (
	"fmt"
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// RestConfig returns the REST config to use. If kubeconfigPath is set and
// readable, it is used explicitly; otherwise the in-cluster config is used.
// An empty/unreadable kubeconfigPath is not itself an error — it is the
// documented in-cluster fallback signal.
func RestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		if _, err := os.Stat(kubeconfigPath); err == nil {
			cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
			if err != nil {
				return nil, fmt.Errorf("kubeclient: failed to load kubeconfig %q: %w", kubeconfigPath, err)
			}
			return cfg, nil
		}
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("kubeclient: no usable kubeconfig and in-cluster config failed: %w", err)
	}
	return cfg, nil
}

// Clientset builds a typed kubernetes.Interface from the resolved REST
// config.
func Clientset(kubeconfigPath string) (kubernetes.Interface, error) {
	cfg, err := RestConfig(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(cfg)
}
