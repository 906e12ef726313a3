package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	kubetypes "k8s.io/apimachinery/pkg/types"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// LabelJobID carries the cluster job id on a Kubernetes Job.
	LabelJobID = "mxflow/jobid"
	// AnnotationHoldReason records why a job was suspended.
	AnnotationHoldReason = "mxflow/hold-reason"
)

// Kubernetes maps cluster job ids onto batch/v1 Jobs labelled with
// LabelJobID. Holding a job suspends it.
type Kubernetes struct {
	client    k8s.Interface
	namespace string
}

// NewKubernetes returns a backend working in namespace.
func NewKubernetes(client k8s.Interface, namespace string) *Kubernetes {
	if namespace == "" {
		namespace = "default"
	}
	return &Kubernetes{client: client, namespace: namespace}
}

// ConnectKubernetes builds a clientset from kubeconfig, from $KUBECONFIG
// when kubeconfig is empty, or from the in-cluster service account.
func ConnectKubernetes(kubeconfig string) (k8s.Interface, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	var config *rest.Config
	var err error
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: kubernetes config: %w", err)
	}
	client, err := k8s.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("scheduler: kubernetes client: %w", err)
	}
	return client, nil
}

func (k *Kubernetes) find(ctx context.Context, id JobID) (*kubebatch.Job, error) {
	selector := labels.Set{LabelJobID: id.String()}.AsSelector().String()
	list, err := k.client.BatchV1().Jobs(k.namespace).List(ctx, kubeapimeta.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list jobs for %s: %w", id, err)
	}
	if len(list.Items) == 0 {
		return nil, nil
	}
	return &list.Items[0], nil
}

func (k *Kubernetes) Status(ctx context.Context, id JobID) (Status, error) {
	job, err := k.find(ctx, id)
	if err != nil {
		return Status{ID: id}, err
	}
	if job == nil {
		return Status{ID: id}, nil
	}
	return Status{ID: id, State: jobState(job), Found: true}, nil
}

func (k *Kubernetes) Hold(ctx context.Context, ids []JobID, reason string) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"annotations": map[string]string{AnnotationHoldReason: reason}},
		"spec":     map[string]any{"suspend": true},
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := k.find(ctx, id)
		if err != nil {
			return err
		}
		if job == nil {
			log.Debug("hold: job not found", "jobid", id)
			continue
		}
		_, err = k.client.BatchV1().Jobs(k.namespace).Patch(
			ctx, job.Name, kubetypes.MergePatchType, patch, kubeapimeta.PatchOptions{},
		)
		if err != nil {
			return fmt.Errorf("scheduler: hold %s: %w", id, err)
		}
		log.Info("job held", "jobid", id, "job", job.Name, "reason", reason)
	}
	return nil
}

func (k *Kubernetes) Summary(ctx context.Context) (map[State]int, error) {
	list, err := k.client.BatchV1().Jobs(k.namespace).List(ctx, kubeapimeta.ListOptions{LabelSelector: LabelJobID})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list jobs: %w", err)
	}
	out := make(map[State]int)
	for i := range list.Items {
		out[jobState(&list.Items[i])]++
	}
	return out, nil
}

func jobState(job *kubebatch.Job) State {
	for _, c := range job.Status.Conditions {
		if c.Status != kubecore.ConditionTrue {
			continue
		}
		switch c.Type {
		case kubebatch.JobComplete:
			return StateCompleted
		case kubebatch.JobFailed:
			return StateRemoved
		}
	}
	if job.Spec.Suspend != nil && *job.Spec.Suspend {
		return StateHeld
	}
	if job.Status.Active > 0 {
		return StateRunning
	}
	return StateIdle
}
