package collector

import (
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/timberline-dev/timberline/internal/types"
)

// problemWaitingReasons are container waiting reasons that make a pod
// unhealthy.
var problemWaitingReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"CreateContainerConfigError": true,
	"InvalidImageName":           true,
}

// deriveHealth returns the health of obj and, when unhealthy for a known
// reason, that reason. Kinds without a meaningful status report "".
func deriveHealth(obj interface{}) (types.HealthState, string) {
	switch o := obj.(type) {
	case *appsv1.Deployment:
		for _, c := range o.Status.Conditions {
			if c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse && c.Reason == "ProgressDeadlineExceeded" {
				return types.HealthUnhealthy, c.Reason
			}
		}
		return replicaHealth(desiredReplicas(o.Spec.Replicas), o.Status.AvailableReplicas), ""
	case *appsv1.StatefulSet:
		return replicaHealth(desiredReplicas(o.Spec.Replicas), o.Status.ReadyReplicas), ""
	case *appsv1.ReplicaSet:
		return replicaHealth(desiredReplicas(o.Spec.Replicas), o.Status.ReadyReplicas), ""
	case *appsv1.DaemonSet:
		return replicaHealth(o.Status.DesiredNumberScheduled, o.Status.NumberReady), ""
	case *batchv1.Job:
		for _, c := range o.Status.Conditions {
			if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
				return types.HealthUnhealthy, c.Reason
			}
		}
		return types.HealthHealthy, ""
	case *corev1.Pod:
		return podHealth(o)
	case *corev1.Node:
		return nodeHealth(o)
	default:
		return "", ""
	}
}

func desiredReplicas(r *int32) int32 {
	if r == nil {
		return 1
	}
	return *r
}

func replicaHealth(desired, ready int32) types.HealthState {
	switch {
	case ready >= desired:
		return types.HealthHealthy
	case ready == 0:
		return types.HealthUnhealthy
	default:
		return types.HealthDegraded
	}
}

func podHealth(p *corev1.Pod) (types.HealthState, string) {
	switch p.Status.Phase {
	case corev1.PodSucceeded:
		return types.HealthHealthy, ""
	case corev1.PodFailed:
		if p.Status.Reason != "" {
			return types.HealthUnhealthy, p.Status.Reason
		}
		return types.HealthUnhealthy, "Failed"
	}

	statuses := append(append([]corev1.ContainerStatus(nil), p.Status.InitContainerStatuses...), p.Status.ContainerStatuses...)
	for _, cs := range statuses {
		if w := cs.State.Waiting; w != nil && problemWaitingReasons[w.Reason] {
			return types.HealthUnhealthy, w.Reason
		}
		if t := cs.LastTerminationState.Terminated; t != nil && t.Reason == "OOMKilled" && !cs.Ready {
			return types.HealthUnhealthy, t.Reason
		}
	}

	if p.Status.Phase == corev1.PodPending {
		return types.HealthDegraded, ""
	}
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			if c.Status == corev1.ConditionTrue {
				return types.HealthHealthy, ""
			}
			return types.HealthDegraded, ""
		}
	}
	return types.HealthUnknown, ""
}

func nodeHealth(n *corev1.Node) (types.HealthState, string) {
	health := types.HealthUnknown
	for _, c := range n.Status.Conditions {
		switch c.Type {
		case corev1.NodeReady:
			if c.Status != corev1.ConditionTrue {
				return types.HealthUnhealthy, "NodeNotReady"
			}
			if health == types.HealthUnknown {
				health = types.HealthHealthy
			}
		case corev1.NodeMemoryPressure, corev1.NodeDiskPressure, corev1.NodePIDPressure:
			if c.Status == corev1.ConditionTrue {
				health = types.HealthDegraded
			}
		}
	}
	return health, ""
}
