package collector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/timberline-dev/timberline/internal/testutil"
	"github.com/timberline-dev/timberline/internal/types"
)

func TestDeriveHealth(t *testing.T) {
	waiting := func(reason string) corev1.ContainerStatus {
		return corev1.ContainerStatus{State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: reason}}}
	}
	ready := func(status corev1.ConditionStatus) []corev1.PodCondition {
		return []corev1.PodCondition{{Type: corev1.PodReady, Status: status}}
	}

	tests := []struct {
		name       string
		obj        interface{}
		wantHealth types.HealthState
		wantReason string
	}{
		{
			name: "deployment available",
			obj: &appsv1.Deployment{
				Spec:   appsv1.DeploymentSpec{Replicas: ptr.To[int32](2)},
				Status: appsv1.DeploymentStatus{AvailableReplicas: 2},
			},
			wantHealth: types.HealthHealthy,
		},
		{
			name:       "deployment none available",
			obj:        &appsv1.Deployment{},
			wantHealth: types.HealthUnhealthy,
		},
		{
			name: "deployment progress deadline",
			obj: &appsv1.Deployment{Status: appsv1.DeploymentStatus{
				AvailableReplicas: 1,
				Conditions: []appsv1.DeploymentCondition{{
					Type: appsv1.DeploymentProgressing, Status: corev1.ConditionFalse, Reason: "ProgressDeadlineExceeded",
				}},
			}},
			wantHealth: types.HealthUnhealthy,
			wantReason: "ProgressDeadlineExceeded",
		},
		{
			name: "statefulset partially ready",
			obj: &appsv1.StatefulSet{
				Spec:   appsv1.StatefulSetSpec{Replicas: ptr.To[int32](3)},
				Status: appsv1.StatefulSetStatus{ReadyReplicas: 1},
			},
			wantHealth: types.HealthDegraded,
		},
		{
			name:       "replicaset scaled to zero",
			obj:        &appsv1.ReplicaSet{Spec: appsv1.ReplicaSetSpec{Replicas: ptr.To[int32](0)}},
			wantHealth: types.HealthHealthy,
		},
		{
			name:       "daemonset",
			obj:        &appsv1.DaemonSet{Status: appsv1.DaemonSetStatus{DesiredNumberScheduled: 3, NumberReady: 3}},
			wantHealth: types.HealthHealthy,
		},
		{
			name: "job failed",
			obj: &batchv1.Job{Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{{
				Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "BackoffLimitExceeded",
			}}}},
			wantHealth: types.HealthUnhealthy,
			wantReason: "BackoffLimitExceeded",
		},
		{
			name: "pod crash looping",
			obj: &corev1.Pod{Status: corev1.PodStatus{
				Phase:             corev1.PodRunning,
				ContainerStatuses: []corev1.ContainerStatus{waiting("CrashLoopBackOff")},
			}},
			wantHealth: types.HealthUnhealthy,
			wantReason: "CrashLoopBackOff",
		},
		{
			name: "pod init image pull",
			obj: &corev1.Pod{Status: corev1.PodStatus{
				Phase:                 corev1.PodPending,
				InitContainerStatuses: []corev1.ContainerStatus{waiting("ImagePullBackOff")},
			}},
			wantHealth: types.HealthUnhealthy,
			wantReason: "ImagePullBackOff",
		},
		{
			name: "pod oom killed",
			obj: &corev1.Pod{Status: corev1.PodStatus{
				Phase: corev1.PodRunning,
				ContainerStatuses: []corev1.ContainerStatus{{
					LastTerminationState: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{Reason: "OOMKilled"}},
				}},
			}},
			wantHealth: types.HealthUnhealthy,
			wantReason: "OOMKilled",
		},
		{
			name:       "pod evicted",
			obj:        &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodFailed, Reason: "Evicted"}},
			wantHealth: types.HealthUnhealthy,
			wantReason: "Evicted",
		},
		{
			name:       "pod pending",
			obj:        &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodPending}},
			wantHealth: types.HealthDegraded,
		},
		{
			name:       "pod ready",
			obj:        &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodRunning, Conditions: ready(corev1.ConditionTrue)}},
			wantHealth: types.HealthHealthy,
		},
		{
			name:       "pod not ready",
			obj:        &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodRunning, Conditions: ready(corev1.ConditionFalse)}},
			wantHealth: types.HealthDegraded,
		},
		{
			name:       "pod succeeded",
			obj:        &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodSucceeded}},
			wantHealth: types.HealthHealthy,
		},
		{
			name: "node not ready",
			obj: &corev1.Node{Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
				{Type: corev1.NodeReady, Status: corev1.ConditionUnknown},
			}}},
			wantHealth: types.HealthUnhealthy,
			wantReason: "NodeNotReady",
		},
		{
			name: "node under pressure",
			obj: &corev1.Node{Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
				{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
				{Type: corev1.NodeDiskPressure, Status: corev1.ConditionTrue},
			}}},
			wantHealth: types.HealthDegraded,
		},
		{
			name: "configmap has no health",
			obj:  &corev1.ConfigMap{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			health, reason := deriveHealth(tt.obj)
			assert.Equal(t, tt.wantHealth, health)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestComputeDiff_Summary(t *testing.T) {
	before := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "cm", Labels: map[string]string{"a": "1"}},
		Data:       map[string]string{"k1": "v"},
	}
	after := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "cm", Labels: map[string]string{"a": "2", "b": "x"}},
		Data:       map[string]string{"k1": "w", "k2": "v", "k3": "v"},
	}

	d, err := computeDiff(before, after)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Len(t, d.Fields, 5)
	assert.Contains(t, d.Summary, "data.k1")
	assert.True(t, strings.HasSuffix(d.Summary, " and 2 more"), d.Summary)
}

func TestDotted(t *testing.T) {
	tests := map[string]string{
		"/spec/replicas":                         "spec.replicas",
		"/spec/template/spec/containers/0/image": "spec.template.spec.containers.image",
		"/metadata/annotations/example.com~1rev": "metadata.annotations.example.com/rev",
		"/spec/ports/-":                          "spec.ports",
	}
	for pointer, want := range tests {
		assert.Equal(t, want, dotted(pointer), pointer)
	}
}

func TestNativeEvent(t *testing.T) {
	ev := warning()
	ev.Type = corev1.EventTypeNormal
	ev.Count = 0
	ev.LastTimestamp = metav1.Time{}
	ev.EventTime = metav1.NewMicroTime(testutil.At(12))

	e := nativeEvent(ev)
	require.NoError(t, e.Validate())
	assert.Equal(t, "ev-uid:1", e.ID)
	assert.False(t, e.IsWarning())
	assert.Equal(t, int32(1), e.Native.Count)
	assert.True(t, e.Timestamp.Equal(testutil.At(12)))
	assert.Equal(t, types.LaneID("Event/shop/web-abc-xyz.17f3"), e.LaneID())
	assert.Equal(t, "BackOff", e.Reason)

	ev.InvolvedObject = corev1.ObjectReference{}
	assert.Nil(t, nativeEvent(ev).Owner)
}

func TestNativeEvent_OwnerNamespace(t *testing.T) {
	tests := []struct {
		name     string
		involved corev1.ObjectReference
		want     types.LaneID
	}{
		{
			name:     "namespaced object",
			involved: corev1.ObjectReference{Kind: "Pod", Name: "web-abc-xyz", Namespace: "shop"},
			want:     "Pod/shop/web-abc-xyz",
		},
		{
			name:     "cluster-scoped object",
			involved: corev1.ObjectReference{Kind: "Node", Name: "n1"},
			want:     "Node//n1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := warning()
			ev.Namespace = "default"
			ev.InvolvedObject = tt.involved

			e := nativeEvent(ev)
			owner, ok := e.OwnerLaneID()
			require.True(t, ok)
			assert.Equal(t, tt.want, owner)
			assert.Equal(t, tt.want, e.AttachedLaneID())
		})
	}
}
