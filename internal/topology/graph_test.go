package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/timberline-dev/timberline/internal/testutil"
	"github.com/timberline-dev/timberline/internal/types"
)

func meta(ns, name string) metav1.ObjectMeta {
	return metav1.ObjectMeta{Namespace: ns, Name: name}
}

func webDeployment(ns string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: meta(ns, "web"),
		Spec: appsv1.DeploymentSpec{Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "web", "tier": "frontend"}},
			Spec: corev1.PodSpec{
				Volumes: []corev1.Volume{
					{Name: "cfg", VolumeSource: corev1.VolumeSource{ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{Name: "web-config"},
					}}},
					{Name: "tls", VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{SecretName: "web-tls"}}},
				},
				Containers: []corev1.Container{{
					Name: "app",
					EnvFrom: []corev1.EnvFromSource{
						{ConfigMapRef: &corev1.ConfigMapEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: "web-config"}}},
					},
					Env: []corev1.EnvVar{{
						Name: "DB_PASSWORD",
						ValueFrom: &corev1.EnvVarSource{SecretKeyRef: &corev1.SecretKeySelector{
							LocalObjectReference: corev1.LocalObjectReference{Name: "db"},
							Key:                  "password",
						}},
					}},
				}},
			},
		}},
	}
}

func webService(ns string, selector map[string]string) *corev1.Service {
	return &corev1.Service{ObjectMeta: meta(ns, "web"), Spec: corev1.ServiceSpec{Selector: selector}}
}

func webIngress(ns string) *networkingv1.Ingress {
	backend := func(name string) networkingv1.IngressBackend {
		return networkingv1.IngressBackend{Service: &networkingv1.IngressServiceBackend{Name: name}}
	}
	def := backend("fallback")
	return &networkingv1.Ingress{
		ObjectMeta: meta(ns, "public"),
		Spec: networkingv1.IngressSpec{
			DefaultBackend: &def,
			Rules: []networkingv1.IngressRule{{
				IngressRuleValue: networkingv1.IngressRuleValue{HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{{Path: "/", Backend: backend("web")}},
				}},
			}},
		},
	}
}

func TestGraph_Edges(t *testing.T) {
	g := New(nil)
	g.Observe("Deployment", webDeployment("shop"))
	g.Observe("Service", webService("shop", map[string]string{"app": "web"}))
	g.Observe("Ingress", webIngress("shop"))
	g.Observe("HorizontalPodAutoscaler", &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: meta("shop", "web"),
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{Kind: "Deployment", Name: "web"},
		},
	})
	g.Observe("ReplicaSet", &appsv1.ReplicaSet{ObjectMeta: metav1.ObjectMeta{
		Namespace: "shop", Name: "web-abc",
		OwnerReferences: []metav1.OwnerReference{{Kind: "Deployment", Name: "web", Controller: ptr.To(true)}},
	}})
	g.Observe("ConfigMap", &corev1.ConfigMap{ObjectMeta: meta("shop", "ignored")})

	ref := testutil.Ref
	want := []types.Edge{
		testutil.Edge(types.EdgeConfigures, ref("HorizontalPodAutoscaler", "shop", "web"), ref("Deployment", "shop", "web")),
		testutil.Edge(types.EdgeExposes, ref("Service", "shop", "web"), ref("Deployment", "shop", "web")),
		testutil.Edge(types.EdgeManages, ref("Deployment", "shop", "web"), ref("ReplicaSet", "shop", "web-abc")),
		testutil.Edge(types.EdgeRoutesTo, ref("Ingress", "shop", "public"), ref("Service", "shop", "fallback")),
		testutil.Edge(types.EdgeRoutesTo, ref("Ingress", "shop", "public"), ref("Service", "shop", "web")),
		testutil.Edge(types.EdgeUses, ref("Deployment", "shop", "web"), ref("ConfigMap", "shop", "web-config")),
		testutil.Edge(types.EdgeUses, ref("Deployment", "shop", "web"), ref("Secret", "shop", "db")),
		testutil.Edge(types.EdgeUses, ref("Deployment", "shop", "web"), ref("Secret", "shop", "web-tls")),
	}
	assert.Equal(t, want, g.Edges("shop"))
	assert.Equal(t, want, g.Edges(""))
	assert.Empty(t, g.Edges("other"))
}

func TestGraph_SelectorMustMatch(t *testing.T) {
	tests := []struct {
		name     string
		selector map[string]string
		svcNS    string
		want     int
	}{
		{"matching subset", map[string]string{"app": "web"}, "shop", 1},
		{"full match", map[string]string{"app": "web", "tier": "frontend"}, "shop", 1},
		{"mismatch", map[string]string{"app": "api"}, "shop", 0},
		{"empty selector", nil, "shop", 0},
		{"other namespace", map[string]string{"app": "web"}, "staging", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(nil)
			g.Observe("Deployment", webDeployment("shop"))
			g.Observe("Service", webService(tt.svcNS, tt.selector))

			var exposes int
			for _, e := range g.Edges("") {
				if e.Type == types.EdgeExposes {
					exposes++
				}
			}
			assert.Equal(t, tt.want, exposes)
		})
	}
}

func TestGraph_ObserveReplacesAndForgetRemoves(t *testing.T) {
	g := New(nil)
	g.Observe("Service", webService("shop", map[string]string{"app": "web"}))
	g.Observe("Deployment", webDeployment("shop"))
	require.NotEmpty(t, g.Edges("shop"))

	g.Observe("Service", webService("shop", map[string]string{"app": "other"}))
	for _, e := range g.Edges("shop") {
		assert.NotEqual(t, types.EdgeExposes, e.Type)
	}

	g.Forget("Deployment", webDeployment("shop"))
	assert.Empty(t, g.Edges("shop"))
	assert.Equal(t, 1, g.Counts()["services"])
	assert.Zero(t, g.Counts()["workloads"])
}

func TestGraph_JobOwnedByCronJob(t *testing.T) {
	g := New(nil)
	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{
		Namespace: "batch", Name: "report-123",
		OwnerReferences: []metav1.OwnerReference{{Kind: "CronJob", Name: "report", Controller: ptr.To(true)}},
	}}
	g.Observe("Job", job)

	assert.Equal(t, []types.Edge{
		testutil.Edge(types.EdgeManages, testutil.Ref("CronJob", "batch", "report"), testutil.Ref("Job", "batch", "report-123")),
	}, g.Edges("batch"))

	job.OwnerReferences = nil
	g.Observe("Job", job)
	assert.Empty(t, g.Edges("batch"))
}
