package topology

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/timberline-dev/timberline/internal/types"
)

// serviceEntry holds the parsed service data.
type serviceEntry struct {
	ref      types.ResourceRef
	selector labels.Selector
}

type ingressEntry struct {
	ref      types.ResourceRef
	backends []string
}

// workloadEntry is a Deployment, StatefulSet or DaemonSet.
type workloadEntry struct {
	ref        types.ResourceRef
	podLabels  labels.Set
	configMaps []string
	secrets    []string
}

type autoscalerEntry struct {
	ref    types.ResourceRef
	target types.ResourceRef
}

type ownedEntry struct {
	ref   types.ResourceRef
	owner types.ResourceRef
}

// Graph is safe for concurrent use. The zero value is not usable; call New.
type Graph struct {
	logger *zap.Logger

	mu sync.RWMutex

	// All maps are keyed by lane id.
	services    map[types.LaneID]*serviceEntry
	ingresses   map[types.LaneID]*ingressEntry
	workloads   map[types.LaneID]*workloadEntry
	autoscalers map[types.LaneID]*autoscalerEntry
	owned       map[types.LaneID]*ownedEntry
}

// New creates an empty Graph.
func New(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		logger:      logger.Named("topology"),
		services:    make(map[types.LaneID]*serviceEntry),
		ingresses:   make(map[types.LaneID]*ingressEntry),
		workloads:   make(map[types.LaneID]*workloadEntry),
		autoscalers: make(map[types.LaneID]*autoscalerEntry),
		owned:       make(map[types.LaneID]*ownedEntry),
	}
}

func refOf(kind string, obj metav1.Object) types.ResourceRef {
	return types.ResourceRef{Kind: kind, Namespace: obj.GetNamespace(), Name: obj.GetName()}
}

// Observe records the latest revision of obj. Kinds that contribute no
// edges are ignored.
func (g *Graph) Observe(kind string, obj metav1.Object) {
	ref := refOf(kind, obj)
	id := ref.LaneID()

	g.mu.Lock()
	defer g.mu.Unlock()

	switch o := obj.(type) {
	case *corev1.Service:
		// An empty selector would match every pod; such services are
		// backed by manually managed endpoints.
		var sel labels.Selector
		if len(o.Spec.Selector) > 0 {
			sel = labels.SelectorFromSet(o.Spec.Selector)
		}
		g.services[id] = &serviceEntry{ref: ref, selector: sel}
	case *networkingv1.Ingress:
		g.ingresses[id] = &ingressEntry{ref: ref, backends: ingressBackends(o)}
	case *appsv1.Deployment:
		g.workloads[id] = newWorkload(ref, o.Spec.Template)
	case *appsv1.StatefulSet:
		g.workloads[id] = newWorkload(ref, o.Spec.Template)
	case *appsv1.DaemonSet:
		g.workloads[id] = newWorkload(ref, o.Spec.Template)
	case *appsv1.ReplicaSet, *batchv1.Job:
		g.observeOwned(ref, obj)
	case *autoscalingv2.HorizontalPodAutoscaler:
		target := o.Spec.ScaleTargetRef
		g.autoscalers[id] = &autoscalerEntry{
			ref:    ref,
			target: types.ResourceRef{Kind: target.Kind, Namespace: ref.Namespace, Name: target.Name},
		}
	default:
		return
	}

	switch kind {
	case "Deployment", "StatefulSet", "DaemonSet":
		g.observeOwned(ref, obj)
	}
}

func (g *Graph) observeOwned(ref types.ResourceRef, obj metav1.Object) {
	owner := metav1.GetControllerOf(obj)
	if owner == nil {
		delete(g.owned, ref.LaneID())
		return
	}
	g.owned[ref.LaneID()] = &ownedEntry{
		ref:   ref,
		owner: types.ResourceRef{Kind: owner.Kind, Namespace: ref.Namespace, Name: owner.Name},
	}
}

// Forget removes obj from the graph.
func (g *Graph) Forget(kind string, obj metav1.Object) {
	id := refOf(kind, obj).LaneID()

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.services, id)
	delete(g.ingresses, id)
	delete(g.workloads, id)
	delete(g.autoscalers, id)
	delete(g.owned, id)
}

// Edges returns the edges whose source lives in namespace, or every edge
// when namespace is empty. The result is sorted by type, source and target.
func (g *Graph) Edges(namespace string) []types.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	in := func(ref types.ResourceRef) bool {
		return namespace == "" || ref.Namespace == namespace
	}

	seen := make(map[types.Edge]bool)
	var edges []types.Edge
	add := func(t types.EdgeType, source, target types.ResourceRef) {
		e := types.Edge{Source: source, Target: target, Type: t}
		if !e.Valid() || seen[e] {
			return
		}
		seen[e] = true
		edges = append(edges, e)
	}

	for _, svc := range g.services {
		if svc.selector == nil || !in(svc.ref) {
			continue
		}
		for _, w := range g.workloads {
			if w.ref.Namespace == svc.ref.Namespace && svc.selector.Matches(w.podLabels) {
				add(types.EdgeExposes, svc.ref, w.ref)
			}
		}
	}

	for _, ing := range g.ingresses {
		if !in(ing.ref) {
			continue
		}
		for _, name := range ing.backends {
			add(types.EdgeRoutesTo, ing.ref, types.ResourceRef{Kind: "Service", Namespace: ing.ref.Namespace, Name: name})
		}
	}

	for _, w := range g.workloads {
		if !in(w.ref) {
			continue
		}
		for _, name := range w.configMaps {
			add(types.EdgeUses, w.ref, types.ResourceRef{Kind: "ConfigMap", Namespace: w.ref.Namespace, Name: name})
		}
		for _, name := range w.secrets {
			add(types.EdgeUses, w.ref, types.ResourceRef{Kind: "Secret", Namespace: w.ref.Namespace, Name: name})
		}
	}

	for _, hpa := range g.autoscalers {
		if in(hpa.ref) {
			add(types.EdgeConfigures, hpa.ref, hpa.target)
		}
	}

	for _, o := range g.owned {
		if in(o.owner) {
			add(types.EdgeManages, o.owner, o.ref)
		}
	}

	sortEdges(edges)
	return edges
}

// Counts reports how many objects of each tracked category are held.
func (g *Graph) Counts() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"services":    len(g.services),
		"ingresses":   len(g.ingresses),
		"workloads":   len(g.workloads),
		"autoscalers": len(g.autoscalers),
		"owned":       len(g.owned),
	}
}

func sortEdges(edges []types.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Source != b.Source {
			return a.Source.LaneID() < b.Source.LaneID()
		}
		return a.Target.LaneID() < b.Target.LaneID()
	})
}

func ingressBackends(ing *networkingv1.Ingress) []string {
	var out []string
	addBackend := func(b *networkingv1.IngressBackend) {
		if b != nil && b.Service != nil && b.Service.Name != "" {
			out = append(out, b.Service.Name)
		}
	}
	addBackend(ing.Spec.DefaultBackend)
	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for i := range rule.HTTP.Paths {
			addBackend(&rule.HTTP.Paths[i].Backend)
		}
	}
	return out
}

func newWorkload(ref types.ResourceRef, tmpl corev1.PodTemplateSpec) *workloadEntry {
	w := &workloadEntry{ref: ref, podLabels: labels.Set(tmpl.Labels)}
	spec := tmpl.Spec

	for _, v := range spec.Volumes {
		if v.ConfigMap != nil {
			w.configMaps = append(w.configMaps, v.ConfigMap.Name)
		}
		if v.Secret != nil {
			w.secrets = append(w.secrets, v.Secret.SecretName)
		}
		if v.Projected != nil {
			for _, src := range v.Projected.Sources {
				if src.ConfigMap != nil {
					w.configMaps = append(w.configMaps, src.ConfigMap.Name)
				}
				if src.Secret != nil {
					w.secrets = append(w.secrets, src.Secret.Name)
				}
			}
		}
	}

	containers := append(append([]corev1.Container(nil), spec.InitContainers...), spec.Containers...)
	for _, c := range containers {
		for _, from := range c.EnvFrom {
			if from.ConfigMapRef != nil {
				w.configMaps = append(w.configMaps, from.ConfigMapRef.Name)
			}
			if from.SecretRef != nil {
				w.secrets = append(w.secrets, from.SecretRef.Name)
			}
		}
		for _, env := range c.Env {
			if env.ValueFrom == nil {
				continue
			}
			if ref := env.ValueFrom.ConfigMapKeyRef; ref != nil {
				w.configMaps = append(w.configMaps, ref.Name)
			}
			if ref := env.ValueFrom.SecretKeyRef; ref != nil {
				w.secrets = append(w.secrets, ref.Name)
			}
		}
	}
	return w
}
