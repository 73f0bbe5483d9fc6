package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/utils/clock"

	"github.com/timberline-dev/timberline/internal/types"
)

const (
	// Live events per second and burst.
	defaultRateLimit = 100
	defaultRateBurst = 200
)

// Sink receives published events. It is called from informer goroutines.
type Sink interface {
	Publish(events ...types.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(events ...types.Event)

// Publish calls f.
func (f SinkFunc) Publish(events ...types.Event) { f(events...) }

// Observer is told about every object the collector sees, including those
// whose events were rate limited.
type Observer interface {
	Observe(kind string, obj metav1.Object)
	Forget(kind string, obj metav1.Object)
}

type kindInformer func(informers.SharedInformerFactory) cache.SharedIndexInformer

// watchedKinds maps a kind to its typed informer.
var watchedKinds = map[string]kindInformer{
	"Deployment":  func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Apps().V1().Deployments().Informer() },
	"StatefulSet": func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Apps().V1().StatefulSets().Informer() },
	"DaemonSet":   func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Apps().V1().DaemonSets().Informer() },
	"ReplicaSet":  func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Apps().V1().ReplicaSets().Informer() },
	"Job":         func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Batch().V1().Jobs().Informer() },
	"CronJob":     func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Batch().V1().CronJobs().Informer() },
	"Pod":         func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Core().V1().Pods().Informer() },
	"Service":     func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Core().V1().Services().Informer() },
	"ConfigMap":   func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Core().V1().ConfigMaps().Informer() },
	"Secret":      func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Core().V1().Secrets().Informer() },
	"Node":        func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Core().V1().Nodes().Informer() },
	"Endpoints":   func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Core().V1().Endpoints().Informer() },
	"Event":       func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Core().V1().Events().Informer() },
	"Ingress":     func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Networking().V1().Ingresses().Informer() },
	"Lease":       func(f informers.SharedInformerFactory) cache.SharedIndexInformer { return f.Coordination().V1().Leases().Informer() },
	"EndpointSlice": func(f informers.SharedInformerFactory) cache.SharedIndexInformer {
		return f.Discovery().V1().EndpointSlices().Informer()
	},
	"HorizontalPodAutoscaler": func(f informers.SharedInformerFactory) cache.SharedIndexInformer {
		return f.Autoscaling().V2().HorizontalPodAutoscalers().Informer()
	},
}

// DefaultKinds are watched when Options.Kinds is empty.
var DefaultKinds = []string{
	"Deployment", "StatefulSet", "DaemonSet", "ReplicaSet", "Job", "CronJob", "Pod",
	"Service", "Ingress", "ConfigMap", "Secret", "Node", "Lease",
	"Endpoints", "EndpointSlice", "HorizontalPodAutoscaler", "Event",
}

// Options configures a Collector.
type Options struct {
	// Kinds to watch. Defaults to DefaultKinds.
	Kinds []string
	// Namespaces restricts namespaced objects. Empty watches all.
	Namespaces []string
	// RateLimit and RateBurst bound live events per second.
	RateLimit float64
	RateBurst int
	// Resync is the informer resync period. Zero disables resync.
	Resync time.Duration

	Sink      Sink
	Observers []Observer
	Clock     clock.PassiveClock
	Logger    *zap.Logger
}

// DefaultOptions returns Options with the default kinds and limits.
func DefaultOptions() Options {
	return Options{
		Kinds:     DefaultKinds,
		RateLimit: defaultRateLimit,
		RateBurst: defaultRateBurst,
	}
}

// Collector watches the cluster and publishes timeline events.
type Collector struct {
	logger     *zap.Logger
	client     kubernetes.Interface
	sink       Sink
	observers  []Observer
	clock      clock.PassiveClock
	limiter    *rate.Limiter
	kinds      []string
	namespaces map[string]bool
	resync     time.Duration

	synced atomic.Bool
}

// New creates a Collector. It fails on an unknown kind or a missing sink.
func New(client kubernetes.Interface, opts Options) (*Collector, error) {
	if opts.Sink == nil {
		return nil, errors.New("collector: a sink is required")
	}
	def := DefaultOptions()
	if len(opts.Kinds) == 0 {
		opts.Kinds = def.Kinds
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = def.RateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = def.RateBurst
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	for _, k := range opts.Kinds {
		if _, ok := watchedKinds[k]; !ok {
			return nil, fmt.Errorf("collector: unsupported kind %q", k)
		}
	}

	c := &Collector{
		logger:    opts.Logger.Named("collector"),
		client:    client,
		sink:      opts.Sink,
		observers: opts.Observers,
		clock:     opts.Clock,
		limiter:   rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		kinds:     opts.Kinds,
		resync:    opts.Resync,
	}
	if len(opts.Namespaces) > 0 {
		c.namespaces = make(map[string]bool, len(opts.Namespaces))
		for _, ns := range opts.Namespaces {
			c.namespaces[ns] = true
		}
	}
	return c, nil
}

// HasSynced reports whether every informer finished its initial list.
func (c *Collector) HasSynced() bool {
	return c.synced.Load()
}

// Start runs the informers. Blocks until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	var factoryOpts []informers.SharedInformerOption
	if len(c.namespaces) == 1 {
		for ns := range c.namespaces {
			factoryOpts = append(factoryOpts, informers.WithNamespace(ns))
		}
	}
	factory := informers.NewSharedInformerFactoryWithOptions(c.client, c.resync, factoryOpts...)

	for _, kind := range c.kinds {
		inf := watchedKinds[kind](factory)
		if _, err := inf.AddEventHandler(c.handlerFor(kind)); err != nil {
			return fmt.Errorf("register %s handler: %w", kind, err)
		}
	}

	c.logger.Info("Starting collector",
		zap.Strings("kinds", c.kinds),
		zap.Int("namespaces", len(c.namespaces)))

	factory.Start(ctx.Done())
	for typ, ok := range factory.WaitForCacheSync(ctx.Done()) {
		if !ok {
			factory.Shutdown()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("informer for %v failed to sync", typ)
		}
	}
	c.synced.Store(true)
	c.logger.Info("Collector caches synced")

	<-ctx.Done()
	factory.Shutdown()
	c.logger.Info("Collector stopped")
	return nil
}

func (c *Collector) handlerFor(kind string) cache.ResourceEventHandler {
	return cache.ResourceEventHandlerDetailedFuncs{
		AddFunc: func(obj interface{}, isInInitialList bool) {
			c.onAdd(kind, obj, isInInitialList)
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			c.onUpdate(kind, oldObj, newObj)
		},
		DeleteFunc: func(obj interface{}) {
			c.onDelete(kind, obj)
		},
	}
}

// watched reports whether obj is in scope. Cluster-scoped objects always are.
func (c *Collector) watched(obj metav1.Object) bool {
	ns := obj.GetNamespace()
	return c.namespaces == nil || ns == "" || c.namespaces[ns]
}

func (c *Collector) onAdd(kind string, obj interface{}, initial bool) {
	m, err := meta.Accessor(obj)
	if err != nil || !c.watched(m) {
		return
	}
	if ev, ok := obj.(*corev1.Event); ok {
		c.publish(nativeEvent(ev), initial)
		return
	}
	c.observe(kind, m)
	c.publish(changeEvent(kind, m, types.OperationAdd, c.clock.Now(), initial), initial)
}

func (c *Collector) onUpdate(kind string, oldObj, newObj interface{}) {
	oldMeta, err := meta.Accessor(oldObj)
	if err != nil {
		return
	}
	newMeta, err := meta.Accessor(newObj)
	if err != nil || !c.watched(newMeta) {
		return
	}
	// Resyncs redeliver the same revision.
	if oldMeta.GetResourceVersion() == newMeta.GetResourceVersion() {
		return
	}
	if ev, ok := newObj.(*corev1.Event); ok {
		c.publish(nativeEvent(ev), false)
		return
	}
	c.observe(kind, newMeta)

	diff, err := computeDiff(oldObj, newObj)
	if err != nil {
		c.logger.Debug("Failed to diff revisions",
			zap.String("kind", kind),
			zap.String("name", newMeta.GetName()),
			zap.Error(err))
	} else if diff == nil {
		return
	}

	e := changeEvent(kind, newMeta, types.OperationUpdate, c.clock.Now(), false)
	e.Change.Diff = diff
	c.publish(e, false)
}

func (c *Collector) onDelete(kind string, obj interface{}) {
	if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tomb.Obj
	}
	m, err := meta.Accessor(obj)
	if err != nil || !c.watched(m) {
		return
	}
	if _, ok := obj.(*corev1.Event); ok {
		return
	}
	for _, o := range c.observers {
		o.Forget(kind, m)
	}
	c.publish(changeEvent(kind, m, types.OperationDelete, c.clock.Now(), false), false)
}

func (c *Collector) observe(kind string, m metav1.Object) {
	for _, o := range c.observers {
		o.Observe(kind, m)
	}
}

// publish hands e to the sink. The initial list bypasses the limiter.
func (c *Collector) publish(e types.Event, initial bool) {
	if !initial && !c.limiter.Allow() {
		collectorRateLimitedTotal.Inc()
		return
	}
	if err := e.Validate(); err != nil {
		c.logger.Debug("Dropping invalid event", zap.Error(err))
		return
	}
	collectorEventsTotal.WithLabelValues(string(e.Source)).Inc()
	c.sink.Publish(e)
}
