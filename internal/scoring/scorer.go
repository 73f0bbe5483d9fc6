// Package scoring ranks lanes by how interesting they are to look at.
//
// Scores are only ever compared with each other. They are used to place
// newly discovered lanes and by an explicit resort, so the absolute value
// carries no meaning and may be negative.
package scoring

import (
	"time"

	"github.com/samber/lo"

	"github.com/timberline-dev/timberline/internal/lanes"
	"github.com/timberline-dev/timberline/internal/types"
)

// Weights holds the tunables of the score.
type Weights struct {
	// KindBase is the starting score per resource kind.
	KindBase map[string]int
	// DefaultBase applies to kinds missing from KindBase.
	DefaultBase int

	Problematic    int
	ProblematicCap int

	// PerOperation is added for each distinct operation, up to three.
	PerOperation int

	Add    int
	Delete int

	// StackBonus is added once when the lane has children, plus PerChild for
	// each descendant lane up to ChildCap in total.
	StackBonus int
	PerChild   int
	ChildCap   int

	SystemNamespacePenalty int

	RecentWindow time.Duration
	PerRecent    int
	RecentCap    int

	// ChurnThreshold is the number of updates tolerated before a lane that
	// only ever updates is penalized PerChurn for each additional one.
	ChurnThreshold int
	PerChurn       int
	ChurnCap       int
}

// DefaultWeights returns the standard weights.
func DefaultWeights() Weights {
	return Weights{
		KindBase: map[string]int{
			"Deployment":              100,
			"StatefulSet":             100,
			"DaemonSet":               100,
			"Service":                 90,
			"Ingress":                 90,
			"CronJob":                 80,
			"Job":                     75,
			"Pod":                     70,
			"ReplicaSet":              60,
			"HorizontalPodAutoscaler": 55,
			"PersistentVolumeClaim":   50,
			"Node":                    50,
			"ConfigMap":               30,
			"Secret":                  20,
			"Lease":                   10,
		},
		DefaultBase:            50,
		Problematic:            50,
		ProblematicCap:         200,
		PerOperation:           15,
		Add:                    10,
		Delete:                 15,
		StackBonus:             30,
		PerChild:               5,
		ChildCap:               50,
		SystemNamespacePenalty: 50,
		RecentWindow:           5 * time.Minute,
		PerRecent:              5,
		RecentCap:              30,
		ChurnThreshold:         10,
		PerChurn:               2,
		ChurnCap:               60,
	}
}

// DefaultSystemNamespaces are penalized so that control plane chatter does
// not crowd out application lanes.
var DefaultSystemNamespaces = []string{
	"kube-system",
	"kube-public",
	"kube-node-lease",
	"cert-manager",
	"monitoring",
	"ingress-nginx",
	"istio-system",
	"gatekeeper-system",
	"kyverno",
}

// Scorer computes interestingness scores. It holds no mutable state and is
// safe for concurrent use.
type Scorer struct {
	weights Weights
	system  map[string]bool
}

// Options configures a Scorer.
type Options struct {
	Weights          Weights
	SystemNamespaces []string
}

// DefaultOptions returns DefaultWeights and DefaultSystemNamespaces.
func DefaultOptions() Options {
	return Options{
		Weights:          DefaultWeights(),
		SystemNamespaces: DefaultSystemNamespaces,
	}
}

// New creates a Scorer.
func New(opts Options) *Scorer {
	return &Scorer{
		weights: opts.Weights,
		system: lo.SliceToMap(opts.SystemNamespaces, func(ns string) (string, bool) {
			return ns, true
		}),
	}
}

// Default returns a Scorer using DefaultOptions.
func Default() *Scorer {
	return New(DefaultOptions())
}

// Score returns the interestingness of l at time now. Event based terms
// consider the lane and all of its descendants.
func (s *Scorer) Score(l *lanes.Lane, now time.Time) int {
	w := s.weights
	events := l.AllEvents()

	score := w.DefaultBase
	if base, ok := w.KindBase[l.Resource.Kind]; ok {
		score = base
	}

	problematic := 0
	adds, deletes, updates, recent := 0, 0, 0, 0
	ops := make(map[types.Operation]bool, 3)
	for _, e := range events {
		if lanes.IsProblematic(e) {
			problematic++
		}
		switch op := e.Operation(); op {
		case types.OperationAdd:
			adds++
			ops[op] = true
		case types.OperationDelete:
			deletes++
			ops[op] = true
		case types.OperationUpdate:
			updates++
			ops[op] = true
		}
		if age := now.Sub(e.Timestamp); age >= 0 && age <= w.RecentWindow {
			recent++
		}
	}

	score += min(problematic*w.Problematic, w.ProblematicCap)
	score += min(len(ops), 3) * w.PerOperation
	score += adds*w.Add + deletes*w.Delete

	if n := lanes.Count(l.Children); n > 0 {
		score += w.StackBonus + min(n*w.PerChild, w.ChildCap)
	}

	if s.system[l.Resource.Namespace] {
		score -= w.SystemNamespacePenalty
	}

	score += min(recent*w.PerRecent, w.RecentCap)

	if updates > 0 && updates == len(events) && updates > w.ChurnThreshold {
		score -= min((updates-w.ChurnThreshold)*w.PerChurn, w.ChurnCap)
	}

	return score
}
