package noise

import (
	"regexp"
	"strings"

	"github.com/timberline-dev/timberline/internal/types"
)

// Rule is one row of the classification table.
type Rule struct {
	// Name identifies the rule in logs and tests.
	Name string
	// Match reports whether the rule applies to the event.
	Match func(e types.Event) bool
	// Routine is the verdict when Match returns true.
	Routine bool
}

// Classifier evaluates an ordered rule table. The zero value treats every
// event as signal.
type Classifier struct {
	rules []Rule
}

var (
	// DefaultNoisyKinds are kinds whose updates are steady-state churn.
	DefaultNoisyKinds = []string{"Lease", "Endpoints", "EndpointSlice", "Event"}

	// DefaultNamePatterns match leader-election, lock, lease and heartbeat objects.
	DefaultNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`leader-?elect`),
		regexp.MustCompile(`(^|[-.])heartbeats?([-.]|$)`),
		regexp.MustCompile(`(^|[-.])(lock|lease)s?$`),
		regexp.MustCompile(`^(kube-scheduler|kube-controller-manager|cloud-controller-manager)$`),
	}

	// DefaultConfigMapSuffixes mark ConfigMaps used as locks.
	DefaultConfigMapSuffixes = []string{"-lock", "-lease", "-leader"}

	// DefaultConfigMapMarkers mark ConfigMaps used as internal state stores.
	DefaultConfigMapMarkers = []string{"cluster-autoscaler-status", "ingress-controller-leader", "-state-store"}
)

// NativeObjectUpdateRule marks updates of core/v1 Event objects as routine.
func NativeObjectUpdateRule() Rule {
	return Rule{
		Name: "native-event-object-update",
		Match: func(e types.Event) bool {
			return e.IsNativeObject() && e.Operation() == types.OperationUpdate
		},
		Routine: true,
	}
}

// NonUpdateRule ends classification for everything that is not an update.
func NonUpdateRule() Rule {
	return Rule{
		Name: "non-update-is-signal",
		Match: func(e types.Event) bool {
			return e.Operation() != types.OperationUpdate
		},
		Routine: false,
	}
}

// KindRule marks updates of the given kinds as routine.
func KindRule(kinds ...string) Rule {
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return Rule{
		Name: "noisy-kind",
		Match: func(e types.Event) bool {
			return set[e.Resource.Kind]
		},
		Routine: true,
	}
}

// NamePatternRule marks objects whose name matches any pattern as routine.
func NamePatternRule(patterns ...*regexp.Regexp) Rule {
	return Rule{
		Name: "noisy-name",
		Match: func(e types.Event) bool {
			for _, p := range patterns {
				if p.MatchString(e.Resource.Name) {
					return true
				}
			}
			return false
		},
		Routine: true,
	}
}

// ConfigMapRule marks lock and state-store ConfigMaps as routine.
func ConfigMapRule(suffixes, markers []string) Rule {
	return Rule{
		Name: "noisy-configmap",
		Match: func(e types.Event) bool {
			if e.Resource.Kind != "ConfigMap" {
				return false
			}
			name := e.Resource.Name
			for _, s := range suffixes {
				if strings.HasSuffix(name, s) {
					return true
				}
			}
			for _, m := range markers {
				if strings.Contains(name, m) {
					return true
				}
			}
			return false
		},
		Routine: true,
	}
}

// DefaultRules returns the built-in rule table in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		NativeObjectUpdateRule(),
		NonUpdateRule(),
		KindRule(DefaultNoisyKinds...),
		NamePatternRule(DefaultNamePatterns...),
		ConfigMapRule(DefaultConfigMapSuffixes, DefaultConfigMapMarkers),
	}
}

// NewClassifier returns a classifier evaluating rules in order.
func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// DefaultClassifier returns a classifier with DefaultRules.
func DefaultClassifier() *Classifier {
	return NewClassifier(DefaultRules()...)
}

// WithRule returns a copy of c with r appended to the table.
func (c *Classifier) WithRule(r Rule) *Classifier {
	rules := make([]Rule, 0, len(c.rules)+1)
	rules = append(rules, c.rules...)
	return &Classifier{rules: append(rules, r)}
}

// Rules returns a copy of the rule table.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// IsRoutine reports whether e is routine chatter.
func (c *Classifier) IsRoutine(e types.Event) bool {
	_, routine := c.Classify(e)
	return routine
}

// Classify returns the name of the first matching rule and its verdict. The
// name is empty when no rule matched.
func (c *Classifier) Classify(e types.Event) (string, bool) {
	for _, r := range c.rules {
		if r.Match(e) {
			return r.Name, r.Routine
		}
	}
	return "", false
}

// Filter returns the events visible under the given toggle. With showRoutine
// set, every event is returned. The input is not modified.
func (c *Classifier) Filter(events []types.Event, showRoutine bool) []types.Event {
	out := make([]types.Event, 0, len(events))
	for _, e := range events {
		if showRoutine || !c.IsRoutine(e) {
			out = append(out, e)
		}
	}
	return out
}
