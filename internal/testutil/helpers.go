// Package testutil provides shared test helpers for the timberline project.
// Import this in test files to avoid duplicating event and edge builders.
package testutil

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/timberline-dev/timberline/internal/types"
)

// Epoch is the fixed base time used by builders.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// At returns Epoch shifted by the given number of seconds.
func At(seconds int) time.Time {
	return Epoch.Add(time.Duration(seconds) * time.Second)
}

// Ref builds a resource reference.
func Ref(kind, ns, name string) types.ResourceRef {
	return types.ResourceRef{Kind: kind, Namespace: ns, Name: name}
}

// Owner builds an owner reference, or nil when kind is empty.
func Owner(kind, name string) *types.OwnerRef {
	if kind == "" {
		return nil
	}
	return &types.OwnerRef{Kind: kind, Name: name}
}

// Change builds an informer change event with a deterministic ID.
func Change(kind, ns, name string, op types.Operation, t time.Time) types.Event {
	id := fmt.Sprintf("%s/%s/%s@%s:%d", kind, ns, name, op, t.UnixNano())
	return types.NewChangeEvent(id, t, Ref(kind, ns, name), op, nil)
}

// OwnedChange is Change with an owner.
func OwnedChange(kind, ns, name string, op types.Operation, t time.Time, ownerKind, ownerName string) types.Event {
	e := Change(kind, ns, name, op, t)
	e.Owner = Owner(ownerKind, ownerName)
	return e
}

// Native builds a k8s_event attached to the involved object ownerKind/ownerName.
func Native(ns, ownerKind, ownerName string, et types.EventType, reason string, t time.Time) types.Event {
	name := fmt.Sprintf("%s.%x", ownerName, t.UnixNano())
	return types.NewNativeEvent("ev:"+ns+"/"+name, t, Ref("Event", ns, name), et, reason, reason+" on "+ownerName, Owner(ownerKind, ownerName))
}

// Edge builds a topology edge.
func Edge(t types.EdgeType, source, target types.ResourceRef) types.Edge {
	return types.Edge{Source: source, Target: target, Type: t}
}

// LoadYAML reads a YAML fixture into out.
// Fails the test immediately if the file can't be read or parsed.
func LoadYAML(t *testing.T, path string, out interface{}) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read fixture %s", path)
	require.NoError(t, yaml.Unmarshal(data, out), "failed to parse fixture %s", path)
}
