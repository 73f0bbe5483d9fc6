package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedID is returned when a lane or resource identifier does not have
// the required kind/namespace/name segments.
var ErrMalformedID = errors.New("malformed resource identifier")

// laneIDSegments is the number of "/"-separated segments in a LaneID.
// The namespace segment may be empty for cluster-scoped resources.
const laneIDSegments = 3

// LaneID identifies a lane as "kind/namespace/name".
type LaneID string

// String returns the raw identifier.
func (id LaneID) String() string {
	return string(id)
}

// ResourceRef identifies a single Kubernetes object.
type ResourceRef struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// LaneID returns the lane identifier of the referenced object.
func (r ResourceRef) LaneID() LaneID {
	return LaneID(r.Kind + "/" + r.Namespace + "/" + r.Name)
}

// Valid reports whether both kind and name are set.
func (r ResourceRef) Valid() bool {
	return r.Kind != "" && r.Name != ""
}

// String formats the reference for logs.
func (r ResourceRef) String() string {
	return string(r.LaneID())
}

// ParseLaneID splits a lane identifier into its resource reference.
// Identifiers with fewer or more than three segments, or with an empty kind
// or name, are rejected with ErrMalformedID.
func ParseLaneID(s string) (ResourceRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) != laneIDSegments {
		return ResourceRef{}, fmt.Errorf("%w: %q has %d segments", ErrMalformedID, s, len(parts))
	}
	ref := ResourceRef{Kind: parts[0], Namespace: parts[1], Name: parts[2]}
	if !ref.Valid() {
		return ResourceRef{}, fmt.Errorf("%w: %q has an empty kind or name", ErrMalformedID, s)
	}
	return ref, nil
}

// OwnerRef names the controlling resource of an object. Unless Namespace is
// set, the owner lives in the same namespace as the owned object.
type OwnerRef struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	// Namespace pins the owner's namespace. The empty string names a
	// cluster-scoped owner.
	Namespace *string `json:"namespace,omitempty"`
}

// In resolves the owner into a full reference. namespace is used unless the
// owner pins its own.
func (o OwnerRef) In(namespace string) ResourceRef {
	if o.Namespace != nil {
		namespace = *o.Namespace
	}
	return ResourceRef{Kind: o.Kind, Namespace: namespace, Name: o.Name}
}

// workloadKinds are the kinds that run or schedule pods.
var workloadKinds = map[string]bool{
	"Deployment":  true,
	"StatefulSet": true,
	"DaemonSet":   true,
	"ReplicaSet":  true,
	"Job":         true,
	"CronJob":     true,
	"Pod":         true,
}

// IsWorkloadKind reports whether kind runs or schedules pods.
func IsWorkloadKind(kind string) bool {
	return workloadKinds[kind]
}
