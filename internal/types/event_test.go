package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLaneID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ResourceRef
		wantErr bool
	}{
		{
			name:  "namespaced",
			input: "Deployment/prod/web",
			want:  ResourceRef{Kind: "Deployment", Namespace: "prod", Name: "web"},
		},
		{
			name:  "cluster scoped",
			input: "Node//worker-1",
			want:  ResourceRef{Kind: "Node", Name: "worker-1"},
		},
		{name: "too few segments", input: "Pod/web", wantErr: true},
		{name: "too many segments", input: "Pod/a/b/c", wantErr: true},
		{name: "empty kind", input: "/prod/web", wantErr: true},
		{name: "empty name", input: "Pod/prod/", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLaneID(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, LaneID(tt.input), got.LaneID())
		})
	}
}

func TestEventValidate(t *testing.T) {
	now := time.Now()
	pod := ResourceRef{Kind: "Pod", Namespace: "ns", Name: "p1"}

	valid := NewChangeEvent("e1", now, pod, OperationAdd, nil)
	assert.NoError(t, valid.Validate())

	native := NewNativeEvent("e2", now, ResourceRef{Kind: "Event", Namespace: "ns", Name: "p1.17"},
		EventTypeWarning, "BackOff", "restarting", &OwnerRef{Kind: "Pod", Name: "p1"})
	assert.NoError(t, native.Validate())

	noID := valid
	noID.ID = ""
	assert.ErrorIs(t, noID.Validate(), ErrMissingID)

	noName := NewChangeEvent("e3", now, ResourceRef{Kind: "Pod", Namespace: "ns"}, OperationAdd, nil)
	assert.ErrorIs(t, noName.Validate(), ErrMalformedID)

	badOp := NewChangeEvent("e4", now, pod, Operation("patch"), nil)
	assert.ErrorIs(t, badOp.Validate(), ErrVariantPayload)

	mixed := native
	mixed.Change = &ChangeDetail{Operation: OperationAdd}
	assert.ErrorIs(t, mixed.Validate(), ErrVariantPayload)

	unknown := valid
	unknown.Source = Source("audit")
	assert.ErrorIs(t, unknown.Validate(), ErrUnknownSource)
}

func TestEventAccessors(t *testing.T) {
	now := time.Now()
	ev := NewNativeEvent("e1", now, ResourceRef{Kind: "Event", Namespace: "ns", Name: "x"},
		EventTypeWarning, "BackOff", "", &OwnerRef{Kind: "Pod", Name: "p1"})

	assert.True(t, ev.IsWarning())
	assert.True(t, ev.IsNativeObject())
	assert.Equal(t, Operation(""), ev.Operation())

	owner, ok := ev.OwnerLaneID()
	require.True(t, ok)
	assert.Equal(t, LaneID("Pod/ns/p1"), owner)

	cluster := ""
	ev.Owner = &OwnerRef{Kind: "Node", Name: "n1", Namespace: &cluster}
	owner, ok = ev.OwnerLaneID()
	require.True(t, ok)
	assert.Equal(t, LaneID("Node//n1"), owner, "a pinned namespace wins over the event's")

	ev.Owner = &OwnerRef{Kind: "Pod"}
	_, ok = ev.OwnerLaneID()
	assert.False(t, ok, "owner without a name is malformed")
}

func TestHealthState(t *testing.T) {
	assert.Equal(t, HealthDegraded, ParseHealthState("degraded"))
	assert.Equal(t, HealthUnknown, ParseHealthState("sideways"))
	assert.Less(t, HealthHealthy.Rank(), HealthUnknown.Rank())
	assert.Less(t, HealthDegraded.Rank(), HealthUnhealthy.Rank())
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("client")
	assert.Equal(t, "client-1", g.NextID(time.Time{}))
	assert.Equal(t, "client-2", g.NextID(time.Time{}))
}

func TestULIDGenerator_Monotonic(t *testing.T) {
	g := NewULIDGenerator()
	ts := time.Now()
	a := g.NextID(ts)
	b := g.NextID(ts)
	assert.Len(t, a, 26)
	assert.True(t, strings.Compare(a, b) < 0, "ids with the same timestamp must increase")
}

func TestEdgeValid(t *testing.T) {
	svc := ResourceRef{Kind: "Service", Namespace: "ns", Name: "web"}
	dep := ResourceRef{Kind: "Deployment", Namespace: "ns", Name: "web"}

	assert.True(t, Edge{Source: svc, Target: dep, Type: EdgeExposes}.Valid())
	assert.False(t, Edge{Source: svc, Target: dep, Type: "peers"}.Valid())
	assert.False(t, Edge{Source: svc, Target: ResourceRef{Kind: "Deployment"}, Type: EdgeExposes}.Valid())
}
