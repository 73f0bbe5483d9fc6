package lanes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timberline-dev/timberline/internal/testutil"
	"github.com/timberline-dev/timberline/internal/types"
)

func TestDisplayEvents_SeverityTiebreak(t *testing.T) {
	t0 := testutil.At(10)
	update := testutil.Change("Pod", "ns", "p", types.OperationUpdate, t0)
	add := testutil.Change("Pod", "ns", "p", types.OperationAdd, t0)
	del := testutil.Change("Pod", "ns", "p", types.OperationDelete, t0)
	warn := testutil.Native("ns", "Pod", "p", types.EventTypeWarning, "BackOff", t0)
	newest := testutil.Change("Pod", "ns", "p", types.OperationUpdate, testutil.At(20))

	forest := Build([]types.Event{update, add, del, warn, newest}, nil)
	require.Len(t, forest, 1)

	got := DisplayEvents(forest[0])
	want := []string{newest.ID, warn.ID, del.ID, add.ID, update.ID}
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, want, ids)

	// Underlying lane order stays chronological.
	assert.Equal(t, newest.ID, forest[0].Events[len(forest[0].Events)-1].ID)
}

func TestIsProblematic(t *testing.T) {
	assert.True(t, IsProblematic(testutil.Native("ns", "Pod", "p", types.EventTypeWarning, "Whatever", testutil.At(0))))
	assert.True(t, IsProblematic(testutil.Native("ns", "Pod", "p", types.EventTypeNormal, "OOMKilled", testutil.At(0))))
	assert.False(t, IsProblematic(testutil.Native("ns", "Pod", "p", types.EventTypeNormal, "Pulled", testutil.At(0))))

	change := testutil.Change("Pod", "ns", "p", types.OperationUpdate, testutil.At(0))
	change.Reason = "CrashLoopBackOff"
	assert.True(t, IsProblematic(change))
}

func TestLaneHealth(t *testing.T) {
	healthy := testutil.Change("Deployment", "ns", "web", types.OperationAdd, testutil.At(0))
	healthy.Change.Health = types.HealthHealthy
	degraded := testutil.Change("Deployment", "ns", "web", types.OperationUpdate, testutil.At(1))
	degraded.Change.Health = types.HealthDegraded
	noHealth := testutil.Native("ns", "Deployment", "web", types.EventTypeNormal, "ScalingReplicaSet", testutil.At(2))

	forest := Build([]types.Event{healthy, degraded, noHealth}, nil)
	require.Len(t, forest, 1)
	assert.Equal(t, types.HealthDegraded, forest[0].Health())
	assert.Equal(t, testutil.At(2), forest[0].LatestTimestamp())

	placeholder := newLane(testutil.Ref("ReplicaSet", "ns", "x"))
	assert.Equal(t, types.HealthUnknown, placeholder.Health())
	assert.True(t, placeholder.LatestTimestamp().IsZero())
}

func TestWalkAndFind(t *testing.T) {
	forest := Build(deploymentStack(), nil)

	var depths []int
	Walk(forest, func(_ *Lane, depth int) bool {
		depths = append(depths, depth)
		return true
	})
	assert.Equal(t, []int{0, 1, 2}, depths)

	assert.NotNil(t, Find(forest, "Pod/ns/web-abc-xyz"))
	assert.Nil(t, Find(forest, "Pod/ns/nope"))
	assert.Equal(t, 3, Count(forest))
	assert.Len(t, forest[0].AllEvents(), 3)
}
