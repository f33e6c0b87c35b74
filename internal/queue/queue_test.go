package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeforge/deployd/pkg/deployment"
)

func groupDeployment(id string, src deployment.Source, group string) *deployment.Deployment {
	raw := fmt.Sprintf(`{"targetName":%q,"targetType":"thinggroup","components":{}}`, group)
	return deployment.New(id, src, []byte(raw))
}

func TestOfferPollOrder(t *testing.T) {
	q := New()

	a := groupDeployment("d-1", deployment.SourceCloudJob, "line1")
	b := groupDeployment("d-2", deployment.SourceCloudJob, "line2")
	c := groupDeployment("d-3", deployment.SourceLocal, "line3")

	for _, d := range []*deployment.Deployment{a, b, c} {
		accepted, superseded := q.Offer(d)
		require.True(t, accepted)
		require.Nil(t, superseded)
	}

	require.Equal(t, 3, q.Len())
	assert.Equal(t, "d-1", q.Poll().ID)
	assert.Equal(t, "d-2", q.Poll().ID)
	assert.Equal(t, "d-3", q.Poll().ID)
	assert.Nil(t, q.Poll())
}

func TestDuplicateIDDropped(t *testing.T) {
	q := New()

	first := groupDeployment("d-1", deployment.SourceCloudJob, "line1")
	accepted, _ := q.Offer(first)
	require.True(t, accepted)

	// Redundant notification for the same deployment, even with a
	// different payload, must not enqueue a second entry.
	accepted, superseded := q.Offer(groupDeployment("d-1", deployment.SourceCloudJob, "line9"))
	assert.False(t, accepted)
	assert.Nil(t, superseded)
	require.Equal(t, 1, q.Len())
	assert.Same(t, first, q.Peek())
}

func TestSameTargetSupersededInPlace(t *testing.T) {
	q := New()

	old := groupDeployment("d-1", deployment.SourceCloudJob, "line4")
	other := groupDeployment("d-2", deployment.SourceCloudJob, "line5")
	q.Offer(old)
	q.Offer(other)

	newer := groupDeployment("d-3", deployment.SourceCloudJob, "line4")
	accepted, superseded := q.Offer(newer)
	require.True(t, accepted)
	require.Same(t, old, superseded)

	// The newer deployment inherits the superseded one's position.
	require.Equal(t, 2, q.Len())
	assert.Same(t, newer, q.Poll())
	assert.Same(t, other, q.Poll())
}

func TestSupersedeRequiresSameSource(t *testing.T) {
	q := New()

	cloud := groupDeployment("d-1", deployment.SourceCloudJob, "line4")
	local := groupDeployment("d-2", deployment.SourceLocal, "line4")

	q.Offer(cloud)
	accepted, superseded := q.Offer(local)
	require.True(t, accepted)
	assert.Nil(t, superseded)
	assert.Equal(t, 2, q.Len())
}

func TestShadowCollapsesToLatest(t *testing.T) {
	q := New()

	rev1 := deployment.New("shadow-rev-1", deployment.SourceShadow,
		[]byte(`{"targetName":"press-02","targetType":"thing","components":{}}`))
	rev2 := deployment.New("shadow-rev-2", deployment.SourceShadow,
		[]byte(`{"targetName":"press-02","targetType":"thing","components":{}}`))

	q.Offer(rev1)
	accepted, superseded := q.Offer(rev2)
	require.True(t, accepted)
	assert.Same(t, rev1, superseded)
	require.Equal(t, 1, q.Len())
	assert.Same(t, rev2, q.Peek())
}

func TestUnresolvableTargetOnlyDedupesByID(t *testing.T) {
	q := New()

	// The target peek fails on these, so they carry no target key and
	// never supersede each other; the resolver rejects them later.
	bad1 := deployment.New("d-1", deployment.SourceCloudJob,
		[]byte(`{"targetArn":"arn:aws:iot:eu-west-1:123:rule/bad","components":{}}`))
	bad2 := deployment.New("d-2", deployment.SourceCloudJob,
		[]byte(`{"targetArn":"arn:aws:iot:eu-west-1:123:rule/bad","components":{}}`))
	require.Empty(t, bad1.TargetKey)

	q.Offer(bad1)
	accepted, superseded := q.Offer(bad2)
	require.True(t, accepted)
	assert.Nil(t, superseded)
	assert.Equal(t, 2, q.Len())
}

func TestRemove(t *testing.T) {
	q := New()
	q.Offer(groupDeployment("d-1", deployment.SourceCloudJob, "line1"))
	q.Offer(groupDeployment("d-2", deployment.SourceCloudJob, "line2"))
	q.Offer(groupDeployment("d-3", deployment.SourceCloudJob, "line3"))

	removed := q.Remove("d-2")
	require.NotNil(t, removed)
	assert.Equal(t, "d-2", removed.ID)
	assert.Nil(t, q.Remove("d-2"))

	assert.Equal(t, "d-1", q.Poll().ID)
	assert.Equal(t, "d-3", q.Poll().ID)
}

func TestSnapshotIsDetached(t *testing.T) {
	q := New()
	q.Offer(groupDeployment("d-1", deployment.SourceCloudJob, "line1"))
	q.Offer(groupDeployment("d-2", deployment.SourceCloudJob, "line2"))

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "d-1", snap[0].ID)

	q.Poll()
	assert.Len(t, snap, 2)
	assert.Equal(t, 1, q.Len())
}

func TestConcurrentOffers(t *testing.T) {
	q := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Offer(groupDeployment(fmt.Sprintf("d-%d", n), deployment.SourceCloudJob, fmt.Sprintf("line%d", n)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, q.Len())
}
