package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/pkg/deployment"
)

type release struct {
	component string
	reason    ReleaseReason
}

// fakeNotifier replies from a per-component queue of responses; an
// exhausted queue means proceed.
type fakeNotifier struct {
	mu        sync.Mutex
	responses map[string][]Response
	fail      map[string]error
	asked     []string
	released  []release
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		responses: make(map[string][]Response),
		fail:      make(map[string]error),
	}
}

func (f *fakeNotifier) RequestSafetyCheck(_ context.Context, _, component string) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, component)
	if err := f.fail[component]; err != nil {
		return Response{}, err
	}
	queue := f.responses[component]
	if len(queue) == 0 {
		return Response{}, nil
	}
	resp := queue[0]
	f.responses[component] = queue[1:]
	return resp, nil
}

func (f *fakeNotifier) ReleaseChange(_, component string, reason ReleaseReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, release{component, reason})
}

func (f *fakeNotifier) askedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.asked)
}

func (f *fakeNotifier) releases() []release {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]release(nil), f.released...)
}

func testDeployment(id string) *deployment.Deployment {
	return deployment.New(id, deployment.SourceCloudJob, []byte(`{"components":{}}`))
}

func TestSkipNotifyProceedsWithoutAsking(t *testing.T) {
	notifier := newFakeNotifier()
	g := New(notifier, zap.NewNop())

	dec, err := g.Clearance(context.Background(), Request{
		Deployment: testDeployment("d-1"),
		Components: []string{"com.example.db"},
		Action:     deployment.SkipNotifyComponents,
	})
	require.NoError(t, err)
	assert.Empty(t, dec.Notified)
	assert.Zero(t, notifier.askedCount())
}

func TestNoAffectedComponentsProceeds(t *testing.T) {
	g := New(newFakeNotifier(), zap.NewNop())

	dec, err := g.Clearance(context.Background(), Request{
		Deployment: testDeployment("d-1"),
		Action:     deployment.NotifyComponents,
	})
	require.NoError(t, err)
	assert.False(t, dec.ForcedByTimeout)
}

func TestAllClearProceeds(t *testing.T) {
	notifier := newFakeNotifier()
	g := New(notifier, zap.NewNop())

	dec, err := g.Clearance(context.Background(), Request{
		Deployment: testDeployment("d-1"),
		Components: []string{"com.example.db", "com.example.web"},
		Action:     deployment.NotifyComponents,
		Timeout:    time.Second,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"com.example.db", "com.example.web"}, dec.Notified)
	assert.False(t, dec.ForcedByTimeout)
	assert.Equal(t, 2, notifier.askedCount())
}

func TestDeferredComponentIsReaskedAfterRecheck(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.responses["com.example.db"] = []Response{{DeferFor: 40 * time.Millisecond}}
	g := New(notifier, zap.NewNop())

	start := time.Now()
	dec, err := g.Clearance(context.Background(), Request{
		Deployment: testDeployment("d-1"),
		Components: []string{"com.example.db"},
		Action:     deployment.NotifyComponents,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)

	assert.False(t, dec.ForcedByTimeout)
	assert.Equal(t, 2, notifier.askedCount())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestOverallTimeoutForcesProceed(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.responses["com.example.db"] = []Response{{DeferFor: 10 * time.Second}}
	g := New(notifier, zap.NewNop())

	dec, err := g.Clearance(context.Background(), Request{
		Deployment: testDeployment("d-1"),
		Components: []string{"com.example.db"},
		Action:     deployment.NotifyComponents,
		Timeout:    100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, dec.ForcedByTimeout)
	assert.GreaterOrEqual(t, dec.Waited, 100*time.Millisecond)
}

func TestCancellationWhileWaitingReleasesComponents(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.responses["com.example.db"] = []Response{{DeferFor: 10 * time.Second}}
	g := New(notifier, zap.NewNop())
	d := testDeployment("d-1")

	type result struct {
		dec Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		dec, err := g.Clearance(context.Background(), Request{
			Deployment: d,
			Components: []string{"com.example.db"},
			Action:     deployment.NotifyComponents,
			Timeout:    time.Minute,
		})
		done <- result{dec, err}
	}()

	require.Eventually(t, func() bool { return notifier.askedCount() >= 1 }, time.Second, 5*time.Millisecond)

	d.Cancel()
	g.Discard("d-1")

	select {
	case res := <-done:
		require.Error(t, res.err)
		assert.True(t, errs.IsCancellation(res.err))
	case <-time.After(2 * time.Second):
		t.Fatal("clearance did not observe the cancellation")
	}

	assert.Contains(t, notifier.releases(), release{"com.example.db", ReleaseCanceled})
	assert.False(t, g.Discard("d-1"))
	assert.Empty(t, g.Pending())
}

func TestDiscardUnknownDeployment(t *testing.T) {
	g := New(newFakeNotifier(), zap.NewNop())
	assert.False(t, g.Discard("never-seen"))
}

func TestUnreachableComponentRaisesNoObjection(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.fail["com.example.mute"] = errors.New("no responders")
	g := New(notifier, zap.NewNop())

	dec, err := g.Clearance(context.Background(), Request{
		Deployment:   testDeployment("d-1"),
		Components:   []string{"com.example.mute"},
		Action:       deployment.NotifyComponents,
		Timeout:      time.Second,
		ReplyTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, dec.ForcedByTimeout)
}

func TestAnnounceCompletion(t *testing.T) {
	notifier := newFakeNotifier()
	g := New(notifier, zap.NewNop())

	g.AnnounceCompletion("d-1", []string{"com.example.db", "com.example.web"})

	assert.ElementsMatch(t, []release{
		{"com.example.db", ReleaseCompleted},
		{"com.example.web", ReleaseCompleted},
	}, notifier.releases())
}
