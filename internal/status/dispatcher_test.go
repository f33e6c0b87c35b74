package status

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/pkg/model"
)

type recordingSink struct {
	mu  sync.Mutex
	got []model.StatusUpdate
}

func (r *recordingSink) Report(up model.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, up)
}

func update(id string, st model.DeploymentStatus) model.StatusUpdate {
	return model.StatusUpdate{DeploymentID: id, Source: "local", Status: st}
}

func TestReportReachesAttachedSinks(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	a, b := &recordingSink{}, &recordingSink{}
	d.Attach(a)
	d.Attach(b)

	d.Report(update("dep-1", model.StatusInProgress))

	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	require.Equal(t, "dep-1", a.got[0].DeploymentID)
}

func TestWatchSeesOnlyItsDeployment(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	ch := d.Watch("dep-1")
	defer d.Unwatch("dep-1", ch)

	d.Report(update("dep-2", model.StatusQueued))
	d.Report(update("dep-1", model.StatusSucceeded))

	got := <-ch
	require.Equal(t, "dep-1", got.DeploymentID)
	require.Equal(t, model.StatusSucceeded, got.Status)
	require.Empty(t, ch)
}

func TestUnwatchClosesStream(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	ch := d.Watch("dep-1")
	d.Unwatch("dep-1", ch)

	_, open := <-ch
	require.False(t, open)

	// Reporting after the last watcher left must not panic.
	d.Report(update("dep-1", model.StatusFailed))
}

func TestSlowWatcherDoesNotBlockReport(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	ch := d.Watch("dep-1")
	defer d.Unwatch("dep-1", ch)

	// Nobody reads; the buffer fills and further updates are dropped.
	for i := 0; i < 20; i++ {
		d.Report(update("dep-1", model.StatusInProgress))
	}
	require.Len(t, ch, cap(ch))
}
