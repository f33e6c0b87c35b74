package source

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/pkg/deployment"
)

type fakeSubmitter struct {
	mu  sync.Mutex
	got []*deployment.Deployment
}

func (f *fakeSubmitter) Offer(d *deployment.Deployment) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, d)
	return true
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func (f *fakeSubmitter) first() *deployment.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		return nil
	}
	return f.got[0]
}

func startInbox(t *testing.T) (string, *fakeSubmitter, *Inbox) {
	t.Helper()
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	in := NewInbox(dir, sub, zap.NewNop())
	in.debounce = 20 * time.Millisecond
	require.NoError(t, in.Start())
	t.Cleanup(in.Stop)
	return dir, sub, in
}

func TestInboxSubmitsDroppedDocument(t *testing.T) {
	dir, sub, _ := startInbox(t)

	body := []byte(`{"id":"local-1","components":{"app":{"version":"1.0.0"}}}`)
	path := filepath.Join(dir, "app.json")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	require.Eventually(t, func() bool { return sub.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	d := sub.first()
	require.Equal(t, "local-1", d.ID)
	require.Equal(t, deployment.SourceLocal, d.Source)
	require.Equal(t, body, d.RawDocument)
	require.False(t, d.CancelMarker)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path + submittedSuffix)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestInboxSubmitsFilesAlreadyWaiting(t *testing.T) {
	dir := t.TempDir()
	body := []byte("components:\n  app:\n    version: 1.0.0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "waiting.yaml"), body, 0o644))

	sub := &fakeSubmitter{}
	in := NewInbox(dir, sub, zap.NewNop())
	require.NoError(t, in.Start())
	defer in.Stop()

	require.Equal(t, 1, sub.count())
	d := sub.first()
	require.NotEmpty(t, d.ID)
	require.Equal(t, body, d.RawDocument)
}

func TestInboxCancelFile(t *testing.T) {
	dir, sub, _ := startInbox(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stop.json"),
		[]byte(`{"id":"local-9","cancel":true}`), 0o644))

	require.Eventually(t, func() bool { return sub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	d := sub.first()
	require.Equal(t, "local-9", d.ID)
	require.True(t, d.CancelMarker)
}

func TestInboxIgnoresForeignFiles(t *testing.T) {
	dir, sub, _ := startInbox(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.json.submitted"), []byte(`{}`), 0o644))

	require.Never(t, func() bool { return sub.count() > 0 }, 300*time.Millisecond, 25*time.Millisecond)
}
