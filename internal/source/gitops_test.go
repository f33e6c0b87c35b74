package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/pkg/deployment"
)

func (f *fakeSubmitter) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.got))
	for _, d := range f.got {
		out = append(out, d.ID)
	}
	return out
}

func initOrigin(t *testing.T) (string, *git.Worktree) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return dir, wt
}

func commitFile(t *testing.T, dir string, wt *git.Worktree, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := wt.Add(name)
	require.NoError(t, err)
	_, err = wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "fleet", Email: "fleet@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func TestGitOpsSubmitsExistingTree(t *testing.T) {
	origin, wt := initOrigin(t)
	commitFile(t, origin, wt, "app.json", `{"id":"git-1","components":{"app":{"version":"1.0.0"}}}`)

	sub := &fakeSubmitter{}
	g := NewGitOps(GitOpsConfig{
		URL:      origin,
		Dir:      filepath.Join(t.TempDir(), "clone"),
		Interval: time.Hour,
	}, sub, zap.NewNop())
	require.NoError(t, g.Start())
	defer g.Stop()

	require.Equal(t, 1, sub.count())
	d := sub.first()
	require.Equal(t, "git-1", d.ID)
	require.Equal(t, deployment.SourceGitOps, d.Source)
	require.False(t, d.CancelMarker)
}

func TestGitOpsSubmitsChangedFiles(t *testing.T) {
	origin, wt := initOrigin(t)
	commitFile(t, origin, wt, "app.json", `{"id":"git-1","components":{}}`)

	sub := &fakeSubmitter{}
	g := NewGitOps(GitOpsConfig{
		URL:      origin,
		Dir:      filepath.Join(t.TempDir(), "clone"),
		Interval: 50 * time.Millisecond,
	}, sub, zap.NewNop())
	require.NoError(t, g.Start())
	defer g.Stop()
	require.Equal(t, 1, sub.count())

	commitFile(t, origin, wt, "db.yaml", "id: git-2\ncomponents:\n  db:\n    version: 2.0.0\n")

	require.Eventually(t, func() bool {
		for _, id := range sub.ids() {
			if id == "git-2" {
				return true
			}
		}
		return false
	}, 5*time.Second, 25*time.Millisecond)
}

func TestGitOpsPathFilter(t *testing.T) {
	origin, wt := initOrigin(t)
	commitFile(t, origin, wt, "dev/a.json", `{"id":"dev-1","components":{}}`)
	commitFile(t, origin, wt, "prod/b.json", `{"id":"prod-1","components":{}}`)
	commitFile(t, origin, wt, "README.md", "fleet docs")

	sub := &fakeSubmitter{}
	g := NewGitOps(GitOpsConfig{
		URL:      origin,
		Dir:      filepath.Join(t.TempDir(), "clone"),
		Path:     "dev",
		Interval: time.Hour,
	}, sub, zap.NewNop())
	require.NoError(t, g.Start())
	defer g.Stop()

	require.Equal(t, 1, sub.count())
	require.Equal(t, "dev-1", sub.first().ID)
}

func TestGitOpsMatches(t *testing.T) {
	g := NewGitOps(GitOpsConfig{Path: "dev"}, nil, zap.NewNop())
	require.True(t, g.matches("dev/a.json"))
	require.True(t, g.matches("dev/nested/b.yaml"))
	require.False(t, g.matches("prod/a.json"))
	require.False(t, g.matches("dev/.hidden.json"))
	require.False(t, g.matches("dev/notes.txt"))

	open := NewGitOps(GitOpsConfig{}, nil, zap.NewNop())
	require.True(t, open.matches("a.json"))
	require.False(t, open.matches("a.json.submitted"))
}
