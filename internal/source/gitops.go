package source

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/pkg/deployment"
)

// GitOpsConfig describes the deployment document repository.
type GitOpsConfig struct {
	// URL is the remote; a local path works for file-based remotes.
	URL    string
	Branch string
	Token  string
	// Dir is the local working clone.
	Dir string
	// Path restricts documents to one subdirectory, typically the
	// device or fleet name. Empty watches the whole repository.
	Path string
	// Interval between pulls.
	Interval time.Duration
}

// GitOps polls a repository of deployment documents and submits the
// ones that changed since the last seen commit. The matching set is
// also submitted once at startup, so a device that was offline
// converges on the current repository state.
type GitOps struct {
	cfg GitOpsConfig
	sub Submitter
	log *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewGitOps(cfg GitOpsConfig, sub Submitter, log *zap.Logger) *GitOps {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &GitOps{cfg: cfg, sub: sub, log: log, stop: make(chan struct{})}
}

func (g *GitOps) Start() error {
	repo, err := g.ensureClone()
	if err != nil {
		return err
	}
	g.submitTree()
	go g.loop(repo, g.head(repo))
	return nil
}

func (g *GitOps) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *GitOps) loop(repo *git.Repository, last string) {
	for {
		select {
		case <-g.stop:
			return
		case <-time.After(g.cfg.Interval):
			if err := g.pull(repo); err != nil {
				g.log.Warn("gitops pull failed", zap.Error(err))
				continue
			}
			head := g.head(repo)
			if head == "" || head == last {
				continue
			}
			changed, err := changedFiles(repo, last, head)
			if err != nil {
				// Can't diff, resubmit the whole tree instead. The
				// engine drops what it has already finished.
				g.log.Warn("gitops diff failed", zap.Error(err))
				g.submitTree()
				last = head
				continue
			}
			for _, name := range changed {
				if g.matches(name) {
					g.submitFile(filepath.Join(g.cfg.Dir, name))
				}
			}
			last = head
		}
	}
}

func (g *GitOps) auth() transport.AuthMethod {
	if g.cfg.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "git", Password: g.cfg.Token}
}

// ensureClone opens the working clone, creating or recreating it as
// needed.
func (g *GitOps) ensureClone() (*git.Repository, error) {
	if _, err := os.Stat(filepath.Join(g.cfg.Dir, ".git")); err == nil {
		if repo, err := git.PlainOpen(g.cfg.Dir); err == nil {
			return repo, nil
		}
		// Corrupt clone, start over.
		os.RemoveAll(g.cfg.Dir)
	}
	opts := &git.CloneOptions{
		URL:          g.cfg.URL,
		Auth:         g.auth(),
		SingleBranch: true,
	}
	if g.cfg.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(g.cfg.Branch)
	}
	repo, err := git.PlainClone(g.cfg.Dir, false, opts)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", g.cfg.URL, err)
	}
	return repo, nil
}

func (g *GitOps) pull(repo *git.Repository) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.Pull(&git.PullOptions{RemoteName: "origin", Auth: g.auth(), Force: true})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func (g *GitOps) head(repo *git.Repository) string {
	ref, err := repo.Head()
	if err != nil {
		return ""
	}
	return ref.Hash().String()
}

func changedFiles(repo *git.Repository, oldHash, newHash string) ([]string, error) {
	oldC, err := repo.CommitObject(plumbing.NewHash(oldHash))
	if err != nil {
		return nil, err
	}
	newC, err := repo.CommitObject(plumbing.NewHash(newHash))
	if err != nil {
		return nil, err
	}
	patch, err := oldC.Patch(newC)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, st := range patch.Stats() {
		files = append(files, st.Name)
	}
	return files, nil
}

func (g *GitOps) matches(name string) bool {
	if !eligible(filepath.Base(name)) {
		return false
	}
	if g.cfg.Path == "" {
		return true
	}
	prefix := strings.TrimSuffix(g.cfg.Path, "/") + "/"
	return strings.HasPrefix(name, prefix)
}

// submitTree submits every matching document in the working clone.
func (g *GitOps) submitTree() {
	root := g.cfg.Dir
	if g.cfg.Path != "" {
		root = filepath.Join(root, g.cfg.Path)
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if eligible(d.Name()) {
			g.submitFile(path)
		}
		return nil
	})
}

func (g *GitOps) submitFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		g.log.Warn("gitops document unreadable", zap.String("file", path), zap.Error(err))
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return
	}
	d := buildDeployment(raw, deployment.SourceGitOps)
	accepted := g.sub.Offer(d)
	g.log.Info("gitops document submitted",
		zap.String("file", filepath.Base(path)),
		zap.String("deployment", d.ID),
		zap.Bool("accepted", accepted))
}
