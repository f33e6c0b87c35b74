// Package source feeds the engine from the places deployments arrive:
// a local inbox directory, the cloud job queue, and device shadow
// deltas.
package source

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/pkg/deployment"
)

// Submitter accepts deployments for execution. The engine satisfies it.
type Submitter interface {
	Offer(d *deployment.Deployment) bool
}

// buildDeployment turns one raw document into a deployment: the intake
// envelope supplies the id and the cancel flag, a missing id gets
// minted at receipt.
func buildDeployment(raw []byte, src deployment.Source) *deployment.Deployment {
	env := deployment.PeekEnvelope(raw)
	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	if env.Cancel {
		return deployment.NewCancelMarker(id, src)
	}
	return deployment.New(id, src, raw)
}

const submittedSuffix = ".submitted"

// Inbox watches a directory for deployment documents. Dropping a
// .json, .yaml, or .yml file submits it as a local deployment; the
// file is renamed with a .submitted suffix once handed to the engine
// so a restart does not resubmit it. Writes are debounced per file to
// let slow copies finish before the read.
type Inbox struct {
	dir      string
	sub      Submitter
	log      *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

func NewInbox(dir string, sub Submitter, log *zap.Logger) *Inbox {
	return &Inbox{
		dir:      dir,
		sub:      sub,
		log:      log,
		debounce: 100 * time.Millisecond,
		pending:  map[string]*time.Timer{},
		done:     make(chan struct{}),
	}
}

// Start creates the directory if needed, submits any documents already
// waiting in it, and begins watching for new ones.
func (in *Inbox) Start() error {
	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(in.dir); err != nil {
		w.Close()
		return err
	}
	in.watcher = w

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		w.Close()
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && eligible(e.Name()) {
			in.submitFile(filepath.Join(in.dir, e.Name()))
		}
	}

	go in.loop()
	return nil
}

func (in *Inbox) Stop() {
	in.stopOnce.Do(func() {
		close(in.done)
		if in.watcher != nil {
			in.watcher.Close()
		}
		in.mu.Lock()
		for _, t := range in.pending {
			t.Stop()
		}
		in.mu.Unlock()
	})
}

func (in *Inbox) loop() {
	for {
		select {
		case <-in.done:
			return
		case ev, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !eligible(filepath.Base(ev.Name)) {
				continue
			}
			in.schedule(ev.Name)
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.log.Warn("inbox watch error", zap.Error(err))
		}
	}
}

// schedule arms, or re-arms, the debounce timer for one file.
func (in *Inbox) schedule(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok {
		t.Reset(in.debounce)
		return
	}
	in.pending[path] = time.AfterFunc(in.debounce, func() {
		in.mu.Lock()
		delete(in.pending, path)
		in.mu.Unlock()
		select {
		case <-in.done:
			return
		default:
		}
		in.submitFile(path)
	})
}

func (in *Inbox) submitFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		in.log.Warn("inbox file unreadable", zap.String("file", path), zap.Error(err))
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return
	}

	d := buildDeployment(raw, deployment.SourceLocal)
	accepted := in.sub.Offer(d)
	in.log.Info("inbox document submitted",
		zap.String("file", filepath.Base(path)),
		zap.String("deployment", d.ID),
		zap.Bool("accepted", accepted))

	if err := os.Rename(path, path+submittedSuffix); err != nil {
		in.log.Warn("inbox file not marked as submitted", zap.String("file", path), zap.Error(err))
	}
}

func eligible(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
