// Package status fans deployment status transitions out to everyone
// watching: the broker reporting back to the sources, and API clients
// holding a watch stream on one deployment.
package status

import (
	"sync"

	"go.uber.org/zap"

	"github.com/edgeforge/deployd/pkg/model"
)

// Sink receives every status transition. The broker satisfies it.
type Sink interface {
	Report(model.StatusUpdate)
}

// Dispatcher distributes status updates to fixed sinks and to
// per-deployment watch channels. It satisfies the engine's sink port,
// so the engine reports once and the dispatcher does the spreading.
type Dispatcher struct {
	log *zap.Logger

	mu      sync.Mutex
	sinks   []Sink
	watches map[string][]chan model.StatusUpdate
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{log: log, watches: make(map[string][]chan model.StatusUpdate)}
}

// Attach adds a fixed sink that sees every update.
func (d *Dispatcher) Attach(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Watch opens a buffered stream of one deployment's transitions. The
// caller must hand the channel back to Unwatch when done.
func (d *Dispatcher) Watch(deploymentID string) chan model.StatusUpdate {
	ch := make(chan model.StatusUpdate, 8)
	d.mu.Lock()
	d.watches[deploymentID] = append(d.watches[deploymentID], ch)
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) Unwatch(deploymentID string, ch chan model.StatusUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	watchers := d.watches[deploymentID]
	for i, c := range watchers {
		if c == ch {
			close(c)
			d.watches[deploymentID] = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
	if len(d.watches[deploymentID]) == 0 {
		delete(d.watches, deploymentID)
	}
}

// Report distributes one update. Slow watchers lose updates rather
// than stall the engine.
func (d *Dispatcher) Report(up model.StatusUpdate) {
	d.mu.Lock()
	sinks := append([]Sink(nil), d.sinks...)
	watchers := append([]chan model.StatusUpdate(nil), d.watches[up.DeploymentID]...)
	d.mu.Unlock()

	for _, s := range sinks {
		s.Report(up)
	}
	for _, ch := range watchers {
		select {
		case ch <- up:
		default:
			d.log.Debug("dropping status update for slow watcher",
				zap.String("deployment", up.DeploymentID))
		}
	}
}
