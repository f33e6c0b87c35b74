package executor

import (
	"time"

	"github.com/edgeforge/deployd/internal/store"
)

// Snapshot is the device state a rollback returns to: the installed
// component versions and the full configuration tree as they were
// before the deployment applied anything.
type Snapshot struct {
	TakenAt   time.Time
	Installed map[string]string
	Configs   map[string]*store.Node
}

func (e *Executor) capture() (*Snapshot, error) {
	installed, err := e.store.Installed()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		TakenAt:   time.Now(),
		Installed: installed,
		Configs:   e.store.SnapshotConfigs(),
	}, nil
}
