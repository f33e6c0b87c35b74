// Package queue is the intake buffer between the deployment sources and
// the engine. It keeps arrival order but holds at most one pending
// deployment per (source, target) pair: a newer deployment for a pair
// supersedes the queued one in place, so a burst of notifications for
// the same target collapses to the latest document without losing the
// queue position.
package queue

import (
	"sync"

	"github.com/edgeforge/deployd/pkg/deployment"
)

type Queue struct {
	mu    sync.Mutex
	items []*deployment.Deployment
}

func New() *Queue {
	return &Queue{}
}

// Offer adds d to the queue. It reports whether d was accepted and, when
// d superseded a queued deployment for the same (source, target), the
// deployment it replaced so the caller can report it CANCELED.
//
// A deployment whose ID is already queued is dropped: redundant
// re-delivery of the same notification must not grow the queue.
func (q *Queue) Offer(d *deployment.Deployment) (accepted bool, superseded *deployment.Deployment) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, queued := range q.items {
		if queued.ID == d.ID {
			return false, nil
		}
	}
	if d.TargetKey != "" {
		for i, queued := range q.items {
			if queued.Source == d.Source && queued.TargetKey == d.TargetKey {
				q.items[i] = d
				return true, queued
			}
		}
	}
	q.items = append(q.items, d)
	return true, nil
}

// Poll removes and returns the oldest deployment, or nil when the queue
// is empty. The engine is the only poller.
func (q *Queue) Poll() *deployment.Deployment {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	d := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return d
}

// Peek returns the oldest deployment without removing it, or nil.
func (q *Queue) Peek() *deployment.Deployment {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Remove takes the deployment with the given ID out of the queue and
// returns it, or nil if nothing with that ID is queued.
func (q *Queue) Remove(id string) *deployment.Deployment {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, queued := range q.items {
		if queued.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return queued
		}
	}
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued deployments in order. The engine persists
// the snapshot so pending deployments survive a restart.
func (q *Queue) Snapshot() []*deployment.Deployment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*deployment.Deployment, len(q.items))
	copy(out, q.items)
	return out
}
