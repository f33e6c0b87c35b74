package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/internal/lifecycle"
	"github.com/edgeforge/deployd/pkg/model"
)

// track waits for every affected component to reach a healthy state
// newer than the apply time. BROKEN fails tracking immediately; ERRORED
// keeps waiting because the supervisor retries errored components;
// silence runs out the per-component timeout. All subscriptions are
// released before track returns, whatever the outcome.
func (e *Executor) track(ctx context.Context, comps []model.ResolvedComponent, sinceMs int64) error {
	timeout := e.cfg.ComponentTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	events := make(chan model.LifecycleEvent, len(comps)*4)
	subs := make([]*lifecycle.Subscription, 0, len(comps))
	var wg sync.WaitGroup
	for _, c := range comps {
		sub := e.monitor.Subscribe(c.Name)
		subs = append(subs, sub)
		wg.Add(1)
		go func(sub *lifecycle.Subscription) {
			defer wg.Done()
			for ev := range sub.C {
				select {
				case events <- ev:
				default:
				}
			}
		}(sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Cancel()
		}
		wg.Wait()
	}()

	pending := make(map[string]bool, len(comps))
	for _, c := range comps {
		pending[c.Name] = true
	}

	// evaluate re-reads authoritative states, so coalesced events only
	// cost an extra pass, never a missed outcome.
	evaluate := func() []string {
		var broken []string
		for name := range pending {
			ev, ok := e.monitor.State(name)
			if !ok || ev.AtMs < sinceMs {
				continue
			}
			switch {
			case ev.State.Healthy():
				delete(pending, name)
			case ev.State == model.LifecycleBroken:
				broken = append(broken, name)
			}
		}
		sort.Strings(broken)
		return broken
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if broken := evaluate(); len(broken) > 0 {
			return errs.ComponentBroken(broken)
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-events:
		case <-deadline.C:
			if broken := evaluate(); len(broken) > 0 {
				return errs.ComponentBroken(broken)
			}
			if len(pending) == 0 {
				return nil
			}
			unhealthy := make([]string, 0, len(pending))
			for name := range pending {
				unhealthy = append(unhealthy, name)
			}
			return errs.ComponentBroken(unhealthy)
		case <-ctx.Done():
			return fmt.Errorf("lifecycle tracking interrupted: %w", ctx.Err())
		}
	}
}
