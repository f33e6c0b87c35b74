// Package gate implements the update safety gate. Before a disruptive
// update is applied, every affected running component is asked whether
// now is a safe time to be disrupted; components may defer the update
// for a while, and the gate re-asks when the longest deferral expires.
// Waiting is a first-class state driven by timers and messages, never a
// blocked call stack, so a cancellation arriving mid-wait is always
// observed.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/pkg/deployment"
)

const (
	StateChecking   = "checking"
	StateWaiting    = "waiting"
	StateProceeding = "proceeding"
	StateCanceled   = "canceled"
)

const (
	eventAllClear = "all_clear"
	eventDeferred = "deferred"
	eventRecheck  = "recheck"
	eventForce    = "force"
	eventCancel   = "cancel"
)

const (
	defaultOverallTimeout = 60 * time.Second
	defaultReplyTimeout   = 20 * time.Second
)

// ReleaseReason says why a pending change notification is withdrawn.
type ReleaseReason string

const (
	ReleaseCanceled  ReleaseReason = "canceled"
	ReleaseCompleted ReleaseReason = "completed"
)

// Response is a component's answer to a safety check. DeferFor asks to
// postpone the update; zero means proceed now.
type Response struct {
	DeferFor time.Duration
}

// Notifier carries the safety-check protocol to running components.
type Notifier interface {
	RequestSafetyCheck(ctx context.Context, deploymentID, component string) (Response, error)
	ReleaseChange(deploymentID, component string, reason ReleaseReason)
}

// Request describes one deployment's clearance run.
type Request struct {
	Deployment *deployment.Deployment
	// Components whose version or resolved configuration differs and
	// that are currently running.
	Components []string
	Action     deployment.UpdateAction
	// Timeout bounds the whole wait; expiry forces the update through.
	Timeout time.Duration
	// ReplyTimeout bounds each individual safety-check reply.
	ReplyTimeout time.Duration
}

// Decision is the gate's outcome when the update may proceed.
type Decision struct {
	// Notified lists the components that were asked at least once.
	Notified []string
	// Waited is the time spent between the first request round and the
	// decision.
	Waited time.Duration
	// ForcedByTimeout is set when the overall budget expired while
	// components were still deferring. Non-fatal; the caller records it
	// as a detail.
	ForcedByTimeout bool
}

type pendingAction struct {
	id      string
	discard chan struct{}
}

// Gate runs the clearance protocol. One clearance runs at a time in
// practice because only one deployment is ever in progress, but the
// pending-action registry is keyed by deployment ID regardless.
type Gate struct {
	notifier Notifier
	log      *zap.Logger

	mu      sync.Mutex
	order   []string
	pending map[string]*pendingAction
}

func New(notifier Notifier, log *zap.Logger) *Gate {
	return &Gate{
		notifier: notifier,
		log:      log,
		pending:  make(map[string]*pendingAction),
	}
}

// Discard withdraws the pending update action for a deployment, waking
// its clearance run so the cancellation flag is observed immediately.
// It reports false when no action is pending for the ID, which covers
// unknown deployments and ones already past the gate.
func (g *Gate) Discard(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return false
	}
	delete(g.pending, id)
	for i, pid := range g.order {
		if pid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	close(p.discard)
	return true
}

// Pending lists deployment IDs with a registered pending action, oldest
// first.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func (g *Gate) register(id string) *pendingAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := &pendingAction{id: id, discard: make(chan struct{})}
	g.pending[id] = p
	g.order = append(g.order, id)
	return p
}

func (g *Gate) unregister(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; !ok {
		return
	}
	delete(g.pending, id)
	for i, pid := range g.order {
		if pid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Clearance asks every affected component for permission and returns
// once the update may proceed or the deployment was canceled while
// waiting. Cancellation comes back as a cancellation error; the caller
// maps it to the CANCELED status.
func (g *Gate) Clearance(ctx context.Context, req Request) (Decision, error) {
	if req.Action == deployment.SkipNotifyComponents || len(req.Components) == 0 {
		return Decision{}, nil
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultOverallTimeout
	}
	if req.ReplyTimeout <= 0 {
		req.ReplyTimeout = defaultReplyTimeout
	}

	id := req.Deployment.ID
	log := g.log.With(zap.String("deployment", id))

	machine := fsm.NewFSM(
		StateChecking,
		fsm.Events{
			{Name: eventAllClear, Src: []string{StateChecking}, Dst: StateProceeding},
			{Name: eventDeferred, Src: []string{StateChecking}, Dst: StateWaiting},
			{Name: eventRecheck, Src: []string{StateWaiting}, Dst: StateChecking},
			{Name: eventForce, Src: []string{StateWaiting}, Dst: StateProceeding},
			{Name: eventCancel, Src: []string{StateChecking, StateWaiting}, Dst: StateCanceled},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("safety gate transition",
					zap.String("event", e.Event), zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)

	action := g.register(id)
	defer g.unregister(id)

	start := time.Now()
	overall := time.NewTimer(req.Timeout)
	defer overall.Stop()

	var (
		recheck *time.Timer
		forced  bool
	)
	stopRecheck := func() {
		if recheck != nil {
			recheck.Stop()
			recheck = nil
		}
	}
	defer stopRecheck()

	for {
		switch machine.Current() {
		case StateChecking:
			if req.Deployment.Cancelled() || discarded(action) {
				_ = machine.Event(ctx, eventCancel)
				continue
			}
			wait, deferring := g.round(ctx, req)
			if ctx.Err() != nil {
				return Decision{}, fmt.Errorf("safety gate interrupted: %w", ctx.Err())
			}
			if wait == 0 {
				_ = machine.Event(ctx, eventAllClear)
				continue
			}
			log.Info("update deferred by components",
				zap.Strings("components", deferring), zap.Duration("recheck_in", wait))
			stopRecheck()
			recheck = time.NewTimer(wait)
			_ = machine.Event(ctx, eventDeferred)

		case StateWaiting:
			select {
			case <-recheck.C:
				recheck = nil
				_ = machine.Event(ctx, eventRecheck)
			case <-overall.C:
				forced = true
				stopRecheck()
				_ = machine.Event(ctx, eventForce)
			case <-action.discard:
				stopRecheck()
				_ = machine.Event(ctx, eventCancel)
			case <-ctx.Done():
				return Decision{}, fmt.Errorf("safety gate interrupted: %w", ctx.Err())
			}

		case StateProceeding:
			if forced {
				log.Warn("safety gate timed out, forcing the update through",
					zap.Duration("waited", time.Since(start)))
			}
			return Decision{
				Notified:        append([]string(nil), req.Components...),
				Waited:          time.Since(start),
				ForcedByTimeout: forced,
			}, nil

		case StateCanceled:
			// The change is no longer pending for anyone who was asked.
			for _, comp := range req.Components {
				g.notifier.ReleaseChange(id, comp, ReleaseCanceled)
			}
			return Decision{}, errs.Cancelled("deployment canceled while the safety gate was waiting")
		}
	}
}

// AnnounceCompletion tells every notified component that the change it
// was asked about has been applied.
func (g *Gate) AnnounceCompletion(deploymentID string, components []string) {
	for _, comp := range components {
		g.notifier.ReleaseChange(deploymentID, comp, ReleaseCompleted)
	}
}

// round asks every component once and returns the longest requested
// deferral along with who asked for it. A component that cannot be
// reached raises no objection.
func (g *Gate) round(ctx context.Context, req Request) (time.Duration, []string) {
	var (
		mu        sync.Mutex
		maxDefer  time.Duration
		deferring []string
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, comp := range req.Components {
		comp := comp
		eg.Go(func() error {
			reqCtx, cancel := context.WithTimeout(egCtx, req.ReplyTimeout)
			defer cancel()
			resp, err := g.notifier.RequestSafetyCheck(reqCtx, req.Deployment.ID, comp)
			if err != nil {
				g.log.Debug("safety check unanswered, treating as clear",
					zap.String("component", comp), zap.Error(err))
				return nil
			}
			if resp.DeferFor > 0 {
				mu.Lock()
				deferring = append(deferring, comp)
				if resp.DeferFor > maxDefer {
					maxDefer = resp.DeferFor
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return maxDefer, deferring
}

func discarded(p *pendingAction) bool {
	select {
	case <-p.discard:
		return true
	default:
		return false
	}
}
