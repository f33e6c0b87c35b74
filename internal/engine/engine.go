// Package engine owns the deployment lifecycle on the device. A single
// actor goroutine pulls deployments off the queue and walks each one
// through document resolution, version resolution, execution, and the
// failure-handling policy, reporting every status transition to the
// sink. Everything else in the process talks to the loop through the
// queue, the cancellation flags, and the safety gate's discard signal;
// the persisted root mapping and configuration are mutated only on
// this one goroutine.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/internal/executor"
	"github.com/edgeforge/deployd/internal/gate"
	"github.com/edgeforge/deployd/internal/metrics"
	"github.com/edgeforge/deployd/internal/queue"
	"github.com/edgeforge/deployd/internal/resolver"
	"github.com/edgeforge/deployd/internal/rollback"
	"github.com/edgeforge/deployd/internal/store"
	"github.com/edgeforge/deployd/pkg/deployment"
	"github.com/edgeforge/deployd/pkg/model"
)

// StatusSink receives every status transition of every deployment.
// Implementations fan the update out to the deployment's origin.
type StatusSink interface {
	Report(up model.StatusUpdate)
}

type Engine struct {
	store    *store.Store
	resolver *resolver.VersionResolver
	exec     *executor.Executor
	rollback *rollback.Manager
	gate     *gate.Gate
	sink     StatusSink
	log      *zap.Logger

	queue *queue.Queue
	wake  chan struct{}

	mu       sync.Mutex
	current  *deployment.Deployment
	statuses map[string]model.StatusUpdate
	order    []string
}

func New(st *store.Store, vr *resolver.VersionResolver, exec *executor.Executor,
	rb *rollback.Manager, g *gate.Gate, sink StatusSink, log *zap.Logger) *Engine {
	metrics.Init()
	return &Engine{
		store:    st,
		resolver: vr,
		exec:     exec,
		rollback: rb,
		gate:     g,
		sink:     sink,
		log:      log,
		queue:    queue.New(),
		wake:     make(chan struct{}, 1),
		statuses: map[string]model.StatusUpdate{},
	}
}

// Restore reloads the deployments that were still queued when the
// process last stopped. Their QUEUED status was already reported back
// then, so restoring does not re-report.
func (e *Engine) Restore() error {
	records, err := e.store.LoadQueue()
	if err != nil {
		return err
	}
	for _, rec := range records {
		d := deployment.FromRecord(rec)
		if ok, _ := e.queue.Offer(d); ok {
			e.remember(model.StatusUpdate{
				DeploymentID: d.ID,
				Source:       string(d.Source),
				Status:       model.StatusQueued,
				At:           d.CreatedAt,
			})
		}
	}
	if n := e.queue.Len(); n > 0 {
		e.log.Info("restored queued deployments", zap.Int("count", n))
	}
	metrics.QueueDepth.Set(float64(e.queue.Len()))
	return nil
}

// Offer hands a deployment or a cancel marker to the engine. It never
// blocks; the deployment is queued, supersedes an older one for the
// same target, or is dropped as a duplicate. The return reports
// whether the offer changed anything.
func (e *Engine) Offer(d *deployment.Deployment) bool {
	if d.CancelMarker {
		return e.Cancel(d.ID)
	}

	e.mu.Lock()
	st, known := e.statuses[d.ID]
	cur := e.current
	e.mu.Unlock()

	if known && st.Status.Terminal() {
		e.log.Debug("dropping redelivered deployment",
			zap.String("deployment", d.ID), zap.String("status", string(st.Status)))
		return false
	}
	if cur != nil && cur.ID == d.ID {
		return false
	}
	if cur != nil && d.TargetKey != "" && cur.TargetKey == d.TargetKey && cur.Source == d.Source {
		// A newer revision for the target being deployed right now.
		// Flag the running attempt so it stops at its next checkpoint
		// and queue the newcomer behind it.
		e.log.Info("superseding in-progress deployment",
			zap.String("deployment", cur.ID), zap.String("by", d.ID))
		cur.Cancel()
		e.gate.Discard(cur.ID)
	}

	accepted, superseded := e.queue.Offer(d)
	if !accepted {
		return false
	}
	if superseded != nil {
		e.report(model.StatusUpdate{
			DeploymentID: superseded.ID,
			Source:       string(superseded.Source),
			Status:       model.StatusCanceled,
			Message:      "superseded by deployment " + d.ID,
			At:           time.Now(),
		})
	}
	e.report(model.StatusUpdate{
		DeploymentID: d.ID,
		Source:       string(d.Source),
		Status:       model.StatusQueued,
		At:           time.Now(),
	})
	e.persistQueue()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Cancel stops a deployment wherever it currently is. A queued one is
// removed outright; the in-progress one has its flag set and is pulled
// out of the safety gate, and reports CANCELED once the executor
// reaches its next checkpoint. Unknown or finished identifiers are a
// no-op.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()

	if cur != nil && cur.ID == id {
		e.log.Info("canceling in-progress deployment", zap.String("deployment", id))
		cur.Cancel()
		e.gate.Discard(id)
		return true
	}
	if d := e.queue.Remove(id); d != nil {
		e.report(model.StatusUpdate{
			DeploymentID: d.ID,
			Source:       string(d.Source),
			Status:       model.StatusCanceled,
			Message:      "deployment canceled while queued",
			At:           time.Now(),
		})
		e.persistQueue()
		return true
	}
	return false
}

// QueueDepth returns how many deployments wait behind the current one.
func (e *Engine) QueueDepth() int { return e.queue.Len() }

// CurrentID returns the in-progress deployment's ID, empty when idle.
func (e *Engine) CurrentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.ID
}

// Status returns the last reported status of a deployment.
func (e *Engine) Status(id string) (model.StatusUpdate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	up, ok := e.statuses[id]
	return up, ok
}

// List returns every known deployment's latest status, oldest first.
func (e *Engine) List() []model.StatusUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.StatusUpdate, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.statuses[id])
	}
	return out
}

// Run is the engine's actor loop. It processes one deployment at a
// time until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("deployment engine started")
	for {
		d := e.queue.Poll()
		if d == nil {
			select {
			case <-ctx.Done():
				e.log.Info("deployment engine stopped")
				return nil
			case <-e.wake:
				continue
			}
		}
		e.persistQueue()
		e.process(ctx, d)
		if ctx.Err() != nil {
			e.log.Info("deployment engine stopped")
			return nil
		}
	}
}

func (e *Engine) process(ctx context.Context, d *deployment.Deployment) {
	log := e.log.With(zap.String("deployment", d.ID), zap.String("source", string(d.Source)))
	e.setCurrent(d)
	defer e.setCurrent(nil)

	ctx, span := startDeploymentSpan(ctx, d)
	defer span.End()

	metrics.DeploymentsActive.Inc()
	defer metrics.DeploymentsActive.Dec()

	e.report(model.StatusUpdate{
		DeploymentID: d.ID,
		Source:       string(d.Source),
		Status:       model.StatusInProgress,
		At:           time.Now(),
	})
	log.Info("deployment started", zap.String("target", d.TargetKey))

	start := time.Now()
	res, out := e.attempt(ctx, d)
	up := e.terminalUpdate(d, res, out)
	e.report(up)
	span.SetAttributes(attribute.String("deployment.status", string(up.Status)))

	log.Info("deployment finished",
		zap.String("status", string(up.Status)),
		zap.String("detail", string(up.Detail)),
		zap.Duration("took", time.Since(start)))
}

func startDeploymentSpan(ctx context.Context, d *deployment.Deployment) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("deployd/engine").Start(ctx, "deployment")
	span.SetAttributes(
		attribute.String("deployment.id", d.ID),
		attribute.String("deployment.source", string(d.Source)),
		attribute.String("deployment.target", d.TargetKey),
	)
	return ctx, span
}

// attempt runs one deployment through resolution and execution and
// folds the failure-handling policy into a final result.
func (e *Engine) attempt(ctx context.Context, d *deployment.Deployment) (model.Result, *executor.Outcome) {
	doc, err := resolver.ParseAndValidate(d)
	if err != nil {
		return model.Result{Detail: model.DetailRejected, Err: err}, nil
	}

	roots, err := e.store.GroupRoots()
	if err != nil {
		return model.Result{Detail: model.DetailRollbackNotRequested, Err: err}, nil
	}

	resolveStart := time.Now()
	state, err := e.resolver.Resolve(d.ID, doc.Timestamp, resolver.ResolveRoots(doc, roots))
	metrics.StageDuration.WithLabelValues("resolve").Observe(time.Since(resolveStart).Seconds())
	if err != nil {
		return model.Result{Detail: model.DetailRejected, Err: err}, nil
	}

	execStart := time.Now()
	out, err := e.exec.Execute(ctx, d, doc, state)
	metrics.StageDuration.WithLabelValues("execute").Observe(time.Since(execStart).Seconds())
	metrics.GateWaitSeconds.Observe(out.GateWaited.Seconds())

	if err == nil {
		if perr := e.persistSuccess(doc, state); perr != nil {
			e.log.Error("persisting deployment outcome failed",
				zap.String("deployment", d.ID), zap.Error(perr))
		}
		return model.Result{Detail: model.DetailSuccessful}, out
	}
	if errs.IsCancellation(err) {
		return model.Result{Err: err}, out
	}
	if !out.Applied || out.Snapshot == nil || doc.Policies.FailureHandling != deployment.FailureRollback {
		return model.Result{Detail: model.DetailRollbackNotRequested, Err: err}, out
	}

	rbStart := time.Now()
	res := e.rollback.Run(ctx, d, out.Snapshot, err)
	metrics.StageDuration.WithLabelValues("rollback").Observe(time.Since(rbStart).Seconds())
	return res, out
}

// persistSuccess records the outcome a future deployment resolves
// against. Only a successful deployment may move the target's roots or
// the last-known-good state.
func (e *Engine) persistSuccess(doc *deployment.Document, state *model.ResolvedState) error {
	versions := make(map[string]string, len(state.Components))
	for _, comp := range state.Components {
		versions[comp.Name] = comp.Version
	}
	roots := make(map[string]string, len(doc.Components))
	for _, entry := range doc.Components {
		if v, ok := versions[entry.Name]; ok {
			roots[entry.Name] = v
		}
	}
	if err := e.store.SetGroupRoots(doc.Target.Key(), roots); err != nil {
		return err
	}
	return e.store.SetLastKnownGood(state)
}

func (e *Engine) terminalUpdate(d *deployment.Deployment, res model.Result, out *executor.Outcome) model.StatusUpdate {
	up := model.StatusUpdate{
		DeploymentID: d.ID,
		Source:       string(d.Source),
		At:           time.Now(),
	}
	if res.Detail == "" && errs.IsCancellation(res.Err) {
		up.Status = model.StatusCanceled
	} else {
		up.Status = res.Detail.Status()
		up.Detail = res.Detail
	}
	if res.Err != nil {
		up.ErrorStack = errs.Stack(res.Err)
		up.ErrorTypes = errs.Types(res.Err)
		up.Message = res.Err.Error()
	}
	if out != nil && len(out.ConfigFailures) > 0 {
		names := make([]string, 0, len(out.ConfigFailures))
		for name := range out.ConfigFailures {
			names = append(names, name)
		}
		sort.Strings(names)
		note := "configuration updates failed for: " + strings.Join(names, ", ")
		if up.Message == "" {
			up.Message = note
		} else {
			up.Message += "; " + note
		}
	}
	return up
}

func (e *Engine) report(up model.StatusUpdate) {
	e.remember(up)
	if up.Status.Terminal() {
		metrics.DeploymentsTotal.WithLabelValues(up.Source, string(up.Status)).Inc()
	}
	e.sink.Report(up)
}

func (e *Engine) remember(up model.StatusUpdate) {
	e.mu.Lock()
	if _, seen := e.statuses[up.DeploymentID]; !seen {
		e.order = append(e.order, up.DeploymentID)
	}
	e.statuses[up.DeploymentID] = up
	e.mu.Unlock()
}

func (e *Engine) setCurrent(d *deployment.Deployment) {
	e.mu.Lock()
	e.current = d
	e.mu.Unlock()
}

func (e *Engine) persistQueue() {
	snap := e.queue.Snapshot()
	records := make([]deployment.Record, 0, len(snap))
	for _, d := range snap {
		records = append(records, d.ToRecord())
	}
	if err := e.store.SaveQueue(records); err != nil {
		e.log.Error("persisting deployment queue failed", zap.Error(err))
	}
	metrics.QueueDepth.Set(float64(len(snap)))
}
