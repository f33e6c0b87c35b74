// Package executor drives a resolved deployment onto the device. One
// execution runs the pipeline validate, snapshot, prepare, gate, apply,
// execute, track: configuration deltas are computed and checked, the
// rollback snapshot is captured, packages are fetched, the safety gate
// is passed, configuration lands in the store, install/update/remove
// actions go through the component runtime, and lifecycle states are
// tracked until the outcome is known. Cancellation is cooperative and
// only honored up to the apply stage; after that the deployment runs to
// an end and failures are handled by policy.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/internal/configdelta"
	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/internal/gate"
	"github.com/edgeforge/deployd/internal/lifecycle"
	"github.com/edgeforge/deployd/internal/store"
	"github.com/edgeforge/deployd/pkg/deployment"
	"github.com/edgeforge/deployd/pkg/model"
)

// Runtime executes component actions. Process supervision itself lives
// outside the core; the runtime only accepts orders.
type Runtime interface {
	Install(ctx context.Context, comp model.ResolvedComponent) error
	Update(ctx context.Context, comp model.ResolvedComponent) error
	Remove(ctx context.Context, name string) error
}

// PackagePreparer fetches and stages component artifacts before any
// action runs, so activation never waits on the network.
type PackagePreparer interface {
	Prepare(ctx context.Context, comps []model.ResolvedComponent) error
}

// RecipeSource serves component manifests for resolved versions.
type RecipeSource interface {
	Recipe(name, version string) (*model.Recipe, bool)
}

// Config carries the executor's tunables.
type Config struct {
	// ComponentTimeout bounds how long each affected component may take
	// to reach a healthy state after apply.
	ComponentTimeout time.Duration
	// FailFastOnConfigError fails the whole deployment on the first
	// component whose configuration delta cannot be applied, instead of
	// skipping that component and continuing.
	FailFastOnConfigError bool
}

// Outcome is what an execution attempt did, alongside its error.
type Outcome struct {
	// Snapshot is the pre-apply state captured under the ROLLBACK
	// policy, nil otherwise.
	Snapshot *Snapshot
	// Applied is set once the apply stage began; from then on the
	// deployment is no longer cancelable and failures leave partial
	// state for the rollback decision.
	Applied bool
	// GateForced notes that the safety gate timed out and the update
	// was forced through.
	GateForced bool
	GateWaited time.Duration
	// Notified lists the components that were asked by the gate, for
	// the completion announcement afterwards.
	Notified []string
	// ConfigFailures holds components whose configuration delta failed;
	// they kept their previous configuration and were excluded from the
	// apply set.
	ConfigFailures map[string]error
	// Changes is the change set the deployment executed.
	Changes ChangeSet
}

const (
	stageValidating   = "validating"
	stageSnapshotting = "snapshotting"
	stagePreparing    = "preparing"
	stageGating       = "gating"
	stageApplying     = "applying"
	stageExecuting    = "executing"
	stageTracking     = "tracking"
	stageDone         = "done"
)

type Executor struct {
	store    *store.Store
	recipes  RecipeSource
	preparer PackagePreparer
	runtime  Runtime
	gate     *gate.Gate
	monitor  lifecycle.Monitor
	log      *zap.Logger
	cfg      Config
}

func New(st *store.Store, recipes RecipeSource, preparer PackagePreparer, runtime Runtime,
	g *gate.Gate, monitor lifecycle.Monitor, log *zap.Logger, cfg Config) *Executor {
	return &Executor{
		store:    st,
		recipes:  recipes,
		preparer: preparer,
		runtime:  runtime,
		gate:     g,
		monitor:  monitor,
		log:      log,
		cfg:      cfg,
	}
}

func newPipeline(log *zap.Logger) *fsm.FSM {
	return fsm.NewFSM(
		stageValidating,
		fsm.Events{
			{Name: "snapshot", Src: []string{stageValidating}, Dst: stageSnapshotting},
			{Name: "prepare", Src: []string{stageSnapshotting}, Dst: stagePreparing},
			{Name: "gate", Src: []string{stagePreparing}, Dst: stageGating},
			{Name: "apply", Src: []string{stageGating}, Dst: stageApplying},
			{Name: "execute", Src: []string{stageApplying}, Dst: stageExecuting},
			{Name: "track", Src: []string{stageExecuting}, Dst: stageTracking},
			{Name: "finish", Src: []string{stageTracking}, Dst: stageDone},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("deployment stage", zap.String("stage", e.Dst))
			},
		},
	)
}

// Execute runs one deployment attempt. The returned outcome is valid
// even on error; the engine uses it for the rollback decision and the
// status report.
func (e *Executor) Execute(ctx context.Context, d *deployment.Deployment, doc *deployment.Document, state *model.ResolvedState) (*Outcome, error) {
	out := &Outcome{ConfigFailures: map[string]error{}}
	log := e.log.With(zap.String("deployment", d.ID), zap.String("target", doc.Target.Key()))
	machine := newPipeline(log)

	// Validate: compute every component's final configuration and the
	// change set it implies.
	plan, err := e.planConfigs(doc, state)
	if err != nil {
		return out, err
	}
	out.ConfigFailures = plan.Failed
	for name, ferr := range plan.Failed {
		log.Warn("configuration delta failed, component keeps its previous configuration",
			zap.String("component", name), zap.Error(ferr))
	}

	configChanged := make(map[string]bool)
	for name, cfg := range plan.Configs {
		if !configdelta.Equal(cfg, e.store.ComponentConfig(name)) {
			configChanged[name] = true
		}
	}
	for i := range state.Components {
		name := state.Components[i].Name
		if cfg, ok := plan.Configs[name]; ok {
			state.Components[i].Configuration = cfg
		} else if _, failed := plan.Failed[name]; failed {
			state.Components[i].Configuration = e.store.ComponentConfig(name)
		}
	}

	installed, err := e.store.Installed()
	if err != nil {
		return out, fmt.Errorf("read installed components: %w", err)
	}
	changes := Diff(installed, state, configChanged)
	out.Changes = changes
	log.Info("change set computed",
		zap.Int("install", len(changes.Install)),
		zap.Int("update", len(changes.Update)),
		zap.Int("remove", len(changes.Remove)))

	affectedRunning := e.runningAffected(changes)

	// Snapshot: capture what rollback would need before anything moves.
	_ = machine.Event(ctx, "snapshot")
	if doc.Policies.FailureHandling == deployment.FailureRollback {
		snap, err := e.capture()
		if err != nil {
			return out, fmt.Errorf("capture rollback snapshot: %w", err)
		}
		out.Snapshot = snap
	}

	// Prepare: stage artifacts for everything being installed or
	// updated.
	_ = machine.Event(ctx, "prepare")
	if err := e.checkpoint(ctx, d); err != nil {
		return out, err
	}
	if affected := changes.Affected(); len(affected) > 0 {
		if err := e.preparer.Prepare(ctx, affected); err != nil {
			return out, fmt.Errorf("prepare packages: %w", err)
		}
	}

	// Gate: ask running affected components for a safe moment.
	_ = machine.Event(ctx, "gate")
	if err := e.checkpoint(ctx, d); err != nil {
		return out, err
	}
	dec, err := e.gate.Clearance(ctx, gate.Request{
		Deployment:   d,
		Components:   affectedRunning,
		Action:       doc.Policies.UpdateAction,
		Timeout:      doc.Policies.UpdateTimeout,
		ReplyTimeout: doc.Policies.ValidationTimeout,
	})
	if err != nil {
		return out, err
	}
	out.GateForced = dec.ForcedByTimeout
	out.GateWaited = dec.Waited
	out.Notified = dec.Notified

	// Apply: last cancellation checkpoint, then configuration lands.
	_ = machine.Event(ctx, "apply")
	if err := e.checkpoint(ctx, d); err != nil {
		return out, err
	}
	out.Applied = true
	applyMs := time.Now().UnixMilli()

	names := make([]string, 0, len(configChanged))
	for name := range configChanged {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.store.ReplaceComponentConfig(name, plan.Configs[name], doc.Timestamp); err != nil {
			return out, fmt.Errorf("apply configuration for %s: %w", name, err)
		}
	}

	// Execute: run the actions, recording progress as it happens so a
	// mid-way failure leaves an accurate installed set behind.
	_ = machine.Event(ctx, "execute")
	current := make(map[string]string, len(installed))
	for k, v := range installed {
		current[k] = v
	}
	execErr := e.runActions(ctx, changes, current)
	if err := e.store.SetInstalled(current); err != nil {
		log.Error("persisting installed components failed", zap.Error(err))
	}
	if execErr != nil {
		return out, execErr
	}

	// Track: wait for every affected component to settle.
	_ = machine.Event(ctx, "track")
	if affected := changes.Affected(); len(affected) > 0 {
		if err := e.track(ctx, affected, applyMs); err != nil {
			return out, err
		}
	}

	_ = machine.Event(ctx, "finish")
	e.gate.AnnounceCompletion(d.ID, out.Notified)
	log.Info("deployment applied", zap.Duration("gate_waited", out.GateWaited))
	return out, nil
}

// Reapply drives the device back to a previously captured snapshot. It
// skips snapshotting and the safety gate: the device is in a failed
// half-state and the point is to leave it quickly.
func (e *Executor) Reapply(ctx context.Context, snap *Snapshot) error {
	// Remember which live configurations differ from the snapshot, so
	// same-version components still restart into the restored config.
	configChanged := make(map[string]bool)
	for name, node := range snap.Configs {
		restored, _ := node.ToValue().(map[string]any)
		if !configdelta.Equal(e.store.ComponentConfig(name), restored) {
			configChanged[name] = true
		}
	}
	if err := e.store.RestoreConfigs(snap.Configs); err != nil {
		return fmt.Errorf("restore configuration snapshot: %w", err)
	}

	installed, err := e.store.Installed()
	if err != nil {
		return fmt.Errorf("read installed components: %w", err)
	}

	desired := &model.ResolvedState{Timestamp: snap.TakenAt.UnixMilli()}
	for name, version := range snap.Installed {
		desired.Components = append(desired.Components, model.ResolvedComponent{
			Name:          name,
			Version:       version,
			Configuration: e.store.ComponentConfig(name),
		})
	}
	sort.Slice(desired.Components, func(i, j int) bool {
		return desired.Components[i].Name < desired.Components[j].Name
	})

	changes := Diff(installed, desired, configChanged)
	if affected := changes.Affected(); len(affected) > 0 {
		if err := e.preparer.Prepare(ctx, affected); err != nil {
			return fmt.Errorf("prepare packages for rollback: %w", err)
		}
	}

	sinceMs := time.Now().UnixMilli()
	current := make(map[string]string, len(installed))
	for k, v := range installed {
		current[k] = v
	}
	execErr := e.runActions(ctx, changes, current)
	if err := e.store.SetInstalled(current); err != nil {
		e.log.Error("persisting installed components failed", zap.Error(err))
	}
	if execErr != nil {
		return execErr
	}

	if affected := changes.Affected(); len(affected) > 0 {
		return e.track(ctx, affected, sinceMs)
	}
	return nil
}

func (e *Executor) checkpoint(ctx context.Context, d *deployment.Deployment) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deployment interrupted: %w", err)
	}
	if d.Cancelled() {
		return errs.Cancelled("deployment canceled before it applied any change")
	}
	return nil
}

// runningAffected lists the running components a disruptive action
// would touch: updates and removals, not fresh installs.
func (e *Executor) runningAffected(changes ChangeSet) []string {
	var out []string
	for _, comp := range changes.Update {
		if e.running(comp.Name) {
			out = append(out, comp.Name)
		}
	}
	for _, name := range changes.Remove {
		if e.running(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Executor) running(name string) bool {
	ev, ok := e.monitor.State(name)
	return ok && ev.State == model.LifecycleRunning
}

func (e *Executor) runActions(ctx context.Context, changes ChangeSet, current map[string]string) error {
	for _, comp := range changes.Install {
		e.log.Info("installing component", zap.String("component", comp.Name), zap.String("version", comp.Version))
		if err := e.runtime.Install(ctx, comp); err != nil {
			return fmt.Errorf("install %s@%s: %w", comp.Name, comp.Version, err)
		}
		current[comp.Name] = comp.Version
	}
	for _, comp := range changes.Update {
		e.log.Info("updating component", zap.String("component", comp.Name), zap.String("version", comp.Version))
		if err := e.runtime.Update(ctx, comp); err != nil {
			return fmt.Errorf("update %s to %s: %w", comp.Name, comp.Version, err)
		}
		current[comp.Name] = comp.Version
	}
	for _, name := range changes.Remove {
		e.log.Info("removing component", zap.String("component", name))
		if err := e.runtime.Remove(ctx, name); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
		delete(current, name)
		if err := e.store.RemoveComponentConfig(name); err != nil {
			return fmt.Errorf("drop configuration of %s: %w", name, err)
		}
	}
	return nil
}

// planConfigs computes every resolved component's final configuration.
func (e *Executor) planConfigs(doc *deployment.Document, state *model.ResolvedState) (*configdelta.Outcome, error) {
	inputs := make(map[string]configdelta.Input, len(state.Components))
	for _, comp := range state.Components {
		in := configdelta.Input{Current: e.store.ComponentConfig(comp.Name)}
		if rec, ok := e.recipes.Recipe(comp.Name, comp.Version); ok {
			in.Defaults = rec.DefaultConfiguration
		}
		if entry := doc.Component(comp.Name); entry != nil {
			in.Update = entry.Update
		}
		inputs[comp.Name] = in
	}
	return configdelta.Plan(inputs, e.cfg.FailFastOnConfigError)
}
