package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/edgeforge/deployd/internal/gate"
	"github.com/edgeforge/deployd/internal/lifecycle"
	"github.com/edgeforge/deployd/pkg/model"
)

// localRuntime stands in for the process supervisor when no broker is
// configured. Actions only get logged; installed and updated
// components are reported running so deployment tracking completes.
type localRuntime struct {
	bus *lifecycle.MemoryBus
	log *zap.Logger
}

func (r *localRuntime) Install(ctx context.Context, comp model.ResolvedComponent) error {
	r.log.Info("install component", zap.String("component", comp.Name), zap.String("version", comp.Version))
	r.settle(comp.Name)
	return nil
}

func (r *localRuntime) Update(ctx context.Context, comp model.ResolvedComponent) error {
	r.log.Info("update component", zap.String("component", comp.Name), zap.String("version", comp.Version))
	r.settle(comp.Name)
	return nil
}

func (r *localRuntime) Remove(ctx context.Context, name string) error {
	r.log.Info("remove component", zap.String("component", name))
	return nil
}

func (r *localRuntime) settle(name string) {
	r.bus.Publish(model.LifecycleEvent{
		Component: name,
		State:     model.LifecycleRunning,
		AtMs:      time.Now().UnixMilli(),
	})
}

// noopNotifier answers every safety check with immediate clearance.
type noopNotifier struct {
	log *zap.Logger
}

func (n noopNotifier) RequestSafetyCheck(ctx context.Context, deploymentID, component string) (gate.Response, error) {
	return gate.Response{}, nil
}

func (n noopNotifier) ReleaseChange(deploymentID, component string, reason gate.ReleaseReason) {
	n.log.Debug("change released",
		zap.String("deployment", deploymentID),
		zap.String("component", component),
		zap.String("reason", string(reason)))
}
