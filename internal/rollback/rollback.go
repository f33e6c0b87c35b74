// Package rollback returns a device to its pre-deployment snapshot
// after a failed apply. A rollback is attempted at most once per
// deployment; whatever it leaves behind is final and is reported as
// either FAILED_ROLLBACK_COMPLETE or FAILED_ROLLBACK_FAILED.
package rollback

import (
	"context"

	"go.uber.org/zap"

	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/internal/executor"
	"github.com/edgeforge/deployd/pkg/deployment"
	"github.com/edgeforge/deployd/pkg/model"
)

// Reapplier drives the device back to a snapshot. The executor
// implements it; tests swap it out.
type Reapplier interface {
	Reapply(ctx context.Context, snap *executor.Snapshot) error
}

type Manager struct {
	exec Reapplier
	log  *zap.Logger
}

func New(exec Reapplier, log *zap.Logger) *Manager {
	return &Manager{exec: exec, log: log}
}

// Run restores the snapshot and translates the attempt into the final
// deployment result. cause is the error that failed the deployment;
// it stays the reported error when the rollback itself succeeds.
func (m *Manager) Run(ctx context.Context, d *deployment.Deployment, snap *executor.Snapshot, cause error) model.Result {
	log := m.log.With(zap.String("deployment", d.ID))
	log.Warn("deployment failed after applying changes, rolling back",
		zap.Time("snapshot", snap.TakenAt), zap.Error(cause))

	if err := m.exec.Reapply(ctx, snap); err != nil {
		log.Error("rollback failed, device keeps its partial state", zap.Error(err))
		return model.Result{Detail: model.DetailRollbackFailed, Err: errs.RollbackFailed(err)}
	}

	log.Info("rollback complete")
	return model.Result{Detail: model.DetailRollbackComplete, Err: cause}
}
