package source

import (
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/internal/broker"
	"github.com/edgeforge/deployd/pkg/deployment"
)

// ListenJobs wires the cloud job queue into the engine. A notice with
// cancel set becomes a cancel marker for the named deployment.
func ListenJobs(b *broker.Broker, sub Submitter, log *zap.Logger) (*nats.Subscription, error) {
	return b.SubscribeJobs(func(n broker.JobNotice) {
		if n.ID == "" {
			log.Warn("dropping job notice without an id")
			return
		}
		var d *deployment.Deployment
		if n.Cancel {
			d = deployment.NewCancelMarker(n.ID, deployment.SourceCloudJob)
		} else {
			d = deployment.New(n.ID, deployment.SourceCloudJob, n.Document)
		}
		if !sub.Offer(d) {
			log.Debug("job notice ignored", zap.String("deployment", n.ID))
		}
	})
}

// ListenShadow wires device-shadow desired-state deltas into the
// engine. Deltas arrive without ids when the shadow service only
// reports the changed state, so one is minted at receipt.
func ListenShadow(b *broker.Broker, sub Submitter, log *zap.Logger) (*nats.Subscription, error) {
	return b.SubscribeShadow(func(dl broker.ShadowDelta) {
		id := dl.ID
		if id == "" {
			id = uuid.NewString()
		}
		if !sub.Offer(deployment.New(id, deployment.SourceShadow, dl.Document)) {
			log.Debug("shadow delta ignored", zap.String("deployment", id))
		}
	})
}
