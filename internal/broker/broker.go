// Package broker carries the deployment IPC over NATS: safety-check
// requests to running components and their release notices, lifecycle
// state intake, status publication back to the deployment sources, and
// the job-queue and shadow intake subjects. Components and the process
// supervisor sit on the other end of these subjects.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/internal/gate"
	"github.com/edgeforge/deployd/internal/lifecycle"
	"github.com/edgeforge/deployd/pkg/model"
)

const (
	subjectSafetyCheck  = "deployd.update.pre"
	subjectRelease      = "deployd.update.post"
	subjectLifecycle    = "deployd.lifecycle.state"
	subjectStatusPrefix = "deployd.status."
	subjectJobs         = "deployd.jobs"
	subjectShadow       = "deployd.shadow.delta"
	subjectHealth       = "deployd.health"
	subjectRuntime      = "deployd.runtime."
)

type Broker struct {
	conn *nats.Conn
	log  *zap.Logger
}

func Connect(url string, log *zap.Logger) (*Broker, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &Broker{conn: nc, log: log}, nil
}

func (b *Broker) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

func (b *Broker) publish(subject string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject, data)
}

// Safety-check wire shapes. A component subscribes to
// deployd.update.pre.<name> and answers with an optional deferral.
type safetyCheckRequest struct {
	DeploymentID string `json:"deploymentId"`
	Component    string `json:"component"`
}

type safetyCheckResponse struct {
	DeferMs int64 `json:"deferMs,omitempty"`
}

type releaseNotice struct {
	DeploymentID string `json:"deploymentId"`
	Component    string `json:"component"`
	Reason       string `json:"reason"`
}

// RequestSafetyCheck asks one running component whether the pending
// change may proceed. The reply rides the request's inbox; no reply
// within the context budget surfaces as an error, which the gate
// treats as no objection.
func (b *Broker) RequestSafetyCheck(ctx context.Context, deploymentID, component string) (gate.Response, error) {
	data, err := json.Marshal(safetyCheckRequest{DeploymentID: deploymentID, Component: component})
	if err != nil {
		return gate.Response{}, err
	}
	msg, err := b.conn.RequestWithContext(ctx, subjectSafetyCheck+"."+component, data)
	if err != nil {
		return gate.Response{}, fmt.Errorf("safety check for %s: %w", component, err)
	}
	var resp safetyCheckResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return gate.Response{}, fmt.Errorf("safety check reply from %s: %w", component, err)
	}
	return gate.Response{DeferFor: time.Duration(resp.DeferMs) * time.Millisecond}, nil
}

// ReleaseChange tells a notified component the pending change is over,
// either applied or canceled.
func (b *Broker) ReleaseChange(deploymentID, component string, reason gate.ReleaseReason) {
	notice := releaseNotice{DeploymentID: deploymentID, Component: component, Reason: string(reason)}
	if err := b.publish(subjectRelease+"."+component, notice); err != nil {
		b.log.Warn("release notice not delivered",
			zap.String("component", component), zap.Error(err))
	}
}

// FeedLifecycle forwards component lifecycle reports from the
// supervisor into the bus the executor tracks.
func (b *Broker) FeedLifecycle(bus *lifecycle.MemoryBus) (*nats.Subscription, error) {
	return b.conn.Subscribe(subjectLifecycle, func(m *nats.Msg) {
		var ev model.LifecycleEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			b.log.Warn("dropping malformed lifecycle event", zap.Error(err))
			return
		}
		if ev.AtMs == 0 {
			ev.AtMs = time.Now().UnixMilli()
		}
		bus.Publish(ev)
	})
}

// Report publishes a status transition to the deployment's source
// subject. This is the engine's status sink over the wire.
func (b *Broker) Report(up model.StatusUpdate) {
	if err := b.publish(subjectStatusPrefix+up.Source, up); err != nil {
		b.log.Warn("status report not delivered",
			zap.String("deployment", up.DeploymentID), zap.Error(err))
	}
}

// PublishHeartbeat announces daemon liveness.
func (b *Broker) PublishHeartbeat(hb model.Heartbeat) error {
	return b.publish(subjectHealth, hb)
}

// JobNotice is a cloud job-queue notification: a deployment document
// to run, or the cancellation of one submitted earlier.
type JobNotice struct {
	ID       string          `json:"id"`
	Cancel   bool            `json:"cancel,omitempty"`
	Document json.RawMessage `json:"document,omitempty"`
}

func (b *Broker) SubscribeJobs(handler func(JobNotice)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subjectJobs, func(m *nats.Msg) {
		var n JobNotice
		if err := json.Unmarshal(m.Data, &n); err != nil {
			b.log.Warn("dropping malformed job notice", zap.Error(err))
			return
		}
		handler(n)
	})
}

// ShadowDelta is a device-shadow desired-state document. A delta with
// no ID gets one derived from receipt order by the source layer.
type ShadowDelta struct {
	ID       string          `json:"id,omitempty"`
	Document json.RawMessage `json:"document"`
}

func (b *Broker) SubscribeShadow(handler func(ShadowDelta)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subjectShadow, func(m *nats.Msg) {
		var d ShadowDelta
		if err := json.Unmarshal(m.Data, &d); err != nil {
			b.log.Warn("dropping malformed shadow delta", zap.Error(err))
			return
		}
		handler(d)
	})
}
