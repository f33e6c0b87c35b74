package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgeforge/deployd/pkg/model"
)

// runtimeOrder tells the process supervisor to install, update, or
// remove one component.
type runtimeOrder struct {
	Component     string         `json:"component"`
	Version       string         `json:"version,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

type runtimeResult struct {
	Error string `json:"error,omitempty"`
}

// Runtime forwards component actions to the process supervisor over
// NATS request/reply and waits for its acknowledgement. It satisfies
// the executor's runtime port.
type Runtime struct {
	broker  *Broker
	timeout time.Duration
}

func (b *Broker) Runtime(timeout time.Duration) *Runtime {
	return &Runtime{broker: b, timeout: timeout}
}

func (r *Runtime) Install(ctx context.Context, comp model.ResolvedComponent) error {
	return r.order(ctx, "install", runtimeOrder{
		Component:     comp.Name,
		Version:       comp.Version,
		Configuration: comp.Configuration,
	})
}

func (r *Runtime) Update(ctx context.Context, comp model.ResolvedComponent) error {
	return r.order(ctx, "update", runtimeOrder{
		Component:     comp.Name,
		Version:       comp.Version,
		Configuration: comp.Configuration,
	})
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	return r.order(ctx, "remove", runtimeOrder{Component: name})
}

func (r *Runtime) order(ctx context.Context, verb string, o runtimeOrder) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	msg, err := r.broker.conn.RequestWithContext(ctx, subjectRuntime+verb, data)
	if err != nil {
		return fmt.Errorf("runtime %s %s: %w", verb, o.Component, err)
	}
	var res runtimeResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return fmt.Errorf("runtime %s %s: %w", verb, o.Component, err)
	}
	if res.Error != "" {
		return fmt.Errorf("runtime %s %s: %s", verb, o.Component, res.Error)
	}
	return nil
}
