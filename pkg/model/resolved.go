package model

// ResolvedComponent is one component of the desired state after
// version resolution and configuration delta computation.
type ResolvedComponent struct {
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// ResolvedState is the flattened desired component set a deployment
// drives the device toward. Recomputed per attempt; persisted as
// last-known-good only after the deployment succeeds.
type ResolvedState struct {
	DeploymentID string              `json:"deploymentId"`
	Timestamp    int64               `json:"timestamp"`
	Components   []ResolvedComponent `json:"components"`
}

func (rs *ResolvedState) Component(name string) *ResolvedComponent {
	for i := range rs.Components {
		if rs.Components[i].Name == name {
			return &rs.Components[i]
		}
	}
	return nil
}

// Versions flattens the state into a name to version map.
func (rs *ResolvedState) Versions() map[string]string {
	out := make(map[string]string, len(rs.Components))
	for _, c := range rs.Components {
		out[c.Name] = c.Version
	}
	return out
}
