package model

// Recipe is the per-version component manifest the registry serves:
// hard dependencies with their version requirements, the declared
// default configuration, and optionally the artifact the runtime needs
// before the component can start.
type Recipe struct {
	Name                 string            `json:"name" yaml:"name"`
	Version              string            `json:"version" yaml:"version"`
	Dependencies         map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	DefaultConfiguration map[string]any    `json:"defaultConfiguration,omitempty" yaml:"defaultConfiguration,omitempty"`
	Artifact             string            `json:"artifact,omitempty" yaml:"artifact,omitempty"`
}
