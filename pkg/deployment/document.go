package deployment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-yaml"
)

// TargetType says whether a document addresses a single device or a
// device group.
type TargetType string

const (
	TargetThing      TargetType = "thing"
	TargetThingGroup TargetType = "thinggroup"
)

const (
	// DefaultTargetName is the reserved target used when a document
	// names no target at all, e.g. plain local submissions.
	DefaultTargetName = "DEFAULT"

	// AnyVersion accepts every version of a component.
	AnyVersion = "*"
)

// Target is the normalized device or group a document addresses.
type Target struct {
	Name string     `json:"name"`
	Type TargetType `json:"type"`
}

// Key is the stable identifier targets are persisted under, e.g.
// "thinggroup/line4" or "thing/press-02".
func (t Target) Key() string {
	return string(t.Type) + "/" + t.Name
}

// FailureHandling selects what happens after a failed deployment.
type FailureHandling string

const (
	FailureDoNothing FailureHandling = "DO_NOTHING"
	FailureRollback  FailureHandling = "ROLLBACK"
)

// UpdateAction selects whether running components are asked before a
// disruptive update.
type UpdateAction string

const (
	NotifyComponents     UpdateAction = "NOTIFY_COMPONENTS"
	SkipNotifyComponents UpdateAction = "SKIP_NOTIFY_COMPONENTS"
)

// Policies are the per-deployment knobs controlling failure handling,
// the update safety gate, and configuration validation.
type Policies struct {
	FailureHandling   FailureHandling
	UpdateAction      UpdateAction
	UpdateTimeout     time.Duration
	ValidationTimeout time.Duration
}

// ConfigUpdate is one component's configuration directive: exactly one
// of Merge or Reset is set.
type ConfigUpdate struct {
	Merge map[string]any
	Reset []string
}

// ComponentEntry is one component the document requires, with its
// version constraint and optional configuration directive.
type ComponentEntry struct {
	Name               string
	VersionRequirement string
	Update             *ConfigUpdate
}

// Document is a parsed, normalized deployment document ready for the
// resolver. Components are sorted by name so repeated resolutions of
// the same document behave identically.
type Document struct {
	Target     Target
	Components []ComponentEntry
	Policies   Policies
	// Timestamp orders this document's configuration changes against
	// earlier deployments, epoch milliseconds.
	Timestamp int64
}

type rawConfigUpdate struct {
	Merge string   `json:"merge,omitempty" yaml:"merge,omitempty"`
	Reset []string `json:"reset,omitempty" yaml:"reset,omitempty"`
}

type rawComponent struct {
	Version             string           `json:"version,omitempty" yaml:"version,omitempty"`
	ConfigurationUpdate *rawConfigUpdate `json:"configurationUpdate,omitempty" yaml:"configurationUpdate,omitempty"`
}

type rawUpdatePolicy struct {
	Action  string `json:"action,omitempty" yaml:"action,omitempty"`
	Timeout int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type rawValidationPolicy struct {
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type rawPolicies struct {
	FailureHandlingPolicy         string               `json:"failureHandlingPolicy,omitempty" yaml:"failureHandlingPolicy,omitempty"`
	ComponentUpdatePolicy         *rawUpdatePolicy     `json:"componentUpdatePolicy,omitempty" yaml:"componentUpdatePolicy,omitempty"`
	ConfigurationValidationPolicy *rawValidationPolicy `json:"configurationValidationPolicy,omitempty" yaml:"configurationValidationPolicy,omitempty"`
}

type rawDocument struct {
	TargetArn  string                  `json:"targetArn,omitempty" yaml:"targetArn,omitempty"`
	TargetName string                  `json:"targetName,omitempty" yaml:"targetName,omitempty"`
	TargetType string                  `json:"targetType,omitempty" yaml:"targetType,omitempty"`
	Components map[string]rawComponent `json:"components" yaml:"components"`
	Policies   *rawPolicies            `json:"deploymentPolicies,omitempty" yaml:"deploymentPolicies,omitempty"`
	Timestamp  int64                   `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// ParseDocument decodes a raw payload into a Document. Cloud and shadow
// payloads are JSON; local submissions may also be YAML. The source
// picks the policy defaults: cloud-initiated deployments roll back and
// notify components by default, local ones apply immediately.
func ParseDocument(raw []byte, src Source) (*Document, error) {
	var rd rawDocument
	if looksLikeJSON(raw) {
		if err := json.Unmarshal(raw, &rd); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(raw, &rd); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}

	target, err := normalizeTarget(rd)
	if err != nil {
		return nil, err
	}

	components := make([]ComponentEntry, 0, len(rd.Components))
	for name, rc := range rd.Components {
		if name == "" {
			return nil, fmt.Errorf("document contains a component with an empty name")
		}
		entry, err := normalizeComponent(name, rc)
		if err != nil {
			return nil, err
		}
		components = append(components, entry)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	ts := rd.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return &Document{
		Target:     target,
		Components: components,
		Policies:   normalizePolicies(rd.Policies, src),
		Timestamp:  ts,
	}, nil
}

// Envelope is the optional intake header a submission may carry next
// to the document fields: an explicit id, and a cancel flag that turns
// the submission into a cancel marker for that id.
type Envelope struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Cancel bool   `json:"cancel,omitempty" yaml:"cancel,omitempty"`
}

// PeekEnvelope extracts the intake header from a raw payload. A
// malformed payload yields a zero envelope; full parsing later
// surfaces the real error.
func PeekEnvelope(raw []byte) Envelope {
	var env Envelope
	if looksLikeJSON(raw) {
		_ = json.Unmarshal(raw, &env)
	} else {
		_ = yaml.Unmarshal(raw, &env)
	}
	return env
}

// PeekTarget extracts just the target from a raw payload without full
// validation. The queue uses it to key supersede checks before the
// document has been resolved. A payload the peek cannot make sense of
// reports ok=false; full parsing later surfaces the real error.
func PeekTarget(raw []byte) (Target, bool) {
	var rd rawDocument
	if looksLikeJSON(raw) {
		if err := json.Unmarshal(raw, &rd); err != nil {
			return Target{}, false
		}
	} else {
		if err := yaml.Unmarshal(raw, &rd); err != nil {
			return Target{}, false
		}
	}
	target, err := normalizeTarget(rd)
	if err != nil {
		return Target{}, false
	}
	return target, true
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func normalizeTarget(rd rawDocument) (Target, error) {
	if rd.TargetArn != "" {
		return targetFromArn(rd.TargetArn)
	}
	if rd.TargetName == "" {
		// No target at all: local overrides land on the reserved group.
		if rd.TargetType != "" {
			return Target{}, fmt.Errorf("targetType %q given without targetName", rd.TargetType)
		}
		return Target{Name: DefaultTargetName, Type: TargetThingGroup}, nil
	}
	switch TargetType(rd.TargetType) {
	case TargetThing, TargetThingGroup:
		return Target{Name: rd.TargetName, Type: TargetType(rd.TargetType)}, nil
	case "":
		return Target{Name: rd.TargetName, Type: TargetThingGroup}, nil
	default:
		return Target{}, fmt.Errorf("unknown targetType %q", rd.TargetType)
	}
}

// targetFromArn reduces a configuration ARN to its target. The resource
// part is expected to look like "thing/<name>" or "thinggroup/<name>".
func targetFromArn(arn string) (Target, error) {
	parts := strings.Split(arn, ":")
	resource := parts[len(parts)-1]
	kind, name, ok := strings.Cut(resource, "/")
	if !ok || name == "" {
		return Target{}, fmt.Errorf("target arn %q has no thing or thinggroup resource", arn)
	}
	switch TargetType(kind) {
	case TargetThing, TargetThingGroup:
		return Target{Name: name, Type: TargetType(kind)}, nil
	default:
		return Target{}, fmt.Errorf("target arn %q addresses unsupported resource %q", arn, kind)
	}
}

func normalizeComponent(name string, rc rawComponent) (ComponentEntry, error) {
	req := rc.Version
	if req == "" {
		req = AnyVersion
	}
	if _, err := semver.NewConstraint(req); err != nil {
		return ComponentEntry{}, fmt.Errorf("component %s: invalid version requirement %q: %w", name, req, err)
	}

	entry := ComponentEntry{Name: name, VersionRequirement: req}
	if rc.ConfigurationUpdate == nil {
		return entry, nil
	}

	cu := rc.ConfigurationUpdate
	if cu.Merge != "" && len(cu.Reset) > 0 {
		return ComponentEntry{}, fmt.Errorf("component %s: merge and reset are mutually exclusive in one document", name)
	}
	update := &ConfigUpdate{}
	switch {
	case cu.Merge != "":
		patch := map[string]any{}
		if err := json.Unmarshal([]byte(cu.Merge), &patch); err != nil {
			return ComponentEntry{}, fmt.Errorf("component %s: merge payload is not a JSON object: %w", name, err)
		}
		update.Merge = patch
	case len(cu.Reset) > 0:
		update.Reset = append([]string(nil), cu.Reset...)
	default:
		// Empty configurationUpdate block, treat as no directive.
		return entry, nil
	}
	entry.Update = update
	return entry, nil
}

func normalizePolicies(rp *rawPolicies, src Source) Policies {
	p := Policies{
		FailureHandling:   FailureRollback,
		UpdateAction:      NotifyComponents,
		UpdateTimeout:     60 * time.Second,
		ValidationTimeout: 20 * time.Second,
	}
	if src == SourceLocal {
		// Local overrides apply immediately and leave whatever state
		// they reach; the operator is standing right there.
		p.FailureHandling = FailureDoNothing
		p.UpdateAction = SkipNotifyComponents
	}
	if rp == nil {
		return p
	}
	switch FailureHandling(rp.FailureHandlingPolicy) {
	case FailureDoNothing, FailureRollback:
		p.FailureHandling = FailureHandling(rp.FailureHandlingPolicy)
	}
	if rp.ComponentUpdatePolicy != nil {
		switch UpdateAction(rp.ComponentUpdatePolicy.Action) {
		case NotifyComponents, SkipNotifyComponents:
			p.UpdateAction = UpdateAction(rp.ComponentUpdatePolicy.Action)
		}
		if rp.ComponentUpdatePolicy.Timeout > 0 {
			p.UpdateTimeout = time.Duration(rp.ComponentUpdatePolicy.Timeout) * time.Second
		}
	}
	if rp.ConfigurationValidationPolicy != nil && rp.ConfigurationValidationPolicy.Timeout > 0 {
		p.ValidationTimeout = time.Duration(rp.ConfigurationValidationPolicy.Timeout) * time.Second
	}
	return p
}

// Component returns the entry for name, or nil.
func (d *Document) Component(name string) *ComponentEntry {
	for i := range d.Components {
		if d.Components[i].Name == name {
			return &d.Components[i]
		}
	}
	return nil
}
