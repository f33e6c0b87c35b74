package executor

import (
	"sort"

	"github.com/edgeforge/deployd/pkg/model"
)

// ChangeSet groups the actions a deployment needs, each list sorted by
// component name so execution order is stable.
type ChangeSet struct {
	Install []model.ResolvedComponent
	Update  []model.ResolvedComponent
	Remove  []string
}

func (c ChangeSet) Empty() bool {
	return len(c.Install) == 0 && len(c.Update) == 0 && len(c.Remove) == 0
}

// Affected returns the components being installed or updated, the set
// whose lifecycle outcome decides the deployment.
func (c ChangeSet) Affected() []model.ResolvedComponent {
	out := make([]model.ResolvedComponent, 0, len(c.Install)+len(c.Update))
	out = append(out, c.Install...)
	out = append(out, c.Update...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Diff computes the change set between the installed components and the
// resolved desired state. A component is updated when its version or
// configuration changes; one absent from the desired state is removed.
// The desired state already contains every transitively required
// component, so a component missing from it is rooted nowhere and
// needed by nothing.
func Diff(installed map[string]string, desired *model.ResolvedState, configChanged map[string]bool) ChangeSet {
	var cs ChangeSet
	for _, comp := range desired.Components {
		have, ok := installed[comp.Name]
		switch {
		case !ok:
			cs.Install = append(cs.Install, comp)
		case have != comp.Version || configChanged[comp.Name]:
			cs.Update = append(cs.Update, comp)
		}
	}
	for name := range installed {
		if desired.Component(name) == nil {
			cs.Remove = append(cs.Remove, name)
		}
	}
	sort.Slice(cs.Install, func(i, j int) bool { return cs.Install[i].Name < cs.Install[j].Name })
	sort.Slice(cs.Update, func(i, j int) bool { return cs.Update[i].Name < cs.Update[j].Name })
	sort.Strings(cs.Remove)
	return cs
}
