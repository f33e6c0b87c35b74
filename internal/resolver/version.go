package resolver

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/pkg/model"
)

// Registry is the slice of the component registry the resolver needs.
type Registry interface {
	// AvailableVersions lists a component's known versions, highest
	// first.
	AvailableVersions(name string) []*semver.Version
	Recipe(name, version string) (*model.Recipe, bool)
}

// maxResolveRounds bounds the dependency fixpoint. Real dependency
// graphs settle in a handful of rounds; hitting the cap means the
// constraint set keeps flapping between version choices.
const maxResolveRounds = 50

type VersionResolver struct {
	reg Registry
}

func NewVersionResolver(reg Registry) *VersionResolver {
	return &VersionResolver{reg: reg}
}

// Resolve picks a version for every required component and walks
// dependencies to a fixpoint. For each component the highest registry
// version satisfying every accumulated requirement wins, which makes
// resolution deterministic for a given requirement set and registry
// content. An empty intersection fails the whole deployment; nothing is
// applied.
func (r *VersionResolver) Resolve(deploymentID string, ts int64, rr *RootResolution) (*model.ResolvedState, error) {
	requirements := make(map[string]map[string]string, len(rr.Requirements))
	for comp, byReq := range rr.Requirements {
		reqs := make(map[string]string, len(byReq))
		for k, v := range byReq {
			reqs[k] = v
		}
		requirements[comp] = reqs
	}

	chosen := make(map[string]*semver.Version)
	// contributed tracks the dependency demands each chosen version
	// added, so re-picking a component first withdraws its old demands.
	contributed := make(map[string]map[string]string)

	for round := 0; ; round++ {
		if round == maxResolveRounds {
			return nil, errs.Conflictf("version resolution did not settle after %d rounds", maxResolveRounds)
		}
		changed := false
		for _, comp := range sortedKeys(requirements) {
			reqs := requirements[comp]
			if len(reqs) == 0 {
				// Every dependent that demanded this component has
				// re-picked a version without it.
				delete(requirements, comp)
				delete(chosen, comp)
				retract(comp, requirements, contributed)
				changed = true
				continue
			}
			v, err := r.pick(comp, reqs)
			if err != nil {
				return nil, err
			}
			if prev, ok := chosen[comp]; ok && prev.Equal(v) {
				continue
			}
			chosen[comp] = v
			changed = true

			retract(comp, requirements, contributed)
			rec, ok := r.reg.Recipe(comp, v.String())
			if !ok || len(rec.Dependencies) == 0 {
				continue
			}
			contrib := make(map[string]string, len(rec.Dependencies))
			for dep, req := range rec.Dependencies {
				if requirements[dep] == nil {
					requirements[dep] = make(map[string]string)
				}
				requirements[dep][comp] = req
				contrib[dep] = req
			}
			contributed[comp] = contrib
		}
		if !changed {
			break
		}
	}

	components := make([]model.ResolvedComponent, 0, len(chosen))
	for name, v := range chosen {
		components = append(components, model.ResolvedComponent{Name: name, Version: v.String()})
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return &model.ResolvedState{DeploymentID: deploymentID, Timestamp: ts, Components: components}, nil
}

// pick returns the highest available version satisfying every
// requirement, or the resolution error naming all of them.
func (r *VersionResolver) pick(comp string, reqs map[string]string) (*semver.Version, error) {
	constraints := make([]*semver.Constraints, 0, len(reqs))
	for _, req := range reqs {
		c, err := semver.NewConstraint(req)
		if err != nil {
			return nil, errs.Conflictf("component %s: requirement %q is not a valid version range", comp, req)
		}
		constraints = append(constraints, c)
	}
	for _, v := range r.reg.AvailableVersions(comp) {
		satisfiesAll := true
		for _, c := range constraints {
			if !c.Check(v) {
				satisfiesAll = false
				break
			}
		}
		if satisfiesAll {
			return v, nil
		}
	}
	return nil, errs.NoAvailableVersion(comp, reqs)
}

func retract(dependent string, requirements, contributed map[string]map[string]string) {
	for dep := range contributed[dependent] {
		if byReq, ok := requirements[dep]; ok {
			delete(byReq, dependent)
		}
	}
	delete(contributed, dependent)
}

func sortedKeys(m map[string]map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
