package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgeforge/deployd/pkg/model"
)

func resolved(pairs ...string) *model.ResolvedState {
	st := &model.ResolvedState{}
	for i := 0; i+1 < len(pairs); i += 2 {
		st.Components = append(st.Components, model.ResolvedComponent{Name: pairs[i], Version: pairs[i+1]})
	}
	return st
}

func TestDiffClassifiesActions(t *testing.T) {
	installed := map[string]string{
		"keeper":  "1.0.0",
		"mover":   "1.0.0",
		"goner":   "1.0.0",
		"twitchy": "1.0.0",
	}
	desired := resolved("keeper", "1.0.0", "mover", "2.0.0", "newcomer", "1.0.0", "twitchy", "1.0.0")

	changes := Diff(installed, desired, map[string]bool{"twitchy": true})

	assert.Equal(t, []string{"newcomer"}, names(changes.Install))
	assert.Equal(t, []string{"mover", "twitchy"}, names(changes.Update))
	assert.Equal(t, []string{"goner"}, changes.Remove)
	assert.False(t, changes.Empty())
}

func TestDiffNoChanges(t *testing.T) {
	installed := map[string]string{"app": "1.0.0"}
	changes := Diff(installed, resolved("app", "1.0.0"), nil)
	assert.True(t, changes.Empty())
	assert.Empty(t, changes.Affected())
}

func TestDiffFreshDevice(t *testing.T) {
	changes := Diff(nil, resolved("b", "1.0.0", "a", "1.0.0"), nil)
	assert.Equal(t, []string{"a", "b"}, names(changes.Install))
	assert.Empty(t, changes.Update)
	assert.Empty(t, changes.Remove)
}

func TestAffectedMergesInstallAndUpdateSorted(t *testing.T) {
	installed := map[string]string{"zeta": "1.0.0"}
	changes := Diff(installed, resolved("zeta", "2.0.0", "alpha", "1.0.0"), nil)
	assert.Equal(t, []string{"alpha", "zeta"}, names(changes.Affected()))
}

func names(comps []model.ResolvedComponent) []string {
	out := make([]string, 0, len(comps))
	for _, c := range comps {
		out = append(out, c.Name)
	}
	return out
}
