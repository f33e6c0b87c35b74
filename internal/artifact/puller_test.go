package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/pkg/model"
)

type fakeRecipes struct {
	recipes map[string]*model.Recipe
}

func (f *fakeRecipes) Recipe(name, version string) (*model.Recipe, bool) {
	r, ok := f.recipes[name+"@"+version]
	return r, ok
}

func TestSplitRef(t *testing.T) {
	cases := []struct {
		ref, repo, tag string
	}{
		{"registry.example.com/fleet/app:1.0.0", "registry.example.com/fleet/app", "1.0.0"},
		{"localhost:5000/app:latest", "localhost:5000/app", "latest"},
		{"localhost:5000/app", "localhost:5000/app", ""},
		{"fleet/app", "fleet/app", ""},
	}
	for _, c := range cases {
		repo, tag := splitRef(c.ref)
		require.Equal(t, c.repo, repo, c.ref)
		require.Equal(t, c.tag, tag, c.ref)
	}
}

func TestPrepareSkipsComponentsWithoutArtifacts(t *testing.T) {
	recipes := &fakeRecipes{recipes: map[string]*model.Recipe{
		"app@1.0.0": {Name: "app", Version: "1.0.0"},
	}}
	p := NewPuller(t.TempDir(), recipes, "", "", zap.NewNop())

	err := p.Prepare(context.Background(), []model.ResolvedComponent{
		{Name: "app", Version: "1.0.0"},
		{Name: "unknown", Version: "0.1.0"},
	})
	require.NoError(t, err)
}

func TestPrepareRejectsUntaggedRef(t *testing.T) {
	recipes := &fakeRecipes{recipes: map[string]*model.Recipe{
		"app@1.0.0": {Name: "app", Version: "1.0.0", Artifact: "registry.example.com/fleet/app"},
	}}
	p := NewPuller(t.TempDir(), recipes, "", "", zap.NewNop())

	err := p.Prepare(context.Background(), []model.ResolvedComponent{{Name: "app", Version: "1.0.0"}})
	require.ErrorContains(t, err, "artifact for app@1.0.0")
	require.ErrorContains(t, err, "has no tag")
}
