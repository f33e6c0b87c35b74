package configdelta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/pkg/deployment"
)

func customerAppDefaults() map[string]any {
	return map[string]any{
		"sampleText": "This is the default value",
		"listKey":    []any{"item1", "item2"},
		"path": map[string]any{
			"leafKey": "default value of /path/leafKey",
		},
	}
}

func TestFreshInstallMergesOverDefaults(t *testing.T) {
	update := &deployment.ConfigUpdate{Merge: map[string]any{"sampleText": "This is a test"}}

	cfg, err := Apply(nil, customerAppDefaults(), update)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"sampleText": "This is a test",
		"listKey":    []any{"item1", "item2"},
		"path": map[string]any{
			"leafKey": "default value of /path/leafKey",
		},
	}, cfg)
}

func TestNoDirectiveFillsMissingDefaults(t *testing.T) {
	current := map[string]any{"sampleText": "operator override"}

	cfg, err := Apply(current, customerAppDefaults(), nil)
	require.NoError(t, err)

	assert.Equal(t, "operator override", cfg["sampleText"])
	assert.Equal(t, []any{"item1", "item2"}, cfg["listKey"])
}

func TestMergeIsAssociativeAcrossDeployments(t *testing.T) {
	first, err := Apply(nil, nil, &deployment.ConfigUpdate{Merge: map[string]any{"a": float64(1)}})
	require.NoError(t, err)
	second, err := Apply(first, nil, &deployment.ConfigUpdate{Merge: map[string]any{"b": float64(2)}})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, second)
}

func TestMergeRecursesIntoMapsAndReplacesLists(t *testing.T) {
	current := map[string]any{
		"limits": map[string]any{"rpm": float64(1000), "temp": float64(80)},
		"tags":   []any{"line4"},
	}
	update := &deployment.ConfigUpdate{Merge: map[string]any{
		"limits": map[string]any{"rpm": float64(1200)},
		"tags":   []any{"line4", "retrofit"},
	}}

	cfg, err := Apply(current, nil, update)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"limits": map[string]any{"rpm": float64(1200), "temp": float64(80)},
		"tags":   []any{"line4", "retrofit"},
	}, cfg)
}

func TestResetRestoresDefaultRegardlessOfPriorMerges(t *testing.T) {
	cfg, err := Apply(nil, customerAppDefaults(),
		&deployment.ConfigUpdate{Merge: map[string]any{"sampleText": "This is a test"}})
	require.NoError(t, err)
	cfg, err = Apply(cfg, customerAppDefaults(),
		&deployment.ConfigUpdate{Merge: map[string]any{"sampleText": "changed again"}})
	require.NoError(t, err)

	cfg, err = Apply(cfg, customerAppDefaults(), &deployment.ConfigUpdate{Reset: []string{"/sampleText"}})
	require.NoError(t, err)
	assert.Equal(t, "This is the default value", cfg["sampleText"])
}

func TestResetPathWithoutDefaultRemoves(t *testing.T) {
	current := map[string]any{"ephemeral": "x", "keep": "y"}

	cfg, err := Apply(current, nil, &deployment.ConfigUpdate{Reset: []string{"/ephemeral"}})
	require.NoError(t, err)

	assert.NotContains(t, cfg, "ephemeral")
	assert.Equal(t, "y", cfg["keep"])
}

func TestResetWholeDocument(t *testing.T) {
	current := map[string]any{"sampleText": "operator override", "extra": "gone"}

	cfg, err := Apply(current, customerAppDefaults(), &deployment.ConfigUpdate{Reset: []string{""}})
	require.NoError(t, err)

	assert.Equal(t, customerAppDefaults(), cfg)
}

func TestResetNestedPathFallsBackToDefault(t *testing.T) {
	current := map[string]any{
		"path": map[string]any{"leafKey": "overridden", "sibling": "stays"},
	}

	cfg, err := Apply(current, customerAppDefaults(), &deployment.ConfigUpdate{Reset: []string{"/path/leafKey"}})
	require.NoError(t, err)

	path := cfg["path"].(map[string]any)
	assert.Equal(t, "default value of /path/leafKey", path["leafKey"])
	assert.Equal(t, "stays", path["sibling"])
}

func TestResetIntoListElementRejected(t *testing.T) {
	current := map[string]any{"listKey": []any{"item1", "item2"}}

	_, err := Apply(current, nil, &deployment.ConfigUpdate{Reset: []string{"/listKey/0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list")
}

func TestResetUnknownPathRejected(t *testing.T) {
	_, err := Apply(map[string]any{"a": "b"}, customerAppDefaults(),
		&deployment.ConfigUpdate{Reset: []string{"/nope/nothing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither")
}

func TestResetPathOnlyInDefaultsIsFine(t *testing.T) {
	cfg, err := Apply(map[string]any{}, customerAppDefaults(),
		&deployment.ConfigUpdate{Reset: []string{"/path/leafKey"}})
	require.NoError(t, err)
	assert.Equal(t, "default value of /path/leafKey", cfg["path"].(map[string]any)["leafKey"])
}

func TestPointerEscapes(t *testing.T) {
	current := map[string]any{"a/b": "slash", "t~e": "tilde"}

	cfg, err := Apply(current, nil, &deployment.ConfigUpdate{Reset: []string{"/a~1b"}})
	require.NoError(t, err)
	assert.NotContains(t, cfg, "a/b")

	cfg, err = Apply(current, nil, &deployment.ConfigUpdate{Reset: []string{"/t~0e"}})
	require.NoError(t, err)
	assert.NotContains(t, cfg, "t~e")
}

func TestApplyDoesNotAliasInputs(t *testing.T) {
	current := map[string]any{"nested": map[string]any{"v": float64(1)}}
	defaults := map[string]any{"list": []any{"a"}}

	cfg, err := Apply(current, defaults, nil)
	require.NoError(t, err)

	cfg["nested"].(map[string]any)["v"] = float64(99)
	cfg["list"].([]any)[0] = "mutated"

	assert.Equal(t, float64(1), current["nested"].(map[string]any)["v"])
	assert.Equal(t, "a", defaults["list"].([]any)[0])
}

func TestEqualComparesStructurally(t *testing.T) {
	a := map[string]any{
		"interval": float64(5),
		"nested":   map[string]any{"list": []any{"x", "y"}},
	}
	b := map[string]any{
		"interval": 5,
		"nested":   map[string]any{"list": []any{"x", "y"}},
	}

	assert.True(t, Equal(a, b))
	assert.True(t, Equal(nil, map[string]any{}))

	b["nested"].(map[string]any)["list"] = []any{"x"}
	assert.False(t, Equal(a, b))
	assert.False(t, Equal(a, map[string]any{"interval": float64(5)}))
}

func TestPlanRecordsFailuresAndContinues(t *testing.T) {
	inputs := map[string]Input{
		"com.example.bad": {
			Current: map[string]any{"a": "b"},
			Update:  &deployment.ConfigUpdate{Reset: []string{"/missing"}},
		},
		"com.example.good": {
			Defaults: map[string]any{"x": "y"},
		},
	}

	out, err := Plan(inputs, false)
	require.NoError(t, err)

	require.Contains(t, out.Failed, "com.example.bad")
	assert.True(t, errs.HasCode(out.Failed["com.example.bad"], errs.CodeConfigPatch))
	assert.NotContains(t, out.Configs, "com.example.bad")
	assert.Equal(t, map[string]any{"x": "y"}, out.Configs["com.example.good"])
}

func TestPlanFailFastStopsTheDeployment(t *testing.T) {
	inputs := map[string]Input{
		"com.example.bad": {
			Update: &deployment.ConfigUpdate{Reset: []string{"/missing"}},
		},
	}

	_, err := Plan(inputs, true)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeConfigPatch))
}
