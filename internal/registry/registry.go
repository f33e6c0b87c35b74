// Package registry holds the component recipes known to the device:
// which versions of each component exist and what every version
// declares in terms of dependencies, default configuration, and
// artifacts.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/edgeforge/deployd/pkg/model"
)

// Static is an in-memory recipe registry, typically loaded from a
// recipe directory at startup and extended as packages are prepared.
type Static struct {
	mu       sync.RWMutex
	recipes  map[string]map[string]*model.Recipe
	versions map[string][]*semver.Version
}

func NewStatic() *Static {
	return &Static{
		recipes:  make(map[string]map[string]*model.Recipe),
		versions: make(map[string][]*semver.Version),
	}
}

// Add registers a recipe, replacing any previous recipe for the same
// component version.
func (r *Static) Add(rec *model.Recipe) error {
	if rec.Name == "" {
		return fmt.Errorf("recipe without a component name")
	}
	v, err := semver.NewVersion(rec.Version)
	if err != nil {
		return fmt.Errorf("recipe %s: bad version %q: %w", rec.Name, rec.Version, err)
	}
	for dep, req := range rec.Dependencies {
		if _, err := semver.NewConstraint(req); err != nil {
			return fmt.Errorf("recipe %s@%s: dependency %s has bad requirement %q: %w",
				rec.Name, rec.Version, dep, req, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.recipes[rec.Name]
	if !ok {
		byVersion = make(map[string]*model.Recipe)
		r.recipes[rec.Name] = byVersion
	}
	if _, exists := byVersion[v.String()]; !exists {
		r.versions[rec.Name] = append(r.versions[rec.Name], v)
		sort.Slice(r.versions[rec.Name], func(i, j int) bool {
			return r.versions[rec.Name][i].GreaterThan(r.versions[rec.Name][j])
		})
	}
	byVersion[v.String()] = rec
	return nil
}

// Recipe returns the manifest for an exact component version.
func (r *Static) Recipe(name, version string) (*model.Recipe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recipes[name][version]
	return rec, ok
}

// AvailableVersions lists a component's known versions, highest first.
func (r *Static) AvailableVersions(name string) []*semver.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*semver.Version, len(r.versions[name]))
	copy(out, r.versions[name])
	return out
}

// Components lists the names of all registered components, sorted.
func (r *Static) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.recipes))
	for name := range r.recipes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadDir builds a registry from every recipe file under dir. Files are
// YAML or JSON, one recipe each. A missing directory yields an empty
// registry so a fresh device starts clean.
func LoadDir(dir string) (*Static, error) {
	reg := NewStatic()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recipe dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rec, err := readRecipeFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if err := reg.Add(rec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func readRecipeFile(path string) (*model.Recipe, error) {
	var rec model.Recipe
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read recipe %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse recipe %s: %w", path, err)
		}
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read recipe %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse recipe %s: %w", path, err)
		}
	default:
		return nil, nil
	}
	return &rec, nil
}
