// Package artifact stages component artifacts from OCI registries into
// a local content store before a deployment applies any change.
package artifact

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/oci"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/edgeforge/deployd/pkg/model"
)

// RecipeSource maps a resolved component to its recipe.
type RecipeSource interface {
	Recipe(name, version string) (*model.Recipe, bool)
}

// Puller downloads the artifacts affected components declare. Each
// component gets its own OCI layout under the cache directory so a
// half-finished pull never corrupts another component's content.
type Puller struct {
	dir      string
	username string
	password string
	recipes  RecipeSource
	log      *zap.Logger

	// maxWait bounds the retry schedule of a single pull.
	maxWait time.Duration
}

func NewPuller(dir string, recipes RecipeSource, username, password string, log *zap.Logger) *Puller {
	return &Puller{
		dir:      dir,
		username: username,
		password: password,
		recipes:  recipes,
		log:      log,
		maxWait:  2 * time.Minute,
	}
}

// Prepare pulls the artifact of every component that declares one.
// Components without an artifact, and tags already present in the
// cache, are skipped. The first failed pull aborts the whole
// preparation; nothing has been applied yet at that point.
func (p *Puller) Prepare(ctx context.Context, comps []model.ResolvedComponent) error {
	for _, c := range comps {
		rec, ok := p.recipes.Recipe(c.Name, c.Version)
		if !ok || rec.Artifact == "" {
			continue
		}
		if err := p.pull(ctx, c.Name, rec.Artifact); err != nil {
			return fmt.Errorf("artifact for %s@%s: %w", c.Name, c.Version, err)
		}
	}
	return nil
}

func (p *Puller) pull(ctx context.Context, component, ref string) error {
	repoRef, tag := splitRef(ref)
	if tag == "" {
		return fmt.Errorf("artifact ref %q has no tag", ref)
	}

	store, err := oci.New(filepath.Join(p.dir, component))
	if err != nil {
		return fmt.Errorf("open artifact cache for %s: %w", component, err)
	}
	if _, err := store.Resolve(ctx, tag); err == nil {
		p.log.Debug("artifact already cached",
			zap.String("component", component), zap.String("ref", ref))
		return nil
	}

	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return fmt.Errorf("artifact ref %q: %w", ref, err)
	}
	if p.username != "" {
		repo.Client = &auth.Client{
			Credential: auth.StaticCredential(repo.Reference.Registry, auth.Credential{
				Username: p.username,
				Password: p.password,
			}),
			Cache: auth.NewCache(),
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = p.maxWait
	attempt := 0
	op := func() error {
		attempt++
		if _, err := oras.Copy(ctx, repo, tag, store, tag, oras.DefaultCopyOptions); err != nil {
			p.log.Warn("artifact pull failed, backing off",
				zap.String("component", component),
				zap.String("ref", ref),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// splitRef separates "registry/repo:tag" at the last colon after the
// final slash, so registries with ports still parse.
func splitRef(ref string) (repo, tag string) {
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, ""
}
