// Package resolver turns a deployment document into the device's full
// desired component state. The root resolution step merges the
// document's component set with every other target's persisted roots;
// the version resolution step then picks one concrete version per
// component that satisfies all requirements at once, walking declared
// dependencies as it goes.
package resolver

import (
	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/pkg/deployment"
)

// RootResolution is the desired root set with per-requester provenance.
type RootResolution struct {
	// Requirements maps component name to requester to version
	// requirement. Requesters are target keys at this stage; the
	// version resolver adds dependent components while walking
	// dependencies. The pairs are quoted verbatim when resolution
	// fails, so the operator sees exactly who demanded what.
	Requirements map[string]map[string]string

	// DocComponents names the components the document roots directly,
	// in document order. They become the document target's persisted
	// root set once the deployment succeeds.
	DocComponents []string
}

// ParseAndValidate decodes the deployment's raw payload. Malformed
// documents are rejected as a conflict before any side effect.
func ParseAndValidate(d *deployment.Deployment) (*deployment.Document, error) {
	doc, err := deployment.ParseDocument(d.RawDocument, d.Source)
	if err != nil {
		return nil, errs.ConflictWrap(err, "deployment document rejected")
	}
	return doc, nil
}

// ResolveRoots replaces the document target's roots with the document's
// component set and carries every other target's pinned roots along
// unchanged. A component omitted from the document is dropped from this
// target's roots; it stays in the desired state only while another
// target still pins it.
func ResolveRoots(doc *deployment.Document, roots map[string]map[string]string) *RootResolution {
	targetKey := doc.Target.Key()
	rr := &RootResolution{Requirements: make(map[string]map[string]string)}

	for _, entry := range doc.Components {
		rr.Requirements[entry.Name] = map[string]string{targetKey: entry.VersionRequirement}
		rr.DocComponents = append(rr.DocComponents, entry.Name)
	}

	for otherKey, pinned := range roots {
		if otherKey == targetKey {
			continue
		}
		for comp, version := range pinned {
			byReq := rr.Requirements[comp]
			if byReq == nil {
				byReq = make(map[string]string)
				rr.Requirements[comp] = byReq
			}
			byReq[otherKey] = version
		}
	}
	return rr
}
