package deployment

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Source identifies the intake path a deployment arrived through.
type Source string

const (
	SourceCloudJob Source = "cloud-job"
	SourceShadow   Source = "shadow"
	SourceLocal    Source = "local"
	SourceGitOps   Source = "gitops"
)

// Deployment is a single deployment request from one source. Everything
// except the cancellation flag is immutable after intake; the flag only
// ever moves from false to true.
type Deployment struct {
	ID          string
	Source      Source
	RawDocument []byte
	CreatedAt   time.Time

	// TargetKey is the normalized target this deployment addresses,
	// filled at intake from a light parse of the document. Empty when
	// the document is too malformed to name one; such deployments are
	// still queued and fail properly in the resolver.
	TargetKey string

	// CancelMarker marks a request that carries no document and exists
	// only to cancel the queued or in-flight deployment with the same ID.
	CancelMarker bool

	cancelled atomic.Bool
}

func New(id string, src Source, raw []byte) *Deployment {
	d := &Deployment{ID: id, Source: src, RawDocument: raw, CreatedAt: time.Now()}
	if target, ok := PeekTarget(raw); ok {
		d.TargetKey = target.Key()
	}
	return d
}

// NewCancelMarker builds a document-less deployment whose only purpose
// is to cancel the deployment with the same ID.
func NewCancelMarker(id string, src Source) *Deployment {
	d := &Deployment{ID: id, Source: src, CreatedAt: time.Now(), CancelMarker: true}
	d.cancelled.Store(true)
	return d
}

// Cancel flips the cancellation flag. Safe from any goroutine; the
// executor observes the flag at its checkpoints rather than being
// interrupted mid-action.
func (d *Deployment) Cancel() { d.cancelled.Store(true) }

func (d *Deployment) Cancelled() bool { return d.cancelled.Load() }

// Record is the serializable form of a Deployment, used when the queue
// is snapshotted to the store so pending deployments survive a restart.
type Record struct {
	ID           string    `json:"id"`
	Source       Source    `json:"source"`
	RawDocument  []byte    `json:"document,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	TargetKey    string    `json:"targetKey,omitempty"`
	CancelMarker bool      `json:"cancelMarker,omitempty"`
	Cancelled    bool      `json:"cancelled,omitempty"`
}

func (d *Deployment) ToRecord() Record {
	return Record{
		ID:           d.ID,
		Source:       d.Source,
		RawDocument:  d.RawDocument,
		CreatedAt:    d.CreatedAt,
		TargetKey:    d.TargetKey,
		CancelMarker: d.CancelMarker,
		Cancelled:    d.cancelled.Load(),
	}
}

func FromRecord(r Record) *Deployment {
	d := &Deployment{
		ID:           r.ID,
		Source:       r.Source,
		RawDocument:  r.RawDocument,
		CreatedAt:    r.CreatedAt,
		TargetKey:    r.TargetKey,
		CancelMarker: r.CancelMarker,
	}
	d.cancelled.Store(r.Cancelled)
	return d
}

func (r Record) MarshalBinary() ([]byte, error) { return json.Marshal(r) }

func (r *Record) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, r) }
