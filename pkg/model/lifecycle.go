package model

// LifecycleState is a component state as observed from the external
// process supervisor. Only the states the deployment core reacts to
// are modeled here.
type LifecycleState string

const (
	LifecycleFinished LifecycleState = "FINISHED"
	LifecycleRunning  LifecycleState = "RUNNING"
	LifecycleBroken   LifecycleState = "BROKEN"
	LifecycleErrored  LifecycleState = "ERRORED"
)

// Healthy reports whether the state counts as a good terminal outcome
// for deployment tracking. ERRORED is neither healthy nor final: the
// supervisor retries errored components, so tracking keeps waiting.
func (s LifecycleState) Healthy() bool {
	return s == LifecycleFinished || s == LifecycleRunning
}

// LifecycleEvent is one observed state change of one component.
type LifecycleEvent struct {
	Component string         `json:"component"`
	State     LifecycleState `json:"state"`
	// AtMs is when the component entered the state, epoch milliseconds.
	// Tracking compares it against the apply time so states left over
	// from before the deployment are not mistaken for outcomes.
	AtMs int64 `json:"atMs"`
}
