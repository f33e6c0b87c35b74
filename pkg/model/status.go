package model

import "time"

// DeploymentStatus is the coarse state reported to the originating
// source. Transitions are monotonic: QUEUED -> IN_PROGRESS -> one of
// the terminal states, each reported exactly once.
type DeploymentStatus string

const (
	StatusQueued     DeploymentStatus = "QUEUED"
	StatusInProgress DeploymentStatus = "IN_PROGRESS"
	StatusSucceeded  DeploymentStatus = "SUCCEEDED"
	StatusFailed     DeploymentStatus = "FAILED"
	StatusCanceled   DeploymentStatus = "CANCELED"
)

func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// DetailedStatus refines a terminal status, mainly to say what became
// of a failed deployment's rollback.
type DetailedStatus string

const (
	DetailSuccessful           DetailedStatus = "SUCCESSFUL"
	DetailRejected             DetailedStatus = "REJECTED"
	DetailRollbackComplete     DetailedStatus = "FAILED_ROLLBACK_COMPLETE"
	DetailRollbackNotRequested DetailedStatus = "FAILED_ROLLBACK_NOT_REQUESTED"
	DetailRollbackFailed       DetailedStatus = "FAILED_ROLLBACK_FAILED"
)

// Status maps a detail onto the coarse status it accompanies.
func (d DetailedStatus) Status() DeploymentStatus {
	switch d {
	case DetailSuccessful:
		return StatusSucceeded
	case DetailRejected, DetailRollbackComplete, DetailRollbackNotRequested, DetailRollbackFailed:
		return StatusFailed
	}
	return StatusFailed
}

// Result is what one execution attempt of a deployment produced.
// A canceled deployment carries a cancellation error and no detail.
type Result struct {
	Detail DetailedStatus
	Err    error
}

// StatusUpdate is the payload handed to a status sink on every
// transition. ErrorStack and ErrorTypes let an operator diagnose a
// failure without access to device logs.
type StatusUpdate struct {
	DeploymentID string           `json:"deploymentId"`
	Source       string           `json:"source"`
	Status       DeploymentStatus `json:"status"`
	Detail       DetailedStatus   `json:"detailedStatus,omitempty"`
	ErrorStack   []string         `json:"errorStack,omitempty"`
	ErrorTypes   []string         `json:"errorTypes,omitempty"`
	Message      string           `json:"message,omitempty"`
	At           time.Time        `json:"at"`
}
