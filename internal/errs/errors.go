// Package errs defines the deployment error taxonomy. Every failure a
// deployment can report is one of these coded errors, possibly wrapping
// a cause; status reports derive their error-code stack and category
// list by unwrapping the chain.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Category buckets an error for fleet-side aggregation.
type Category string

const (
	CategoryRequest       Category = "REQUEST"
	CategoryResolution    Category = "RESOLUTION"
	CategoryConfiguration Category = "CONFIGURATION"
	CategoryComponent     Category = "COMPONENT"
	CategoryTimeout       Category = "TIMEOUT"
	CategoryCanceled      Category = "CANCELED"
)

const (
	CodeConflict           = "DEPLOYMENT_CONFLICT"
	CodeNoAvailableVersion = "NO_AVAILABLE_VERSION"
	CodeConfigPatch        = "CONFIGURATION_PATCH_ERROR"
	CodeComponentBroken    = "COMPONENT_BROKEN"
	CodeGateTimeout        = "GATE_TIMEOUT"
	CodeCancelled          = "DEPLOYMENT_CANCELED"
	CodeRollbackFailed     = "ROLLBACK_FAILED"
)

// Error is a coded deployment error.
type Error struct {
	Code     string
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(code string, cat Category, format string, args ...any) *Error {
	return &Error{Code: code, Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds the error for a malformed or self-contradictory
// document. The deployment is rejected before any side effect.
func Conflictf(format string, args ...any) *Error {
	return newf(CodeConflict, CategoryRequest, format, args...)
}

func ConflictWrap(cause error, msg string) *Error {
	return &Error{Code: CodeConflict, Category: CategoryRequest, Message: msg, Cause: cause}
}

// NoAvailableVersion reports an empty cross-target version intersection
// for one component. The requirements map (requester -> constraint) is
// rendered verbatim into the message, since that text is what the
// operator sees.
func NoAvailableVersion(component string, requirements map[string]string) *Error {
	keys := make([]string, 0, len(requirements))
	for k := range requirements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+requirements[k])
	}
	return newf(CodeNoAvailableVersion, CategoryResolution,
		"no available version of component %s satisfies the requirements {%s}",
		component, strings.Join(pairs, ", "))
}

// ConfigPatch reports a configuration delta failure scoped to one
// component.
func ConfigPatch(component string, cause error, format string, args ...any) *Error {
	return &Error{
		Code:     CodeConfigPatch,
		Category: CategoryConfiguration,
		Message:  fmt.Sprintf("component %s: %s", component, fmt.Sprintf(format, args...)),
		Cause:    cause,
	}
}

// ComponentBroken reports components that never reached a healthy
// state after the deployment was applied, whether they went BROKEN or
// ran out the tracking timeout.
func ComponentBroken(components []string) *Error {
	sorted := append([]string(nil), components...)
	sort.Strings(sorted)
	return newf(CodeComponentBroken, CategoryComponent,
		"component(s) %s did not reach a healthy state after the update was applied", strings.Join(sorted, ", "))
}

// GateTimeout reports that the safety gate waited out its budget and
// forced the update through. Non-fatal.
func GateTimeout(waited time.Duration) *Error {
	return newf(CodeGateTimeout, CategoryTimeout,
		"update safety gate timed out after %s, proceeding with the update", waited)
}

// Cancelled reports cooperative cancellation. It maps to the CANCELED
// status, never to FAILED.
func Cancelled(format string, args ...any) *Error {
	return newf(CodeCancelled, CategoryCanceled, format, args...)
}

// RollbackFailed wraps the error that stopped a rollback from
// completing. The original deployment failure stays in the chain.
func RollbackFailed(cause error) *Error {
	return &Error{Code: CodeRollbackFailed, Category: CategoryComponent,
		Message: "rollback to the last known good state failed", Cause: cause}
}

// HasCode reports whether any error in the chain carries the code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Cause
			continue
		}
		return false
	}
	return false
}

func IsCancellation(err error) bool { return HasCode(err, CodeCancelled) }

// Stack returns the error codes in the chain, outermost first, followed
// by a trailing entry for a non-taxonomy root cause if present.
func Stack(err error) []string {
	var stack []string
	for err != nil {
		var e *Error
		if errors.As(err, &e) {
			stack = append(stack, e.Code)
			err = e.Cause
			continue
		}
		stack = append(stack, "IO_ERROR")
		break
	}
	return stack
}

// Types returns the distinct categories in the chain, outermost first.
func Types(err error) []string {
	var types []string
	seen := map[Category]bool{}
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		if !seen[e.Category] {
			seen[e.Category] = true
			types = append(types, string(e.Category))
		}
		err = e.Cause
	}
	return types
}
