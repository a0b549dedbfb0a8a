// Package classify maps provider callback status codes to a semantic class
// and the task transition that class implies.
//
// The mapping is the canonical contract with the provider:
//
//	0                       success         no transition
//	14                      end-of-stream   -> stopped (rtmp_stopped)
//	-1, 1001, 2001, 5000    upstream-error  -> error   (api_error)
//	anything else           unknown         no transition
//
// Status 14 covers a normal end, a vanished source and a source that never
// started. The callback cannot tell these apart, so the reason is recorded as
// the inferred rtmp_stopped and never as manual.
package classify

import (
	"strconv"

	"github.com/ashita-ai/kiai/internal/model"
)

// Class is the semantic category of a callback.
type Class string

const (
	ClassSuccess       Class = "success"
	ClassEndOfStream   Class = "end_of_stream"
	ClassUpstreamError Class = "upstream_error"
	ClassUnknown       Class = "unknown"
)

// Provider status codes.
const (
	StatusSuccess       = 0
	StatusStreamEnded   = 14
	StatusFailure       = -1
	StatusCapacity      = 1001
	StatusBilling       = 2001
	StatusInternalError = 5000
)

// Result is the outcome of classifying one status code.
// Transition and StopReason are empty when no transition is implied.
type Result struct {
	Status     int
	Class      Class
	Transition model.TaskStatus
	StopReason model.StopReason
	Detail     string
}

// Transitions reports whether the result implies a task transition.
func (r Result) Transitions() bool {
	return r.Transition != ""
}

// Schedules reports whether the event should be scored.
func (r Result) Schedules() bool {
	return r.Class == ClassSuccess
}

// Err returns an *model.UpstreamError for upstream-error results, nil otherwise.
func (r Result) Err() error {
	if r.Class != ClassUpstreamError {
		return nil
	}
	return &model.UpstreamError{Status: r.Status, Detail: r.Detail}
}

// String renders the result for logs.
func (r Result) String() string {
	s := string(r.Class) + "(" + strconv.Itoa(r.Status) + ")"
	if r.Transitions() {
		s += " -> " + string(r.Transition) + "/" + string(r.StopReason)
	}
	return s
}

// Classify maps a provider status code to its class and implied transition.
func Classify(status int) Result {
	switch status {
	case StatusSuccess:
		return Result{Status: status, Class: ClassSuccess}
	case StatusStreamEnded:
		return Result{
			Status:     status,
			Class:      ClassEndOfStream,
			Transition: model.TaskStatusStopped,
			StopReason: model.StopReasonRTMPStopped,
			Detail:     "stream ended",
		}
	case StatusFailure, StatusCapacity, StatusBilling, StatusInternalError:
		return Result{
			Status:     status,
			Class:      ClassUpstreamError,
			Transition: model.TaskStatusError,
			StopReason: model.StopReasonAPIError,
			Detail:     upstreamDetail(status),
		}
	default:
		return Result{Status: status, Class: ClassUnknown}
	}
}

// ClassifyOptional classifies a possibly-absent status. A missing status is unknown.
func ClassifyOptional(status *int) Result {
	if status == nil {
		return Result{Class: ClassUnknown, Detail: "missing status"}
	}
	return Classify(*status)
}

func upstreamDetail(status int) string {
	switch status {
	case StatusCapacity:
		return "capacity"
	case StatusBilling:
		return "billing"
	case StatusInternalError:
		return "internal"
	default:
		return "failure"
	}
}
