// README: Swap error taxonomy shared by validation, transitions and revert.
package swap

import (
	"errors"
	"fmt"
)

var (
	ErrValidationFailed = errors.New("swap validation failed")
	ErrUnauthorized     = errors.New("actor not allowed to act on swap request")
	ErrAlreadyResolved  = errors.New("swap request already resolved")
	ErrWindowExpired    = errors.New("swap acceptance window expired")
	ErrStaleAssignment  = errors.New("vehicle assignment changed since request")
	ErrStoreConflict    = errors.New("swap store conflict")
	ErrNotFound         = errors.New("swap record not found")
	ErrInvalidState     = errors.New("invalid swap state transition")
	ErrBadRequest       = errors.New("bad request")
)

type Reason string

const (
	ReasonRequesterNotFound    Reason = "requester_not_found"
	ReasonWrongVehicle         Reason = "requester_not_on_vehicle"
	ReasonSelfSwap             Reason = "candidate_is_requester"
	ReasonCandidateNotFound    Reason = "candidate_not_found"
	ReasonCandidateUnavailable Reason = "candidate_unavailable"
	ReasonCandidateBusy        Reason = "candidate_in_live_swap"
	ReasonDuplicatePending     Reason = "duplicate_pending_request"
	ReasonVehicleLeased        Reason = "vehicle_in_live_swap"
	ReasonBadWindow            Reason = "invalid_schedule_window"
)

// ValidationError carries the first failed pre-flight check.
type ValidationError struct {
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidationFailed.Error(), e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// Retryable reports whether err is a store conflict the caller may retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreConflict)
}

// Moot reports whether err means a concurrent caller already settled the request.
func Moot(err error) bool {
	return errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrWindowExpired) || errors.Is(err, ErrStaleAssignment)
}
