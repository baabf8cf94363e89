package geofence

import (
	"errors"
	"fmt"
)

// Position source failure conditions. Sources wrap one of these so the
// monitor can tell them apart with errors.Is.
var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position request timed out")
)

// ErrMonitorRunning is returned by Start when a session is already active.
var ErrMonitorRunning = errors.New("monitor already running")

// InvalidZoneError reports a malformed zone definition rejected at load time.
type InvalidZoneError struct {
	ZoneID string
	Index  int
	Reason string
}

func (e *InvalidZoneError) Error() string {
	if e.ZoneID == "" {
		return fmt.Sprintf("invalid zone at index %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("invalid zone %q: %s", e.ZoneID, e.Reason)
}

// InvalidPositionError reports a sample with non-finite or out-of-range
// coordinates. It is never fatal to a monitoring session.
type InvalidPositionError struct {
	Latitude  float64
	Longitude float64
}

func (e *InvalidPositionError) Error() string {
	return fmt.Sprintf("invalid position (%v, %v)", e.Latitude, e.Longitude)
}

// ErrorCode classifies acquisition failures for listeners.
type ErrorCode string

const (
	CodePermissionDenied    ErrorCode = "permission-denied"
	CodePositionUnavailable ErrorCode = "position-unavailable"
	CodeTimeout             ErrorCode = "timeout"
)

// CodeOf maps an acquisition error onto its ErrorCode. Anything that is
// neither a denial nor a timeout counts as unavailable.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodePositionUnavailable
	}
}

// ErrorForCode returns the sentinel error for a code.
func ErrorForCode(code ErrorCode) (error, bool) {
	switch code {
	case CodePermissionDenied:
		return ErrPermissionDenied, true
	case CodePositionUnavailable:
		return ErrPositionUnavailable, true
	case CodeTimeout:
		return ErrTimeout, true
	}
	return nil, false
}

// AcquisitionError is delivered to error listeners when the monitor fails to
// obtain a position. Terminal errors end the session; the others are
// reported while the monitor keeps retrying or watching.
type AcquisitionError struct {
	Code     ErrorCode
	Terminal bool
	Err      error
}

func (e *AcquisitionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("%s (session ended): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
