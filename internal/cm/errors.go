package cm

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the request entry points.
var (
	ErrListFull      = errors.New("request list full")
	ErrNotFound      = errors.New("request not found")
	ErrInvalidState  = errors.New("request not accepted in current state")
	ErrInterfaceDown = errors.New("interface is down")
	ErrRejected      = errors.New("request rejected")
	ErrSyncTimeout   = errors.New("timed out waiting for completion")
)

// FailReason tags a failed completion. The zero value means success.
// FailReason implements error so completions can be matched with errors.Is.
type FailReason int

const (
	ReasonNone FailReason = iota
	NoCandidateFound
	SerializationFailure
	HwModeFailure
	PeerCreateFailed
	PeerDeleteFailed
	BssSelectIndFailed
	JoinFailed
	JoinTimeout
	SerializationTimeout
	AbortDueToNewRequest
	GenericFailure
	RoamAborted
	HandoffFailed
)

var failReasonNames = map[FailReason]string{
	ReasonNone:           "success",
	NoCandidateFound:     "no_candidate_found",
	SerializationFailure: "serialization_failure",
	HwModeFailure:        "hw_mode_failure",
	PeerCreateFailed:     "peer_create_failed",
	PeerDeleteFailed:     "peer_delete_failed",
	BssSelectIndFailed:   "bss_select_ind_failed",
	JoinFailed:           "join_failed",
	JoinTimeout:          "join_timeout",
	SerializationTimeout: "serialization_timeout",
	AbortDueToNewRequest: "abort_due_to_new_request",
	GenericFailure:       "generic_failure",
	RoamAborted:          "roam_aborted",
	HandoffFailed:        "handoff_failed",
}

func (r FailReason) String() string {
	if s, ok := failReasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("fail_reason(%d)", int(r))
}

func (r FailReason) Error() string { return r.String() }

// MarshalText implements encoding.TextMarshaler.
func (r FailReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *FailReason) UnmarshalText(b []byte) error {
	for k, v := range failReasonNames {
		if v == string(b) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown fail reason %q", b)
}

// retryable reports whether a failure is specific to one candidate, so
// the next candidate may still succeed.
func (r FailReason) retryable() bool {
	switch r {
	case PeerCreateFailed, BssSelectIndFailed, JoinFailed, JoinTimeout:
		return true
	}
	return false
}

// unexpected reports whether the failure signals a logic error rather
// than an operational outcome.
func (r FailReason) unexpected() bool { return r == GenericFailure }
