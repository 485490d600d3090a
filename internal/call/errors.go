package call

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrAlreadyInCall is returned by StartCall when a call exists or is
	// being set up.
	ErrAlreadyInCall = errors.New("already in call")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// MediaAcquisitionError means local capture could not be obtained. It aborts
// the call attempt only.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("acquire local media: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// RemoteDescriptionError means a remote offer or answer could not be applied.
type RemoteDescriptionError struct {
	Type webrtc.SDPType
	Err  error
}

func (e *RemoteDescriptionError) Error() string {
	return fmt.Sprintf("apply remote %s: %v", e.Type, e.Err)
}

func (e *RemoteDescriptionError) Unwrap() error { return e.Err }

// CandidateApplicationError means one remote candidate was rejected. It is
// never fatal.
type CandidateApplicationError struct {
	Candidate string
	Err       error
}

func (e *CandidateApplicationError) Error() string {
	return fmt.Sprintf("add ICE candidate %q: %v", e.Candidate, e.Err)
}

func (e *CandidateApplicationError) Unwrap() error { return e.Err }

// TransportStateError means the peer transport reported failure; the call
// is hung up.
type TransportStateError struct {
	State webrtc.PeerConnectionState
}

func (e *TransportStateError) Error() string {
	return fmt.Sprintf("peer connection %s", e.State)
}
