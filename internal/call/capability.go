package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/protocol"
)

// LocalStream is captured local audio/video.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// MediaSource acquires local capture. Acquire fails when the platform denies
// or lacks a device; the error is reported as a MediaAcquisitionError.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalStream, error)
}

// PeerHandle is one peer connection. A Session creates a fresh handle for
// every negotiation attempt and is its only user.
type PeerHandle interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// PeerEvents are the change notifications a handle delivers. They are passed
// at construction so no event can fire before it is observed.
type PeerEvents struct {
	// OnICECandidate receives each gathered local candidate; nil marks the
	// end of gathering.
	OnICECandidate             func(*webrtc.ICECandidateInit)
	OnTrack                    func(*webrtc.TrackRemote)
	OnConnectionStateChange    func(webrtc.PeerConnectionState)
	OnICEConnectionStateChange func(webrtc.ICEConnectionState)
}

// PeerFactory creates peer connection handles.
type PeerFactory interface {
	NewPeer(events PeerEvents) (PeerHandle, error)
}

// Publisher hands a signaling message to the message bus. Delivery is
// fire-and-forget.
type Publisher interface {
	Publish(msg *protocol.Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(msg *protocol.Message) error

func (f PublisherFunc) Publish(msg *protocol.Message) error { return f(msg) }

// Renderer presents local and remote media. Implementations must not block.
type Renderer interface {
	RenderLocal(stream LocalStream)
	RenderRemote(track *webrtc.TrackRemote)
	ClearLocal()
	ClearRemote()
}

type nopRenderer struct{}

func (nopRenderer) RenderLocal(LocalStream)          {}
func (nopRenderer) RenderRemote(*webrtc.TrackRemote) {}
func (nopRenderer) ClearLocal()                      {}
func (nopRenderer) ClearRemote()                     {}
