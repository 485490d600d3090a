package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/call"
)

// Peer wraps a single PeerConnection. Its lifecycle belongs to the call
// session that created it; Close is idempotent.
type Peer struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool
}

var _ call.PeerHandle = (*Peer)(nil)

// newPeer attaches events to pc. Registration happens before the peer is
// returned, so no event can be missed.
func newPeer(pc *webrtc.PeerConnection, events call.PeerEvents) *Peer {
	p := &Peer{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if events.OnICECandidate == nil {
			return
		}
		if c == nil {
			events.OnICECandidate(nil)
			return
		}
		init := c.ToJSON()
		events.OnICECandidate(&init)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnTrack != nil {
			events.OnTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if events.OnConnectionStateChange != nil {
			events.OnConnectionStateChange(state)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if events.OnICEConnectionStateChange != nil {
			events.OnICEConnectionStateChange(state)
		}
	})

	return p
}

// AddTrack attaches a local track. Incoming RTCP for the track is drained
// so the interceptors keep running.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.ErrConnectionClosed
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// CreateOffer generates an SDP offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts candidate gathering.
func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies the remote SDP.
func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// ConnectionState returns the current PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.pc.Close()
}
