package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/protocol"
)

// Compile-time interface checks.
var (
	_ MediaSource = (*fakeMedia)(nil)
	_ PeerFactory = (*fakeFactory)(nil)
	_ PeerHandle  = (*fakePeer)(nil)
	_ Publisher   = (*fakeBus)(nil)
)

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

type fakeStream struct {
	tracks  []webrtc.TrackLocal
	stopped atomic.Bool
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *fakeStream) Stop()                       { s.stopped.Store(true) }

// fakeMedia hands out streams with one audio and one video track. When gate
// is set, Acquire waits for it to be closed.
type fakeMedia struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context) (LocalStream, error) {
	m.mu.Lock()
	gate, err := m.gate, m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "duocall")
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "duocall")
	if err != nil {
		return nil, err
	}

	stream := &fakeStream{tracks: []webrtc.TrackLocal{audio, video}}
	m.mu.Lock()
	m.streams = append(m.streams, stream)
	m.mu.Unlock()
	return stream, nil
}

func (m *fakeMedia) acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *fakeMedia) stream(i int) *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[i]
}

// ---------------------------------------------------------------------------
// Peer connection
// ---------------------------------------------------------------------------

// fakePeer records what the session does to it and enforces the ordering a
// real peer connection enforces: candidates need a remote description.
type fakePeer struct {
	name   string
	events PeerEvents

	// gather is emitted through OnICECandidate after SetLocalDescription.
	gather []string

	mu         sync.Mutex
	tracks     int
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []string
	early      int // candidates added before the remote description
	closed     bool
	failRemote error
	reject     map[string]bool
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer closed")
	}
	p.tracks++
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("peer closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer from " + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("peer closed")
	}
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer from " + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("peer closed")
	}
	p.local = &desc
	gather := p.gather
	p.mu.Unlock()

	if len(gather) > 0 && p.events.OnICECandidate != nil {
		go func() {
			for _, c := range gather {
				p.events.OnICECandidate(&webrtc.ICECandidateInit{Candidate: c})
			}
			p.events.OnICECandidate(nil)
		}()
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer closed")
	}
	if p.failRemote != nil {
		return p.failRemote
	}
	if p.remote != nil {
		return errors.New("remote description already set")
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.early++
		return errors.New("remote description not set")
	}
	if p.reject[c.Candidate] {
		return fmt.Errorf("malformed candidate %q", c.Candidate)
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) hasRemote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) earlyAdds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early
}

// setState delivers a connection state change the way the stack would.
func (p *fakePeer) setState(st webrtc.PeerConnectionState) {
	p.events.OnConnectionStateChange(st)
}

type fakeFactory struct {
	name   string
	gather []string

	mu    sync.Mutex
	err   error
	peers []*fakePeer
	// prepare, when set, configures each new peer before it is returned.
	prepare func(*fakePeer)
}

func (f *fakeFactory) NewPeer(events PeerEvents) (PeerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{
		name:   fmt.Sprintf("%s#%d", f.name, len(f.peers)),
		events: events,
		gather: f.gather,
	}
	if f.prepare != nil {
		f.prepare(p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

// ---------------------------------------------------------------------------
// Message bus
// ---------------------------------------------------------------------------

// fakeBus records published messages. When linked it also delivers them, in
// order and on a separate goroutine, to another session.
type fakeBus struct {
	mu   sync.Mutex
	sent []*protocol.Message
	out  chan *protocol.Message
}

func (b *fakeBus) Publish(msg *protocol.Message) error {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	out := b.out
	b.mu.Unlock()
	if out != nil {
		out <- msg
	}
	return nil
}

func (b *fakeBus) messages() []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*protocol.Message(nil), b.sent...)
}

func (b *fakeBus) ofKind(k protocol.Kind) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range b.messages() {
		if m.Kind() == k {
			out = append(out, m)
		}
	}
	return out
}

// deliverTo forwards everything published on b to s until the test ends.
func (b *fakeBus) deliverTo(t *testing.T, s *Session) {
	ch := make(chan *protocol.Message, 256)
	done := make(chan struct{})
	b.mu.Lock()
	b.out = ch
	b.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-ch:
				s.Handle(msg)
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(done) })
}

// ---------------------------------------------------------------------------
// Observer
// ---------------------------------------------------------------------------

type recorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (r *recorder) observer() Observer {
	return Observer{
		OnStateChange: func(st State) {
			r.mu.Lock()
			r.states = append(r.states, st)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) history() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	session *Session
	media   *fakeMedia
	peers   *fakeFactory
	bus     *fakeBus
	rec     *recorder
}

func newFixture(t *testing.T, id string, cfg Config) *fixture {
	t.Helper()
	cfg.SelfID = id
	f := &fixture{
		media: &fakeMedia{},
		peers: &fakeFactory{name: id},
		bus:   &fakeBus{},
		rec:   &recorder{},
	}
	f.session = NewSession(cfg, f.media, f.peers, f.bus, nil, f.rec.observer())
	t.Cleanup(f.session.Close)
	return f
}

func offerMsg(session, from string) *protocol.Message {
	return protocol.NewOffer(session, from, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote offer"})
}

func answerMsg(session, from string) *protocol.Message {
	return protocol.NewAnswer(session, from, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote answer"})
}

func candidateMsg(session, from, c string) *protocol.Message {
	return protocol.NewCandidate(session, from, webrtc.ICECandidateInit{Candidate: c})
}
