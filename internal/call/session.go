// Package call implements the signaling negotiation state machine of a
// two-party audio/video call: it decides, for every inbound signaling message
// and every local action, whether to create an offer or answer, apply a
// remote description, buffer or apply a candidate, or tear down.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

// maxEarlyCandidates bounds candidates kept for a call whose offer has not
// arrived yet.
const maxEarlyCandidates = 64

// Config holds per-session policy.
type Config struct {
	// SelfID identifies this participant on the bus. It breaks glare ties
	// and filters echoed messages. A random id is used when empty.
	SelfID string

	// StopTracksOnHangup stops local capture on hangup. When false the
	// stream is kept so a redial does not re-acquire the devices.
	StopTracksOnHangup bool

	// DisconnectGrace is how long a "disconnected" transport may take to
	// recover before the call is hung up. Zero hangs up immediately.
	DisconnectGrace time.Duration
}

// Observer receives session notifications. Callbacks run on the goroutine
// that caused the change and must not call back into the Session
// synchronously.
type Observer struct {
	OnStateChange func(State)
	OnError       func(error)
}

// Session is one participant's side of a call. All exported methods are
// safe for concurrent use; transitions are serialized by an internal mutex
// and every blocking step re-checks the session epoch before committing.
type Session struct {
	cfg    Config
	media  MediaSource
	peers  PeerFactory
	bus    Publisher
	render Renderer
	obs    Observer
	log    util.Scoped

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	role      Role
	phase     Phase
	starting  bool // StartCall is acquiring media or creating the handle
	closed    bool
	epoch     uint64
	sessionID string
	handle    PeerHandle
	local     LocalStream
	remoteSet bool
	localSet  bool

	remoteOffer string // SDP of the offer we answered
	announced   bool   // our offer/answer was handed to the bus
	trickling   bool   // local candidates are published as they are gathered
	outbound    []webrtc.ICECandidateInit
	buffer      *Buffer
	connState   webrtc.PeerConnectionState
	grace       *time.Timer

	early        *Buffer
	earlySession string

	// applyMu orders candidate application: a drain started after the
	// remote description completes before any later direct apply.
	applyMu sync.Mutex
}

// NewSession creates an idle session. render may be nil.
func NewSession(cfg Config, media MediaSource, peers PeerFactory, bus Publisher, render Renderer, obs Observer) *Session {
	if cfg.SelfID == "" {
		cfg.SelfID = util.NewID()
	}
	if render == nil {
		render = nopRenderer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:    cfg,
		media:  media,
		peers:  peers,
		bus:    bus,
		render: render,
		obs:    obs,
		log:    util.Scoped("call " + util.ShortID(cfg.SelfID)),
		ctx:    ctx,
		cancel: cancel,
		buffer: NewBuffer(),
		early:  NewBuffer(),
	}
}

// SelfID returns the participant id used on the bus.
func (s *Session) SelfID() string { return s.cfg.SelfID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the role of the current call.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Snapshot returns a consistent copy of the session fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:                s.state,
		Role:                 s.role,
		Phase:                s.phase,
		SessionID:            s.sessionID,
		RemoteDescriptionSet: s.remoteSet,
		LocalDescriptionSet:  s.localSet,
		Buffered:             s.buffer.Len(),
		HasHandle:            s.handle != nil,
		HasLocalStream:       s.local != nil,
	}
}

// ---------------------------------------------------------------------------
// Local actions
// ---------------------------------------------------------------------------

// StartCall places a call: it acquires local media (unless retained from a
// previous call), creates a handle, and publishes an offer. It returns
// ErrAlreadyInCall unless the session is idle, and a MediaAcquisitionError
// when capture fails, in which case the session stays idle and nothing is
// published. A hangup while StartCall is in flight makes it return nil
// without publishing.
func (s *Session) StartCall(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle || s.starting {
		s.mu.Unlock()
		return ErrAlreadyInCall
	}
	s.starting = true
	s.epoch++
	epoch := s.epoch
	s.sessionID = util.NewID()
	s.role = RoleOfferer
	s.phase = PhaseHaveLocalOffer
	s.adoptEarlyLocked(s.sessionID)
	id := s.sessionID
	s.mu.Unlock()

	s.log.Info("starting call %s", util.ShortID(id))

	stream, err := s.ensureLocal(ctx, epoch)
	if err != nil {
		return s.abort(epoch, err, false)
	}
	if !s.current(epoch) {
		return nil
	}
	s.render.RenderLocal(stream)

	h, err := s.peers.NewPeer(s.peerEvents(epoch))
	if err != nil {
		return s.abort(epoch, fmt.Errorf("create peer connection: %w", err), false)
	}
	if !s.install(epoch, h) {
		return nil
	}

	for _, track := range stream.Tracks() {
		if err := h.AddTrack(track); err != nil {
			return s.abort(epoch, fmt.Errorf("add local track: %w", err), true)
		}
	}

	offer, err := h.CreateOffer()
	if err != nil {
		return s.abort(epoch, fmt.Errorf("create offer: %w", err), true)
	}
	if err := h.SetLocalDescription(offer); err != nil {
		return s.abort(epoch, fmt.Errorf("set local offer: %w", err), true)
	}

	s.announce(epoch, func(id string) *protocol.Message {
		return protocol.NewOffer(id, s.cfg.SelfID, offer)
	})
	return nil
}

// Hangup ends the current call. It is idempotent: on an idle or closed
// session it does nothing. When notifyPeer is set a single hangup message is
// published, provided the peer has seen this call's offer or sent it.
func (s *Session) Hangup(notifyPeer bool) {
	s.teardown(0, notifyPeer)
}

// Close hangs up with notification and shuts the session down. Local
// capture is always stopped.
func (s *Session) Close() {
	s.Hangup(true)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	stream := s.local
	s.local = nil
	s.mu.Unlock()

	s.cancel()
	if stream != nil {
		stream.Stop()
	}
	s.emitState(StateClosed)
}

// ---------------------------------------------------------------------------
// Inbound messages
// ---------------------------------------------------------------------------

// Handle dispatches an inbound signaling message. Messages this participant
// sent itself are dropped.
func (s *Session) Handle(msg *protocol.Message) {
	if msg == nil {
		return
	}
	if msg.From != "" && msg.From == s.cfg.SelfID {
		return
	}
	util.Stats.AddRecv()

	switch msg.Kind() {
	case protocol.KindOffer:
		s.HandleOffer(msg)
	case protocol.KindAnswer:
		s.HandleAnswer(msg)
	case protocol.KindCandidate:
		s.HandleCandidate(msg)
	case protocol.KindHangup:
		s.HandleHangup(msg)
	default:
		s.log.Warn("dropping malformed signaling message from %s", util.ShortID(msg.From))
	}
}

// HandleHangup tears the call down without notifying the peer back. A hangup
// for a session other than the active one is ignored.
func (s *Session) HandleHangup(msg *protocol.Message) {
	if !s.expectKind(msg, protocol.KindHangup) {
		return
	}
	s.mu.Lock()
	active := s.state == StateConnecting || s.state == StateConnected
	matches := s.matchesLocked(msg.Session)
	epoch := s.epoch
	s.mu.Unlock()

	if !active || !matches {
		s.log.Debug("ignoring hangup for session %q", util.ShortID(msg.Session))
		return
	}
	s.log.Info("peer hung up")
	s.teardown(epoch, false)
}

// ---------------------------------------------------------------------------
// Internals shared by the negotiation paths
// ---------------------------------------------------------------------------

// expectKind reports whether msg carries the tag its handler needs.
func (s *Session) expectKind(msg *protocol.Message, want protocol.Kind) bool {
	if msg != nil && msg.Kind() == want {
		return true
	}
	s.log.Warn("dropping signaling message: want %s", want)
	return false
}

// current reports whether epoch still identifies the live attempt.
func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch && !s.closed
}

// matchesLocked reports whether a message session id belongs to the active
// call. Peers that do not send session ids match any call.
func (s *Session) matchesLocked(id string) bool {
	return id == "" || id == s.sessionID
}

// ensureLocal returns the retained local stream or acquires a new one.
func (s *Session) ensureLocal(ctx context.Context, epoch uint64) (LocalStream, error) {
	s.mu.Lock()
	if s.local != nil {
		stream := s.local
		s.mu.Unlock()
		return stream, nil
	}
	s.mu.Unlock()

	if ctx == nil {
		ctx = s.ctx
	}
	stream, err := s.media.Acquire(ctx)
	if err != nil {
		return nil, &MediaAcquisitionError{Err: err}
	}

	s.mu.Lock()
	if s.local != nil {
		existing := s.local
		s.mu.Unlock()
		stream.Stop()
		return existing, nil
	}
	if s.closed || (s.epoch != epoch && s.cfg.StopTracksOnHangup) {
		s.mu.Unlock()
		stream.Stop()
		return nil, nil
	}
	s.local = stream
	s.mu.Unlock()
	return stream, nil
}

// install makes h the session's handle if epoch is still current. Any prior
// handle is closed first. When the attempt is stale h is closed instead.
func (s *Session) install(epoch uint64, h PeerHandle) bool {
	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		if err := h.Close(); err != nil {
			s.log.Debug("closing stale peer connection: %v", err)
		}
		return false
	}
	old := s.handle
	s.handle = h
	s.starting = false
	changed := s.state != StateConnecting
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Debug("closing previous peer connection: %v", err)
		}
	}
	if changed {
		s.emitState(StateConnecting)
	}
	return true
}

// announce marks the local description as applied and handed to the bus
// before publishing the message built by build, so a hangup racing the
// publish still notifies the peer. Candidates gathered before it are flushed
// afterwards.
func (s *Session) announce(epoch uint64, build func(sessionID string) *protocol.Message) {
	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		return
	}
	s.localSet = true
	s.announced = true
	if s.phase == PhaseHaveRemoteOffer {
		s.phase = PhaseStable
	}
	id := s.sessionID
	s.mu.Unlock()

	s.publish(build(id))

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.trickling = true
	pending := s.outbound
	s.outbound = nil
	s.mu.Unlock()

	for _, c := range pending {
		s.publish(protocol.NewCandidate(id, s.cfg.SelfID, c))
	}
}

// abort reports err and tears down the attempt identified by epoch. Errors
// of an attempt that was already superseded are dropped.
func (s *Session) abort(epoch uint64, err error, notifyPeer bool) error {
	if !s.current(epoch) {
		s.log.Debug("discarding result of superseded attempt: %v", err)
		return nil
	}
	s.report(err)
	s.teardown(epoch, notifyPeer)
	return err
}

// teardown resets the session to idle. epoch 0 targets whatever attempt is
// live; any other value only tears down that attempt. It returns false when
// there was nothing to tear down.
func (s *Session) teardown(epoch uint64, notifyPeer bool) bool {
	s.mu.Lock()
	if epoch != 0 && epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	if s.closed || (s.state == StateIdle && !s.starting) {
		s.mu.Unlock()
		return false
	}

	prev := s.state
	h := s.handle
	id := s.sessionID
	peerKnows := s.announced || s.role == RoleAnswerer
	var stream LocalStream
	if s.cfg.StopTracksOnHangup {
		stream = s.local
		s.local = nil
	}

	s.epoch++
	s.resetLocked()
	s.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			s.log.Debug("closing peer connection: %v", err)
		}
	}
	s.render.ClearRemote()
	s.render.ClearLocal()
	if stream != nil {
		stream.Stop()
	}

	if notifyPeer && prev != StateIdle && peerKnows {
		s.publish(protocol.NewHangup(id, s.cfg.SelfID))
	}
	if prev != StateIdle {
		s.log.Info("call %s ended", util.ShortID(id))
		s.emitState(StateIdle)
	}
	return true
}

// resetLocked clears every per-call field. The caller bumps the epoch.
func (s *Session) resetLocked() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.state = StateIdle
	s.role = RoleIdle
	s.phase = PhaseStable
	s.starting = false
	s.sessionID = ""
	s.handle = nil
	s.remoteSet = false
	s.localSet = false
	s.remoteOffer = ""
	s.announced = false
	s.trickling = false
	s.outbound = nil
	s.connState = webrtc.PeerConnectionStateNew
	s.buffer.Reset()
}

func (s *Session) publish(msg *protocol.Message) {
	if err := s.bus.Publish(msg); err != nil {
		s.log.Warn("publish %s failed: %v", msg.Kind(), err)
		return
	}
	util.Stats.AddSent()
	s.log.Debug("sent %s", msg.Kind())
}

func (s *Session) report(err error) {
	s.log.Error("%v", err)
	if s.obs.OnError != nil {
		s.obs.OnError(err)
	}
}

func (s *Session) emitState(st State) {
	if s.obs.OnStateChange != nil {
		s.obs.OnStateChange(st)
	}
}
