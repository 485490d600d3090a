package call

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

// HandleOffer answers an inbound call. On an idle session the offer starts a
// call as answerer. While our own offer is unanswered the two offers collide
// (glare): the participant with the greater id keeps its offer, the other
// rolls back and answers. Any other offer with a new session id replaces the
// current call; a repeated offer of the active call is ignored.
func (s *Session) HandleOffer(msg *protocol.Message) {
	if !s.expectKind(msg, protocol.KindOffer) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	switch {
	case s.state == StateIdle && !s.starting:
		s.log.Info("incoming call %s from %s", util.ShortID(msg.Session), util.ShortID(msg.From))

	case s.duplicateOfferLocked(msg):
		id := s.sessionID
		s.mu.Unlock()
		s.log.Debug("ignoring duplicate offer for call %s", util.ShortID(id))
		return

	case s.role == RoleOfferer && !s.remoteSet:
		if s.winsGlare(msg.From) {
			s.mu.Unlock()
			s.log.Info("glare with %s: keeping local offer", util.ShortID(msg.From))
			return
		}
		if !s.rollbackLocked(msg.From) {
			return
		}

	default:
		s.log.Info("peer started call %s, replacing call %s",
			util.ShortID(msg.Session), util.ShortID(s.sessionID))
	}

	epoch, old, changed := s.acceptOfferLocked(msg)
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Debug("closing replaced peer connection: %v", err)
		}
		s.render.ClearRemote()
	}
	if changed {
		s.emitState(StateConnecting)
	}

	s.answer(epoch, *msg.Offer)
}

// duplicateOfferLocked reports whether msg repeats the offer of the active
// call. Offers without a session id can only be told apart by their SDP.
func (s *Session) duplicateOfferLocked(msg *protocol.Message) bool {
	if msg.Session != "" {
		return msg.Session == s.sessionID
	}
	return s.role == RoleAnswerer && s.remoteOffer != "" && msg.Offer.SDP == s.remoteOffer
}

// winsGlare reports whether our offer beats the one sent by from. Peers that
// send no id cannot roll back, so they always win.
func (s *Session) winsGlare(from string) bool {
	return from != "" && s.cfg.SelfID > from
}

// rollbackLocked discards our unanswered offer and its handle. It is called
// and returns with s.mu held, but releases it while the handle closes. It
// returns false, with s.mu released, if the session moved on meanwhile.
func (s *Session) rollbackLocked(winner string) bool {
	s.phase = PhaseRollback
	s.epoch++
	epoch := s.epoch
	rolled := s.handle
	s.handle = nil
	s.starting = false
	s.announced = false
	s.trickling = false
	s.localSet = false
	s.outbound = nil
	s.mu.Unlock()

	s.log.Info("glare with %s: rolling back local offer", util.ShortID(winner))
	if rolled != nil {
		if err := rolled.Close(); err != nil {
			s.log.Debug("closing rolled back peer connection: %v", err)
		}
	}

	s.mu.Lock()
	if s.epoch != epoch || s.closed || s.phase != PhaseRollback {
		s.mu.Unlock()
		return false
	}
	return true
}

// acceptOfferLocked turns the session into the answerer of msg's call and
// returns the new epoch, the handle it displaced, and whether the state
// changed.
func (s *Session) acceptOfferLocked(msg *protocol.Message) (uint64, PeerHandle, bool) {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.epoch++
	old := s.handle
	s.handle = nil

	s.adoptEarlyLocked(msg.Session)
	s.sessionID = msg.Session
	if s.sessionID == "" {
		s.sessionID = util.NewID()
	}
	s.role = RoleAnswerer
	s.phase = PhaseHaveRemoteOffer
	s.remoteOffer = msg.Offer.SDP
	s.starting = false
	s.remoteSet = false
	s.localSet = false
	s.announced = false
	s.trickling = false
	s.outbound = nil
	s.connState = webrtc.PeerConnectionStateNew

	changed := s.state != StateConnecting
	s.state = StateConnecting
	return s.epoch, old, changed
}

// answer runs the answerer side of a negotiation attempt.
func (s *Session) answer(epoch uint64, offer webrtc.SessionDescription) {
	stream, err := s.ensureLocal(s.ctx, epoch)
	if err != nil {
		s.abort(epoch, err, true)
		return
	}
	if !s.current(epoch) {
		return
	}
	s.render.RenderLocal(stream)

	h, err := s.peers.NewPeer(s.peerEvents(epoch))
	if err != nil {
		s.abort(epoch, fmt.Errorf("create peer connection: %w", err), true)
		return
	}
	if !s.install(epoch, h) {
		return
	}

	for _, track := range stream.Tracks() {
		if err := h.AddTrack(track); err != nil {
			s.abort(epoch, fmt.Errorf("add local track: %w", err), true)
			return
		}
	}

	ok, err := s.applyRemote(epoch, h, offer)
	if err != nil {
		s.abort(epoch, err, true)
		return
	}
	if !ok {
		return
	}

	answer, err := h.CreateAnswer()
	if err != nil {
		s.abort(epoch, fmt.Errorf("create answer: %w", err), true)
		return
	}
	if err := h.SetLocalDescription(answer); err != nil {
		s.abort(epoch, fmt.Errorf("set local answer: %w", err), true)
		return
	}

	s.announce(epoch, func(id string) *protocol.Message {
		return protocol.NewAnswer(id, s.cfg.SelfID, answer)
	})
}

// HandleAnswer applies the answer to our offer. Answers that arrive in any
// other situation (duplicates, strays, other calls) are logged and ignored.
func (s *Session) HandleAnswer(msg *protocol.Message) {
	if !s.expectKind(msg, protocol.KindAnswer) {
		return
	}
	s.mu.Lock()
	expected := !s.closed &&
		s.role == RoleOfferer &&
		s.state == StateConnecting &&
		s.localSet && !s.remoteSet &&
		s.handle != nil &&
		s.matchesLocked(msg.Session)
	h := s.handle
	epoch := s.epoch
	state, role := s.state, s.role
	s.mu.Unlock()

	if !expected {
		s.log.Info("ignoring answer for call %s (state %s, role %s)", util.ShortID(msg.Session), state, role)
		return
	}

	ok, err := s.applyRemote(epoch, h, *msg.Answer)
	if err != nil {
		s.abort(epoch, err, true)
		return
	}
	if ok {
		s.log.Info("answer from %s applied", util.ShortID(msg.From))
	}
}

// applyRemote sets the remote description and drains the candidate buffer.
// It returns false without error when the attempt was superseded or the
// description had already been applied.
func (s *Session) applyRemote(epoch uint64, h PeerHandle, desc webrtc.SessionDescription) (bool, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.epoch != epoch || s.closed || s.remoteSet {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	if err := h.SetRemoteDescription(desc); err != nil {
		return false, &RemoteDescriptionError{Type: desc.Type, Err: err}
	}

	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		return false, nil
	}
	s.remoteSet = true
	if s.phase == PhaseHaveLocalOffer {
		s.phase = PhaseStable
	}
	pending := s.buffer
	s.buffer = NewBuffer()
	s.mu.Unlock()

	if n := pending.Len(); n > 0 {
		s.log.Debug("applying %d buffered candidates", n)
	}
	for _, err := range pending.DrainInto(h) {
		s.candidateFailed(epoch, err)
	}
	return true, nil
}

// HandleCandidate applies a remote candidate, or buffers it until the
// remote description is set. Candidates for a call that has not started
// yet are held until its offer arrives. Rejected candidates are logged.
func (s *Session) HandleCandidate(msg *protocol.Message) {
	if !s.expectKind(msg, protocol.KindCandidate) {
		return
	}
	c := *msg.ICECandidate

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if (s.state == StateIdle && !s.starting) || !s.matchesLocked(msg.Session) {
		s.holdEarlyLocked(msg.Session, c)
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.buffer.Enqueue(c)
		n := s.buffer.Len()
		s.mu.Unlock()
		util.Stats.AddBuffered()
		s.log.Debug("buffered remote candidate (%d waiting for remote description)", n)
		return
	}
	h := s.handle
	epoch := s.epoch
	s.mu.Unlock()

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if !s.current(epoch) {
		return
	}
	if err := h.AddICECandidate(c); err != nil {
		s.candidateFailed(epoch, &CandidateApplicationError{Candidate: c.Candidate, Err: err})
	}
}

// holdEarlyLocked keeps a candidate for a call we have not seen the offer of.
// Only the most recent unknown session is tracked.
func (s *Session) holdEarlyLocked(session string, c webrtc.ICECandidateInit) {
	if session != s.earlySession {
		s.early.Reset()
		s.earlySession = session
	}
	if s.early.Len() >= maxEarlyCandidates {
		s.log.Debug("dropping early candidate for call %s", util.ShortID(session))
		return
	}
	s.early.Enqueue(c)
}

// adoptEarlyLocked makes the candidates held for session the new call's
// buffer and drops everything else.
func (s *Session) adoptEarlyLocked(session string) {
	s.buffer.Reset()
	if s.early.Len() > 0 && s.earlySession == session {
		s.buffer, s.early = s.early, s.buffer
		util.Stats.CandidatesBuf.Add(int64(s.buffer.Len()))
	}
	s.early.Reset()
	s.earlySession = ""
}

func (s *Session) candidateFailed(epoch uint64, err error) {
	if !s.current(epoch) {
		return
	}
	util.Stats.AddCandidateErr()
	s.log.Warn("%v", err)
}

// ---------------------------------------------------------------------------
// Handle events
// ---------------------------------------------------------------------------

// peerEvents binds handle notifications to one attempt; events from a handle
// of an older attempt are dropped.
func (s *Session) peerEvents(epoch uint64) PeerEvents {
	return PeerEvents{
		OnICECandidate: func(c *webrtc.ICECandidateInit) {
			s.onLocalCandidate(epoch, c)
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			if s.current(epoch) {
				s.render.RenderRemote(track)
			}
		},
		OnConnectionStateChange: func(st webrtc.PeerConnectionState) {
			s.onConnectionState(epoch, st)
		},
		OnICEConnectionStateChange: func(st webrtc.ICEConnectionState) {
			if s.current(epoch) {
				s.log.Debug("ICE connection state: %s", st)
			}
		},
	}
}

// onLocalCandidate publishes a gathered candidate. Candidates gathered before
// our offer or answer went out are held so the peer never sees a candidate
// ahead of the description it belongs to.
func (s *Session) onLocalCandidate(epoch uint64, c *webrtc.ICECandidateInit) {
	if c == nil {
		s.log.Debug("local candidate gathering complete")
		return
	}

	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		return
	}
	if !s.trickling {
		s.outbound = append(s.outbound, *c)
		s.mu.Unlock()
		return
	}
	id := s.sessionID
	s.mu.Unlock()

	s.publish(protocol.NewCandidate(id, s.cfg.SelfID, *c))
}

func (s *Session) onConnectionState(epoch uint64, st webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		return
	}
	s.connState = st
	s.log.Debug("peer connection state: %s", st)

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.grace != nil {
			s.grace.Stop()
			s.grace = nil
		}
		changed := s.state == StateConnecting
		if changed {
			s.state = StateConnected
		}
		s.mu.Unlock()
		if changed {
			s.log.Info("media path established")
			s.emitState(StateConnected)
		}

	case webrtc.PeerConnectionStateDisconnected:
		grace := s.cfg.DisconnectGrace
		if grace > 0 {
			if s.grace == nil {
				s.grace = time.AfterFunc(grace, func() { s.onGraceExpired(epoch) })
			}
			s.mu.Unlock()
			s.log.Warn("peer connection disconnected, waiting %s for recovery", grace)
			return
		}
		s.mu.Unlock()
		s.abort(epoch, &TransportStateError{State: st}, true)

	case webrtc.PeerConnectionStateFailed:
		s.mu.Unlock()
		s.abort(epoch, &TransportStateError{State: st}, true)

	case webrtc.PeerConnectionStateClosed:
		s.mu.Unlock()
		s.teardown(epoch, false)

	default:
		s.mu.Unlock()
	}
}

func (s *Session) onGraceExpired(epoch uint64) {
	s.mu.Lock()
	expired := s.epoch == epoch && !s.closed && s.connState == webrtc.PeerConnectionStateDisconnected
	if s.epoch == epoch {
		s.grace = nil
	}
	s.mu.Unlock()

	if expired {
		s.abort(epoch, &TransportStateError{State: webrtc.PeerConnectionStateDisconnected}, true)
	}
}
