package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/duocall/internal/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// ---------------------------------------------------------------------------
// Placing a call
// ---------------------------------------------------------------------------

func TestStartCallPublishesOffer(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	require.NoError(t, f.session.StartCall(context.Background()))

	snap := f.session.Snapshot()
	require.Equal(t, StateConnecting, snap.State)
	require.Equal(t, RoleOfferer, snap.Role)
	require.Equal(t, PhaseHaveLocalOffer, snap.Phase)
	require.True(t, snap.LocalDescriptionSet)
	require.False(t, snap.RemoteDescriptionSet)
	require.True(t, snap.HasHandle)
	require.True(t, snap.HasLocalStream)
	require.NotEmpty(t, snap.SessionID)

	offers := f.bus.ofKind(protocol.KindOffer)
	require.Len(t, offers, 1)
	require.Equal(t, snap.SessionID, offers[0].Session)
	require.Equal(t, "alice", offers[0].From)
	require.Equal(t, "offer from alice#0", offers[0].Offer.SDP)

	require.Equal(t, 2, f.peers.peer(0).tracks)
	require.Equal(t, []State{StateConnecting}, f.rec.history())
}

func TestStartCallWhileInCall(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	require.NoError(t, f.session.StartCall(context.Background()))
	err := f.session.StartCall(context.Background())
	require.ErrorIs(t, err, ErrAlreadyInCall)
	require.Equal(t, 1, f.peers.count())
	require.Len(t, f.bus.ofKind(protocol.KindOffer), 1)
}

func TestStartCallMediaFailure(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.media.err = errors.New("permission denied")

	err := f.session.StartCall(context.Background())

	var mediaErr *MediaAcquisitionError
	require.ErrorAs(t, err, &mediaErr)
	require.Equal(t, StateIdle, f.session.State())
	require.Equal(t, RoleIdle, f.session.Role())
	require.Zero(t, f.peers.count())
	require.Empty(t, f.bus.messages())
	require.Len(t, f.rec.errors(), 1)
}

func TestStartCallPeerCreationFailure(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.peers.err = errors.New("no interfaces")

	err := f.session.StartCall(context.Background())
	require.Error(t, err)
	require.Equal(t, StateIdle, f.session.State())
	require.Empty(t, f.bus.messages())
}

func TestHangupDuringStartCall(t *testing.T) {
	f := newFixture(t, "alice", Config{StopTracksOnHangup: true})
	f.media.gate = make(chan struct{})

	result := make(chan error, 1)
	go func() { result <- f.session.StartCall(context.Background()) }()

	require.Eventually(t, func() bool {
		return f.session.Role() == RoleOfferer
	}, waitFor, tick)

	f.session.Hangup(true)
	close(f.media.gate)

	require.NoError(t, <-result)
	require.Equal(t, StateIdle, f.session.State())
	require.Zero(t, f.peers.count())
	require.Empty(t, f.bus.messages())
	require.True(t, f.media.stream(0).stopped.Load())
}

// ---------------------------------------------------------------------------
// Candidate buffering
// ---------------------------------------------------------------------------

func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	require.NoError(t, f.session.StartCall(context.Background()))
	id := f.session.Snapshot().SessionID

	for _, c := range []string{"c1", "c2", "c3"} {
		f.session.Handle(candidateMsg(id, "bob", c))
	}
	require.Equal(t, 3, f.session.Snapshot().Buffered)
	require.Empty(t, f.peers.peer(0).applied())

	f.session.Handle(answerMsg(id, "bob"))

	snap := f.session.Snapshot()
	require.True(t, snap.RemoteDescriptionSet)
	require.Equal(t, PhaseStable, snap.Phase)
	require.Zero(t, snap.Buffered)
	require.Equal(t, []string{"c1", "c2", "c3"}, f.peers.peer(0).applied())

	f.session.Handle(candidateMsg(id, "bob", "c4"))
	require.Equal(t, []string{"c1", "c2", "c3", "c4"}, f.peers.peer(0).applied())
	require.Zero(t, f.peers.peer(0).earlyAdds())
}

func TestEarlyCandidatesAdoptedByOffer(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	f.session.Handle(candidateMsg("s1", "bob", "c1"))
	f.session.Handle(candidateMsg("s1", "bob", "c2"))
	require.Equal(t, StateIdle, f.session.State())

	f.session.Handle(offerMsg("s1", "bob"))

	p := f.peers.peer(0)
	require.Equal(t, []string{"c1", "c2"}, p.applied())
	require.Zero(t, p.earlyAdds())

	answers := f.bus.ofKind(protocol.KindAnswer)
	require.Len(t, answers, 1)
	require.Equal(t, "s1", answers[0].Session)
}

func TestEarlyCandidatesOfOtherCallDropped(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	f.session.Handle(candidateMsg("old", "bob", "stale"))
	f.session.Handle(offerMsg("s1", "bob"))

	require.Empty(t, f.peers.peer(0).applied())
}

func TestCandidateRejectionIsNotFatal(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.peers.prepare = func(p *fakePeer) { p.reject = map[string]bool{"bad": true} }
	require.NoError(t, f.session.StartCall(context.Background()))
	id := f.session.Snapshot().SessionID

	f.session.Handle(candidateMsg(id, "bob", "c1"))
	f.session.Handle(candidateMsg(id, "bob", "bad"))
	f.session.Handle(candidateMsg(id, "bob", "c2"))
	f.session.Handle(answerMsg(id, "bob"))
	f.session.Handle(candidateMsg(id, "bob", "bad"))
	f.session.Handle(candidateMsg(id, "bob", "c3"))

	require.Equal(t, []string{"c1", "c2", "c3"}, f.peers.peer(0).applied())
	require.Equal(t, StateConnecting, f.session.State())
	require.Empty(t, f.rec.errors())
	require.Empty(t, f.bus.ofKind(protocol.KindHangup))
}

// ---------------------------------------------------------------------------
// Answering
// ---------------------------------------------------------------------------

func TestIncomingOfferIsAnswered(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	f.session.Handle(offerMsg("s1", "bob"))

	snap := f.session.Snapshot()
	require.Equal(t, StateConnecting, snap.State)
	require.Equal(t, RoleAnswerer, snap.Role)
	require.Equal(t, PhaseStable, snap.Phase)
	require.Equal(t, "s1", snap.SessionID)
	require.True(t, snap.RemoteDescriptionSet)
	require.True(t, snap.LocalDescriptionSet)

	answers := f.bus.ofKind(protocol.KindAnswer)
	require.Len(t, answers, 1)
	require.Equal(t, "alice", answers[0].From)
	require.Equal(t, "answer from alice#0", answers[0].Answer.SDP)
}

func TestDuplicateOfferIgnored(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	f.session.Handle(offerMsg("s1", "bob"))
	f.session.Handle(offerMsg("s1", "bob"))

	require.Equal(t, 1, f.peers.count())
	require.Len(t, f.bus.ofKind(protocol.KindAnswer), 1)
}

func TestDuplicateOfferWithoutSessionIgnored(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	f.session.Handle(offerMsg("", ""))
	id := f.session.Snapshot().SessionID
	f.session.Handle(offerMsg("", ""))

	require.Equal(t, 1, f.peers.count())
	require.False(t, f.peers.peer(0).isClosed())
	require.Len(t, f.bus.ofKind(protocol.KindAnswer), 1)
	require.Equal(t, id, f.session.Snapshot().SessionID)

	// A different offer from the same peer is a new negotiation.
	f.session.Handle(protocol.NewOffer("", "", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "restarted offer"}))
	require.Equal(t, 2, f.peers.count())
	require.True(t, f.peers.peer(0).isClosed())
	require.Len(t, f.bus.ofKind(protocol.KindAnswer), 2)
}

func TestMismatchedMessagesIgnored(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	require.NotPanics(t, func() {
		f.session.HandleOffer(answerMsg("s1", "bob"))
		f.session.HandleAnswer(candidateMsg("s1", "bob", "c1"))
		f.session.HandleCandidate(offerMsg("s1", "bob"))
		f.session.HandleHangup(offerMsg("s1", "bob"))
		f.session.HandleOffer(nil)
		f.session.HandleOffer(&protocol.Message{Session: "s1"})
	})

	require.Equal(t, StateIdle, f.session.State())
	require.Zero(t, f.peers.count())
	require.Empty(t, f.bus.messages())
}

func TestOfferWithoutSessionID(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	f.session.Handle(candidateMsg("", "", "c1"))
	f.session.Handle(offerMsg("", ""))

	snap := f.session.Snapshot()
	require.Equal(t, RoleAnswerer, snap.Role)
	require.NotEmpty(t, snap.SessionID)
	require.Equal(t, []string{"c1"}, f.peers.peer(0).applied())
}

func TestRemoteDescriptionFailureIsFatal(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.peers.prepare = func(p *fakePeer) { p.failRemote = errors.New("bad sdp") }

	f.session.Handle(offerMsg("s1", "bob"))

	errs := f.rec.errors()
	require.Len(t, errs, 1)
	var rdErr *RemoteDescriptionError
	require.ErrorAs(t, errs[0], &rdErr)
	require.Equal(t, webrtc.SDPTypeOffer, rdErr.Type)

	require.Equal(t, StateIdle, f.session.State())
	require.True(t, f.peers.peer(0).isClosed())

	hangups := f.bus.ofKind(protocol.KindHangup)
	require.Len(t, hangups, 1)
	require.Equal(t, "s1", hangups[0].Session)
}

func TestAnswerMediaFailureHangsUp(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.media.err = errors.New("no camera")

	f.session.Handle(offerMsg("s1", "bob"))

	var mediaErr *MediaAcquisitionError
	require.Len(t, f.rec.errors(), 1)
	require.ErrorAs(t, f.rec.errors()[0], &mediaErr)
	require.Equal(t, StateIdle, f.session.State())
	require.Len(t, f.bus.ofKind(protocol.KindHangup), 1)
	require.Empty(t, f.bus.ofKind(protocol.KindAnswer))
}

func TestUnexpectedAnswerIgnored(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	f.session.Handle(answerMsg("s1", "bob"))
	require.Equal(t, StateIdle, f.session.State())
	require.Empty(t, f.rec.errors())

	require.NoError(t, f.session.StartCall(context.Background()))
	id := f.session.Snapshot().SessionID

	f.session.Handle(answerMsg("other", "bob"))
	require.False(t, f.session.Snapshot().RemoteDescriptionSet)

	f.session.Handle(answerMsg(id, "bob"))
	f.session.Handle(answerMsg(id, "bob"))
	require.True(t, f.session.Snapshot().RemoteDescriptionSet)
	require.Equal(t, StateConnecting, f.session.State())
	require.Empty(t, f.rec.errors())
}

func TestSelfEchoDropped(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	f.session.Handle(offerMsg("s1", "alice"))
	require.Equal(t, StateIdle, f.session.State())
	require.Zero(t, f.peers.count())
}

// ---------------------------------------------------------------------------
// Hangup
// ---------------------------------------------------------------------------

func TestHangupIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice", Config{})

	f.session.Hangup(true)
	require.Empty(t, f.bus.messages())

	require.NoError(t, f.session.StartCall(context.Background()))
	id := f.session.Snapshot().SessionID

	f.session.Hangup(true)
	f.session.Hangup(true)

	hangups := f.bus.ofKind(protocol.KindHangup)
	require.Len(t, hangups, 1)
	require.Equal(t, id, hangups[0].Session)

	snap := f.session.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Equal(t, RoleIdle, snap.Role)
	require.Empty(t, snap.SessionID)
	require.False(t, snap.HasHandle)
	require.True(t, f.peers.peer(0).isClosed())
}

func TestRemoteHangup(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.session.Handle(offerMsg("s1", "bob"))

	f.session.Handle(protocol.NewHangup("other", "bob"))
	require.Equal(t, StateConnecting, f.session.State())

	f.session.Handle(protocol.NewHangup("s1", "bob"))
	require.Equal(t, StateIdle, f.session.State())
	require.Empty(t, f.bus.ofKind(protocol.KindHangup))
}

func TestLocalStreamRetention(t *testing.T) {
	t.Run("kept by default", func(t *testing.T) {
		f := newFixture(t, "alice", Config{})

		require.NoError(t, f.session.StartCall(context.Background()))
		f.session.Hangup(true)
		require.True(t, f.session.Snapshot().HasLocalStream)
		require.False(t, f.media.stream(0).stopped.Load())

		require.NoError(t, f.session.StartCall(context.Background()))
		require.Equal(t, 1, f.media.acquired())
	})

	t.Run("stopped on hangup", func(t *testing.T) {
		f := newFixture(t, "alice", Config{StopTracksOnHangup: true})

		require.NoError(t, f.session.StartCall(context.Background()))
		f.session.Hangup(true)
		require.False(t, f.session.Snapshot().HasLocalStream)
		require.True(t, f.media.stream(0).stopped.Load())

		require.NoError(t, f.session.StartCall(context.Background()))
		require.Equal(t, 2, f.media.acquired())
	})
}

func TestCloseStopsCapture(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	require.NoError(t, f.session.StartCall(context.Background()))

	f.session.Close()

	require.Equal(t, StateClosed, f.session.State())
	require.True(t, f.media.stream(0).stopped.Load())
	require.ErrorIs(t, f.session.StartCall(context.Background()), ErrClosed)
	require.Len(t, f.bus.ofKind(protocol.KindHangup), 1)
}

// ---------------------------------------------------------------------------
// Transport state
// ---------------------------------------------------------------------------

func TestConnectedTransition(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.session.Handle(offerMsg("s1", "bob"))

	f.peers.peer(0).setState(webrtc.PeerConnectionStateConnected)

	require.Equal(t, StateConnected, f.session.State())
	require.Equal(t, []State{StateConnecting, StateConnected}, f.rec.history())
}

func TestTransportFailureHangsUp(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.session.Handle(offerMsg("s1", "bob"))
	p := f.peers.peer(0)
	p.setState(webrtc.PeerConnectionStateConnected)

	p.setState(webrtc.PeerConnectionStateFailed)

	require.Equal(t, StateIdle, f.session.State())
	var tsErr *TransportStateError
	require.Len(t, f.rec.errors(), 1)
	require.ErrorAs(t, f.rec.errors()[0], &tsErr)
	require.Equal(t, webrtc.PeerConnectionStateFailed, tsErr.State)
	require.Len(t, f.bus.ofKind(protocol.KindHangup), 1)
	require.True(t, p.isClosed())
}

func TestUnexpectedCloseHangsUpSilently(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.session.Handle(offerMsg("s1", "bob"))

	f.peers.peer(0).setState(webrtc.PeerConnectionStateClosed)

	require.Equal(t, StateIdle, f.session.State())
	require.Empty(t, f.bus.ofKind(protocol.KindHangup))
	require.Empty(t, f.rec.errors())
}

func TestDisconnectGrace(t *testing.T) {
	f := newFixture(t, "alice", Config{DisconnectGrace: 50 * time.Millisecond})
	f.session.Handle(offerMsg("s1", "bob"))
	p := f.peers.peer(0)
	p.setState(webrtc.PeerConnectionStateConnected)

	p.setState(webrtc.PeerConnectionStateDisconnected)
	p.setState(webrtc.PeerConnectionStateConnected)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StateConnected, f.session.State())

	p.setState(webrtc.PeerConnectionStateDisconnected)
	require.Equal(t, StateConnected, f.session.State())
	require.Eventually(t, func() bool {
		return f.session.State() == StateIdle
	}, waitFor, tick)
	require.Len(t, f.bus.ofKind(protocol.KindHangup), 1)
}

func TestStaleHandleEventsIgnored(t *testing.T) {
	f := newFixture(t, "alice", Config{})
	f.session.Handle(offerMsg("s1", "bob"))
	old := f.peers.peer(0)

	f.session.Handle(offerMsg("s2", "bob"))
	require.True(t, old.isClosed())
	require.Equal(t, "s2", f.session.Snapshot().SessionID)

	old.setState(webrtc.PeerConnectionStateFailed)
	require.Equal(t, StateConnecting, f.session.State())
	require.Empty(t, f.rec.errors())

	f.peers.peer(1).setState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, StateConnected, f.session.State())
}

func TestHangupWhileOfferIsPublished(t *testing.T) {
	var (
		mu      sync.Mutex
		sent    []*protocol.Message
		session *Session
	)
	bus := PublisherFunc(func(msg *protocol.Message) error {
		mu.Lock()
		sent = append(sent, msg)
		mu.Unlock()
		if msg.Kind() == protocol.KindOffer {
			session.Hangup(true)
		}
		return nil
	})
	session = NewSession(Config{SelfID: "alice"}, &fakeMedia{}, &fakeFactory{name: "alice"}, bus, nil, Observer{})
	t.Cleanup(session.Close)

	require.NoError(t, session.StartCall(context.Background()))
	require.Equal(t, StateIdle, session.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 2)
	require.Equal(t, protocol.KindOffer, sent[0].Kind())
	require.Equal(t, protocol.KindHangup, sent[1].Kind())
	require.Equal(t, sent[0].Session, sent[1].Session)
}
