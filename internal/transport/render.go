package transport

import (
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/util"
)

// rtpReader is the part of a remote track the meter reads from.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Meter stands in for a video element: it drains remote tracks and counts
// the payload bytes it receives. ClearRemote detaches the current readers;
// they stop counting and exit on their next packet.
type Meter struct {
	received atomic.Int64

	mu     sync.Mutex
	gen    uint64
	active map[rtpReader]struct{}
	local  int
}

var _ call.Renderer = (*Meter)(nil)

func (m *Meter) RenderLocal(stream call.LocalStream) {
	m.mu.Lock()
	m.local = len(stream.Tracks())
	m.mu.Unlock()
	util.LogDebug("local preview: %d tracks", len(stream.Tracks()))
}

// RenderRemote reads track until it ends or the call is cleared.
func (m *Meter) RenderRemote(track *webrtc.TrackRemote) {
	util.LogInfo("receiving %s (%s)", track.Kind(), track.Codec().MimeType)
	m.consume(track)
}

func (m *Meter) consume(r rtpReader) {
	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[rtpReader]struct{})
	}
	m.active[r] = struct{}{}
	gen := m.gen
	m.mu.Unlock()

	go func() {
		defer m.forget(gen, r)
		for {
			pkt, _, err := r.ReadRTP()
			if err != nil || !m.current(gen) {
				return
			}
			n := len(pkt.Payload)
			m.received.Add(int64(n))
			util.Stats.AddMediaIn(n)
		}
	}()
}

func (m *Meter) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Meter) forget(gen uint64, r rtpReader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		delete(m.active, r)
	}
}

// ClearLocal drops the local preview.
func (m *Meter) ClearLocal() {
	m.mu.Lock()
	m.local = 0
	m.mu.Unlock()
}

// ClearRemote detaches every remote track of the ended call.
func (m *Meter) ClearRemote() {
	m.mu.Lock()
	m.gen++
	m.active = nil
	m.mu.Unlock()
}

// Received returns the total payload bytes received.
func (m *Meter) Received() int64 { return m.received.Load() }

// Active returns the number of remote tracks being read.
func (m *Meter) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Previewing returns the number of local tracks on preview.
func (m *Meter) Previewing() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}
