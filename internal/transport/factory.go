// Package transport provides the pion-backed capabilities a call session
// runs on: peer connection handles, local media and remote media metering.
package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/call"
)

// DefaultSTUNServers are used when no ICE servers are configured. There is
// no TURN default; calls rely on direct connectivity.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// FactoryConfig configures how peer connections are built.
type FactoryConfig struct {
	// ICEServers is passed to every peer connection. Nil means the default
	// STUN servers; an empty non-nil slice means host candidates only.
	ICEServers []webrtc.ICEServer

	// Net replaces the OS network stack, for tests on a virtual network.
	Net *vnet.Net
}

// Factory creates peer connections sharing one pion API (codecs,
// interceptors, settings).
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ call.PeerFactory = (*Factory)(nil)

// NewFactory builds the pion API: default codecs, default interceptors
// (NACK, RTCP reports, TWCC) and pion logging routed to the app logger.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	servers := cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{{URLs: DefaultSTUNServers}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: servers},
	}, nil
}

// NewPeer creates a peer connection with events already attached.
func (f *Factory) NewPeer(events call.PeerEvents) (call.PeerHandle, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return newPeer(pc, events), nil
}
