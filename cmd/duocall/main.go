// Duocall CLI entry point.
//
// This tool runs either side of a two-party WebRTC call: the relay that
// carries signaling messages between the participants of a room, or a
// participant that joins a room and places or answers a call. Media flows
// peer to peer; the relay only sees signaling.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -url, -room, -pin, ...) and an optional -config YAML file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/time/rate"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/relay"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
	"github.com/1ureka/duocall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	mode := flag.String("mode", "", "Mode: relay, call or answer")
	listen := flag.String("listen", "", "Relay listen address (relay only), e.g. :8080")
	relayURL := flag.String("url", "", "Relay URL to connect to (call/answer)")
	room := flag.String("room", "", "Room name shared by both participants")
	pin := flag.String("pin", "", "Relay PIN")
	id := flag.String("id", "", "Participant id (random when empty)")
	audio := flag.String("audio", "", "Ogg/Opus file to send (synthetic silence when empty)")
	video := flag.String("video", "", "IVF/VP8 file to send (synthetic frames when empty)")
	ice := flag.String("ice", "", "Comma separated STUN/TURN URLs")
	stopTracks := flag.Bool("stop-tracks", false, "Stop local media on hangup")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags override file and environment, but only when given.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = config.Mode(*mode)
		case "listen":
			cfg.Relay.Listen = *listen
		case "url":
			cfg.Bus.URL = *relayURL
		case "room":
			cfg.Bus.Room = *room
		case "pin":
			cfg.Bus.PIN = *pin
			cfg.Relay.PIN = *pin
		case "id":
			cfg.Call.ID = *id
		case "audio":
			cfg.Call.AudioFile = *audio
		case "video":
			cfg.Call.VideoFile = *video
		case "ice":
			cfg.Call.ICEServers = []config.ICEServer{{URLs: config.SplitList(*ice)}}
		case "stop-tracks":
			cfg.Call.StopTracksOnHangup = *stopTracks
		case "debug":
			cfg.Debug = *debugMode
		}
	})

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Duocall — v%s", version))
	pterm.Println()

	if cfg.Mode == "" {
		// No -mode flag → interactive mode.
		askInteractive(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	switch cfg.Mode {
	case config.ModeRelay:
		runRelay(ctx, cfg)
	default:
		runPeer(ctx, cfg)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runRelay serves the message bus until Ctrl+C.
func runRelay(ctx context.Context, cfg config.Config) {
	srv := relay.NewServer(relay.Config{
		Addr:     cfg.Relay.Listen,
		PIN:      cfg.Relay.PIN,
		MaxPeers: cfg.Relay.MaxPeers,
		Rate:     rate.Limit(cfg.Relay.Rate),
		Burst:    cfg.Relay.Burst,
	})

	addr, err := srv.Start()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║          Duocall Signaling Relay         ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Address : %-29s ║\n", addr.String())
	fmt.Printf("║  Rooms   : %-29s ║\n", fmt.Sprintf("%d peers each", cfg.Relay.MaxPeers))
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Println("║  WebSocket : /ws?room=<name>&pin=<pin>   ║")
	fmt.Println("║  Metrics   : /metrics                    ║")
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("relay shutdown: %v", err)
	}
	util.LogInfo("relay stopped")
}

// runPeer joins the room and runs one call session until Ctrl+C. In call mode
// a call is placed whenever the other participant is present and we are idle.
func runPeer(ctx context.Context, cfg config.Config) {
	selfID := cfg.Call.ID
	if selfID == "" {
		selfID = util.NewID()
	}

	factory, err := transport.NewFactory(transport.FactoryConfig{ICEServers: cfg.WebRTCICEServers()})
	if err != nil {
		util.LogError("failed to set up WebRTC: %v", err)
		os.Exit(1)
	}
	media := transport.NewMediaSource(transport.MediaConfig{
		AudioFile: cfg.Call.AudioFile,
		VideoFile: cfg.Call.VideoFile,
	})

	// The bus outlives the session so a final hangup can still be sent.
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()

	var session *call.Session
	placeCall := func() {
		go func() {
			err := session.StartCall(ctx)
			if err != nil && !errors.Is(err, call.ErrAlreadyInCall) && !errors.Is(err, call.ErrClosed) {
				util.LogError("failed to start call: %v", err)
			}
		}()
	}

	bus := signaling.NewClient(signaling.Config{
		URL:    cfg.Bus.URL,
		Room:   cfg.Bus.Room,
		PIN:    cfg.Bus.PIN,
		SelfID: selfID,
	}, signaling.Handlers{
		OnMessage: func(msg *protocol.Message) { session.Handle(msg) },
		OnPeerCount: func(n int) {
			util.LogInfo("participants in room: %d", n)
			if n >= 2 && cfg.Mode == config.ModeCall && session.State() == call.StateIdle {
				placeCall()
			}
		},
		OnPeerLeft: func(peer string) {
			util.LogInfo("participant %s left the room", util.ShortID(peer))
		},
		OnDisconnect: func(err error) {
			util.LogWarning("lost relay connection, reconnecting (call is kept)")
		},
		OnReconnectFailed: func(err error) {
			util.LogError("giving up on relay: %v", err)
		},
	})

	meter := &transport.Meter{}
	session = call.NewSession(call.Config{
		SelfID:             selfID,
		StopTracksOnHangup: cfg.Call.StopTracksOnHangup,
		DisconnectGrace:    cfg.Call.DisconnectGrace,
	}, media, factory, bus, meter, call.Observer{
		OnStateChange: func(st call.State) {
			switch st {
			case call.StateConnected:
				util.LogSuccess("call connected, media flows peer to peer")
			case call.StateIdle:
				util.LogInfo("call ended (received %s of media)", formatBytes(meter.Received()))
			default:
				util.LogInfo("call %s", st)
			}
		},
		OnError: func(err error) {
			util.LogError("call error: %v", err)
		},
	})

	util.LogInfo("joining room %q as %s", cfg.Bus.Room, util.ShortID(selfID))
	util.StartStatsReporter(ctx)

	busDone := make(chan error, 1)
	go func() { busDone <- bus.Run(busCtx) }()

	select {
	case <-ctx.Done():
	case err := <-busDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			session.Close()
			util.LogError("relay unavailable: %v", err)
			os.Exit(1)
		}
	}

	session.Close()
	stopBus()
	<-busDone
	util.LogInfo("left room %q", cfg.Bus.Room)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askInteractive fills cfg from prompts when no -mode flag is provided.
func askInteractive(cfg *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Call   — Join a room and call the other participant",
			"Answer — Join a room and wait for a call",
			"Relay  — Run the signaling relay",
		}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Relay"):
		cfg.Mode = config.ModeRelay
	case strings.HasPrefix(choice, "Answer"):
		cfg.Mode = config.ModeAnswer
	default:
		cfg.Mode = config.ModeCall
	}

	if cfg.Mode == config.ModeRelay {
		return
	}
	cfg.Bus.URL = askURL(cfg.Bus.URL)
	cfg.Bus.Room = askText("Room name", cfg.Bus.Room)
}

// normalizeURL validates a relay URL and reduces it to scheme and host.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), nil
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL(def string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://***.asse.devtunnels.ms)").
			WithDefaultValue(def).
			Show()

		relayURL, err := normalizeURL(raw)
		if err == nil {
			pterm.Println()
			return relayURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askText prompts for a non-empty value.
func askText(prompt, def string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			WithDefaultValue(def).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("value must not be empty")
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
