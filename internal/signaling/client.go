// Package signaling is the peer side of the message bus: a WebSocket client
// that joins a relay room, delivers inbound signaling messages and publishes
// outbound ones. The connection is re-established with backoff; a call in
// progress is unaffected by reconnects.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/protocol"
	"github.com/1ureka/duocall/internal/util"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	defaultOutbox      = 128
	defaultRetries     = 10
	defaultInitialWait = time.Second
	defaultMaxWait     = 5 * time.Second
)

// ErrUnauthorized is returned when the relay rejects the PIN.
var ErrUnauthorized = errors.New("relay rejected PIN")

// Config describes the relay endpoint and reconnect policy. Zero values fall
// back to the defaults.
type Config struct {
	URL    string // ws(s):// or http(s):// base, e.g. wss://example.com
	Room   string
	PIN    string
	SelfID string

	OutboxSize  int
	MaxRetries  uint64
	InitialWait time.Duration
	MaxWait     time.Duration
}

// Handlers receive inbound traffic and connection lifecycle events. All are
// optional and run on the client's read goroutine.
type Handlers struct {
	OnMessage         func(*protocol.Message)
	OnPeerCount       func(count int)
	OnPeerLeft        func(peer string)
	OnConnect         func()
	OnDisconnect      func(err error)
	OnReconnectFailed func(err error)
}

// Client is a reconnecting relay connection.
type Client struct {
	cfg      Config
	handlers Handlers
	dialer   *websocket.Dialer
	out      *outbox
	log      util.Scoped
}

// NewClient creates a client; nothing is dialed until Run.
func NewClient(cfg Config, handlers Handlers) *Client {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutbox
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultRetries
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = defaultInitialWait
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		dialer:   websocket.DefaultDialer,
		out:      newOutbox(cfg.OutboxSize),
		log:      util.Scoped("bus"),
	}
}

// Publish sends msg to the room, or queues it while disconnected. It never
// blocks on the network for longer than the write deadline.
func (c *Client) Publish(msg *protocol.Message) error {
	return c.out.publish(msg)
}

// Connected reports whether the client currently holds a relay connection.
func (c *Client) Connected() bool {
	return c.out.connected()
}

// Run connects and serves the relay connection until ctx is cancelled or
// reconnection gives up, in which case the last dial error is returned.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := BuildURL(c.cfg.URL, c.cfg.Room, c.cfg.PIN, c.cfg.SelfID)
	if err != nil {
		return err
	}

	for {
		conn, err := c.connect(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.handlers.OnReconnectFailed != nil {
				c.handlers.OnReconnectFailed(err)
			}
			return err
		}

		c.log.Info("connected to room %q", c.cfg.Room)
		if err := c.out.attach(conn); err != nil {
			c.log.Warn("flushing queued messages: %v", err)
		}
		if c.handlers.OnConnect != nil {
			c.handlers.OnConnect()
		}

		r := &receiver{conn: conn, handlers: c.handlers, log: c.log}
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = r.watch()
		stop()

		c.out.detach(conn)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("disconnected: %v", err)
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}
	}
}

// connect dials with exponential backoff.
func (c *Client) connect(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialWait
	policy.MaxInterval = c.cfg.MaxWait
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	dial := func() error {
		var err error
		conn, err = c.dial(ctx, endpoint)
		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("connect failed: %v (retrying in %s)", err, wait.Round(time.Millisecond))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxRetries), ctx)
	if err := backoff.RetryNotify(dial, b, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return conn, nil
}

// BuildURL turns a relay base URL into the room endpoint. http(s) schemes
// are mapped to ws(s); a missing path defaults to /ws.
func BuildURL(base, room, pin, id string) (string, error) {
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid relay URL %q: missing host", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	q := u.Query()
	if room != "" {
		q.Set("room", room)
	}
	if pin != "" {
		q.Set("pin", pin)
	}
	if id != "" {
		q.Set("id", id)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
