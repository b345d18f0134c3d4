// Package realtime maintains the persistent push connection that
// propagates changes made by other devices on the same account.
//
// One long-lived WebSocket per session, established with the current
// access token. Ordinary network closes reconnect indefinitely with a
// bounded, linearly increasing delay; repeated authorization closes stop
// the channel and surface a credentials-stale condition instead of
// spinning forever.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pulseplan/syncengine/internal/entity"
)

// MessageType identifies a realtime frame.
type MessageType string

const (
	// MessageItemChanged carries the remote representation of a changed
	// entity.
	MessageItemChanged MessageType = "ITEM_CHANGED"

	// MessageSyncRequired asks the client to run an out-of-band sync
	// cycle. Carries no payload.
	MessageSyncRequired MessageType = "SYNC_REQUIRED"

	// MessagePing is a liveness probe; answered with a MessagePong.
	MessagePing MessageType = "PING"

	// MessagePong answers a ping. No business effect.
	MessagePong MessageType = "PONG"
)

// Message is one JSON frame on the channel.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusAuthFailure is the application close code the server uses when it
// rejects the connection's credentials.
const StatusAuthFailure websocket.StatusCode = 4401

// Applier is the subset of the local store the channel writes through.
type Applier interface {
	ApplyInboundContext(ctx context.Context, e entity.Entity) (bool, error)
}

// Config holds channel configuration.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://api.example.com/v1/ws".
	URL string

	// Token supplies the current access token at dial time, so rotated
	// tokens are picked up on reconnect.
	Token func() string

	// MaxAuthFailures is how many consecutive authorization closes are
	// tolerated before the channel gives up (default: 3).
	MaxAuthFailures int

	// ReconnectStep is the linear delay increment between reconnect
	// attempts (default: 2s).
	ReconnectStep time.Duration

	// MaxReconnectDelay bounds the reconnect delay (default: 60s).
	MaxReconnectDelay time.Duration

	// OnSyncRequired is invoked for SYNC_REQUIRED frames; it should wake
	// the sync worker.
	OnSyncRequired func()

	// OnEntityChanged is invoked after an inbound snapshot was applied.
	OnEntityChanged func(entityType, entityID string)

	// OnCredentialsStale is invoked once when the channel stops after
	// repeated authorization failures.
	OnCredentialsStale func()

	// Logger for channel activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAuthFailures:   3,
		ReconnectStep:     2 * time.Second,
		MaxReconnectDelay: 60 * time.Second,
		Logger:            log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// Channel is the reconnecting realtime connection.
type Channel struct {
	cfg     *Config
	applier Applier

	mu           sync.Mutex
	authFailures int
	attempt      int
	stale        bool
	connected    bool
}

// New creates a channel. The applier must be non-nil.
func New(applier Applier, cfg *Config) (*Channel, error) {
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket URL cannot be empty")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = 3
	}
	if cfg.ReconnectStep <= 0 {
		cfg.ReconnectStep = 2 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}

	return &Channel{
		cfg:     cfg,
		applier: applier,
	}, nil
}

// CredentialsStale reports whether the channel gave up after repeated
// authorization failures.
func (c *Channel) CredentialsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Connected reports whether a live connection is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run maintains the connection until ctx is cancelled or the credentials
// go stale. A nil return with CredentialsStale() true means the
// application must re-authenticate and call Run again.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.connectAndReceive(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.isAuthClose(err) {
			c.mu.Lock()
			c.authFailures++
			failures := c.authFailures
			c.mu.Unlock()

			c.cfg.Logger.Printf("Authorization failure %d/%d", failures, c.cfg.MaxAuthFailures)
			if failures >= c.cfg.MaxAuthFailures {
				c.mu.Lock()
				c.stale = true
				c.mu.Unlock()
				if c.cfg.OnCredentialsStale != nil {
					c.cfg.OnCredentialsStale()
				}
				return nil
			}
		}

		c.mu.Lock()
		c.attempt++
		delay := time.Duration(c.attempt) * c.cfg.ReconnectStep
		c.mu.Unlock()
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
		c.cfg.Logger.Printf("Connection lost (%v), reconnecting in %s", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAndReceive dials once and pumps messages until the connection
// drops. Returns the terminal read/dial error.
func (c *Channel) connectAndReceive(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.dialURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.setConnected(true)
	defer c.setConnected(false)
	c.cfg.Logger.Printf("Connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		// A successful read proves the credentials were accepted; the
		// reconnect ramp restarts from the shortest delay.
		c.mu.Lock()
		c.authFailures = 0
		c.attempt = 0
		c.mu.Unlock()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.cfg.Logger.Printf("Dropping malformed frame: %v", err)
			continue
		}

		c.handleMessage(ctx, conn, msg)
	}
}

// handleMessage routes one frame.
func (c *Channel) handleMessage(ctx context.Context, conn *websocket.Conn, msg Message) {
	switch msg.Type {
	case MessageItemChanged:
		var e entity.Entity
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			c.cfg.Logger.Printf("Dropping malformed ITEM_CHANGED payload: %v", err)
			return
		}
		applied, err := c.applier.ApplyInboundContext(ctx, e)
		if err != nil {
			c.cfg.Logger.Printf("Failed to apply inbound %s/%s: %v", e.Type, e.ID, err)
			return
		}
		if applied && c.cfg.OnEntityChanged != nil {
			c.cfg.OnEntityChanged(e.Type, e.ID)
		}

	case MessageSyncRequired:
		c.cfg.Logger.Printf("Server requested sync")
		if c.cfg.OnSyncRequired != nil {
			c.cfg.OnSyncRequired()
		}

	case MessagePing:
		pong, _ := json.Marshal(Message{Type: MessagePong})
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := conn.Write(writeCtx, websocket.MessageText, pong); err != nil {
			c.cfg.Logger.Printf("Failed to answer ping: %v", err)
		}
		cancel()

	case MessagePong:
		// Liveness only.

	default:
		c.cfg.Logger.Printf("Ignoring unknown frame type %q", msg.Type)
	}
}

// isAuthClose reports whether the connection terminated with an
// authorization-specific close code.
func (c *Channel) isAuthClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case StatusAuthFailure, websocket.StatusPolicyViolation:
		return true
	}
	return false
}

// dialURL appends the current access token as query auth.
func (c *Channel) dialURL() string {
	token := c.cfg.Token()
	if token == "" {
		return c.cfg.URL
	}
	sep := "?"
	if u, err := url.Parse(c.cfg.URL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return c.cfg.URL + sep + "token=" + url.QueryEscape(token)
}

func (c *Channel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
