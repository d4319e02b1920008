// Package signaling implements the client side of the relay protocol: a
// websocket that registers this client, delivers envelopes in arrival order
// and reconnects with backoff when the relay goes away.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/ensemble/internal/models"
)

// ErrNotConnected is returned by Send while no relay connection is up.
var ErrNotConnected = errors.New("signaling channel not connected")

const writeWait = 10 * time.Second

// Config holds the relay endpoint and reconnect policy.
type Config struct {
	URL            string
	Role           models.Role
	Token          string
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// Handlers are invoked from the channel's read goroutine, one at a time.
// Any may be nil.
type Handlers struct {
	OnMessage      func(models.SignalMessage)
	OnConnected    func()
	OnDisconnected func()
}

// Channel is a self-repairing websocket connection to the relay.
type Channel struct {
	cfg      Config
	handlers Handlers
	dialer   *websocket.Dialer

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	conn     *websocket.Conn
	clientID string

	writeMu sync.Mutex
}

// New creates an unconnected channel.
func New(cfg Config, h Handlers) *Channel {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	return &Channel{
		cfg:      cfg,
		handlers: h,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		done:     make(chan struct{}),
	}
}

// Connect dials the relay and registers as clientID. It reports whether the
// first attempt succeeded within the connect timeout; either way the
// channel keeps itself connected in the background until Close.
func (c *Channel) Connect(ctx context.Context, clientID string) bool {
	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()

	err := c.dial(ctx)
	if err != nil {
		log.Printf("Failed to connect to relay %s: %v", c.cfg.URL, err)
	}
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.loop()
	})
	return err == nil
}

// Connected reports whether a relay connection is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ClientID returns the id this channel registers as.
func (c *Channel) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Send writes one envelope to the relay.
func (c *Channel) Send(msg models.SignalMessage) error {
	c.mu.Lock()
	conn := c.conn
	if msg.Source == "" {
		msg.Source = c.clientID
	}
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Type, err)
	}
	return nil
}

// Close shuts the channel down and waits for its goroutine to exit.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.writeMu.Lock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}

func (c *Channel) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Channel) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	if c.cfg.Token != "" {
		q := target.Query()
		q.Set("token", c.cfg.Token)
		target.RawQuery = q.Encode()
	}

	conn, resp, err := c.dialer.DialContext(ctx, target.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		conn.Close()
		return errors.New("channel closed")
	}
	c.conn = conn
	clientID := c.clientID
	c.mu.Unlock()

	if err := c.Send(models.SignalMessage{
		Type:     models.SignalTypeRegister,
		ClientID: clientID,
		Role:     c.cfg.Role,
	}); err != nil {
		c.drop(conn)
		return err
	}
	log.Printf("Connected to relay %s as %s (%s)", c.cfg.URL, clientID, c.cfg.Role)
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}
	return nil
}

func (c *Channel) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// loop reads from the current connection and reconnects when it drops.
func (c *Channel) loop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			c.read(conn)
			c.drop(conn)
			if c.closing() {
				return
			}
			log.Printf("Disconnected from relay %s", c.cfg.URL)
			if c.handlers.OnDisconnected != nil {
				c.handlers.OnDisconnected()
			}
		}
		if !c.reconnect() {
			return
		}
	}
}

// reconnect retries dial with exponential backoff until it succeeds (true)
// or the channel is closed (false).
func (c *Channel) reconnect() bool {
	delay := c.cfg.ReconnectMin
	for {
		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			return false
		case <-timer.C:
		}

		err := c.dial(context.Background())
		if err == nil {
			return true
		}
		if c.closing() {
			return false
		}
		log.Printf("Reconnect to relay failed, retrying in %v: %v", delay, err)
		if delay *= 2; delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
}

func (c *Channel) read(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closing() {
				log.Printf("Relay read error: %v", err)
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse relay message: %v", err)
			continue
		}
		msg.Normalize()
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	}
}
