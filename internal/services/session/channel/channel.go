// Package channel is the client side of the hub's WebSocket fabric: one
// logical event channel per basket, with automatic reconnection.
//
// Events are delivered on a single goroutine via Events(), so consumers
// never see two events concurrently. On every successful (re)connect the
// channel announces identity exactly once and re-subscribes to the
// last-known basket; the hello-sent flag resets only when the connection
// drops, never on redundant subscribe calls.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ordertech/lanesync/internal/platform/timeouts"
	"github.com/ordertech/lanesync/internal/protocol"
	"golang.org/x/net/websocket"
)

// Config wires a Channel.
type Config struct {
	// URL is the hub WebSocket endpoint (ws://host/ws).
	URL string
	// Origin is sent during the handshake; defaults from URL.
	Origin string

	// Identity announced in hello after each connect.
	Role     string
	Name     string
	DeviceID string
	// Token is read at dial time, sent with the upgrade request and the
	// hello, so refreshed credentials take effect on the next reconnect.
	// Optional.
	Token func() string

	// OnConnChange observes connectivity transitions. Optional.
	OnConnChange func(connected bool)
}

// Channel maintains the hub connection.
type Channel struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	basketID  string
	connected bool
	helloSent bool
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}

	events chan protocol.Event
}

// New creates a disconnected channel.
func New(cfg Config) (*Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("channel url is required")
	}
	if cfg.Origin == "" {
		cfg.Origin = strings.Replace(cfg.URL, "ws", "http", 1)
	}
	return &Channel{
		cfg:    cfg,
		events: make(chan protocol.Event, 64),
	}, nil
}

// Events delivers inbound events in order, one goroutine's worth.
func (c *Channel) Events() <-chan protocol.Event {
	return c.events
}

// IsConnected reports current connectivity.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect starts the connection loop. It returns immediately; the loop
// dials, redials with jittered exponential backoff, and stops when
// Disconnect is called or ctx ends. A channel connects at most once; the
// loop owns every redial after that.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("channel already connected")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
	return nil
}

// Disconnect stops the loop and closes the connection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Subscribe joins a basket. The subscription survives reconnects: every
// fresh connection re-subscribes to the most recent basket.
func (c *Channel) Subscribe(basketID string) error {
	basketID = strings.TrimSpace(basketID)
	if basketID == "" {
		return fmt.Errorf("basket id is required")
	}

	c.mu.Lock()
	c.basketID = basketID
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return writeEvent(conn, protocol.Event{
		Type:     protocol.TypeSubscribe,
		BasketID: basketID,
	})
}

// Send writes one event to the hub.
func (c *Channel) Send(ev protocol.Event) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return fmt.Errorf("channel is not connected")
	}
	return writeEvent(conn, ev)
}

func writeEvent(conn *websocket.Conn, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.events)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = timeouts.ReconnectBase
	retry.MaxInterval = timeouts.ReconnectCap
	retry.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial()
		if err != nil {
			wait := retry.NextBackOff()
			log.Printf("channel dial %s failed, retrying in %s: %v", c.cfg.URL, wait, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		retry.Reset()
		c.onConnect(conn)
		c.readLoop(ctx, conn)
		c.onDisconnect(conn)

		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.NextBackOff()):
		}
	}
}

// dial opens the WebSocket, presenting the device token with the upgrade
// request when one is held.
func (c *Channel) dial() (*websocket.Conn, error) {
	config, err := websocket.NewConfig(c.cfg.URL, c.cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("configure dial: %w", err)
	}
	if c.cfg.Token != nil {
		if token := strings.TrimSpace(c.cfg.Token()); token != "" {
			config.Header = http.Header{"Authorization": {"Bearer " + token}}
		}
	}
	return websocket.DialConfig(config)
}

// onConnect marks the connection live, announces identity once, and
// restores the basket subscription.
func (c *Channel) onConnect(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	basketID := c.basketID
	sendHello := !c.helloSent
	if sendHello {
		c.helloSent = true
	}
	notify := c.cfg.OnConnChange
	c.mu.Unlock()

	if basketID != "" {
		if err := writeEvent(conn, protocol.Event{
			Type:     protocol.TypeSubscribe,
			BasketID: basketID,
		}); err != nil {
			log.Printf("resubscribe %s: %v", basketID, err)
		}
	}
	if sendHello {
		hello := protocol.Event{
			Type:     protocol.TypeHello,
			BasketID: basketID,
			Role:     c.cfg.Role,
			Name:     c.cfg.Name,
			DeviceID: c.cfg.DeviceID,
		}
		if c.cfg.Token != nil {
			hello.Token = c.cfg.Token()
		}
		if err := writeEvent(conn, hello); err != nil {
			log.Printf("send hello: %v", err)
		}
	}
	if notify != nil {
		notify(true)
	}
}

func (c *Channel) onDisconnect(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connected = false
	c.helloSent = false
	notify := c.cfg.OnConnChange
	c.mu.Unlock()

	if notify != nil {
		notify(false)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	decoder := json.NewDecoder(conn)
	for {
		var ev protocol.Event
		if err := decoder.Decode(&ev); err != nil {
			if ctx.Err() == nil {
				log.Printf("channel read: %v", err)
			}
			return
		}
		if strings.TrimSpace(ev.Type) == "" {
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
