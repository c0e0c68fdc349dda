// Package transport is the websocket client for the engine's /ws stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/biome/internal/clock"
	"github.com/g960059/biome/internal/model"
)

const (
	writeWait    = 5 * time.Second
	maxFrameSize = 32 << 20
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrSuperseded   = errors.New("connection superseded")
	// ErrDialFailed failures are also reported as an error state event.
	ErrDialFailed = errors.New("dial failed")
)

type EventKind string

const (
	EventState  EventKind = "state"
	EventFrame  EventKind = "frame"
	EventStatus EventKind = "status"
	EventError  EventKind = "error"
)

type Event struct {
	Kind    EventKind
	State   model.ConnectionState
	Frame   model.Frame
	Status  model.StatusCode
	Message string
}

// Sink receives events in order. It is called with the client's lock held
// and must not call back into the Client.
type Sink func(Event)

type Client struct {
	dialer *websocket.Dialer
	sink   Sink
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	gen   uint64
	state model.ConnectionState

	writeMu sync.Mutex
}

func New(sink Sink, handshakeTimeout time.Duration, logger *slog.Logger, clk clock.Clock) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = func(Event) {}
	}
	return &Client{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		sink:   sink,
		clock:  clk,
		logger: logger.With("component", "transport"),
		state:  model.ConnIdle,
	}
}

func (c *Client) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SocketReady reports whether messages can be written.
func (c *Client) SocketReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.state == model.ConnConnected
}

// Connect replaces any current connection with a new one to endpoint. A
// Connect or Disconnect issued while dialing supersedes it.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.gen++
	gen := c.gen
	c.setStateLocked(model.ConnConnecting, "")
	c.mu.Unlock()
	if old != nil {
		closeConn(old)
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		if conn != nil {
			conn.Close() //nolint:errcheck
		}
		return ErrSuperseded
	}
	if err != nil {
		msg := dialMessage(endpoint, resp, err)
		c.setStateLocked(model.ConnError, msg)
		return fmt.Errorf("%s: %w: %s", model.ErrTransportUnavailable, ErrDialFailed, msg)
	}
	conn.SetReadLimit(maxFrameSize)
	c.conn = conn
	c.setStateLocked(model.ConnConnected, "")
	c.logger.Info("connected", "endpoint", endpoint)
	go c.readLoop(gen, conn)
	return nil
}

// Disconnect closes the connection on purpose. The resulting state is
// disconnected, never error.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.state != model.ConnIdle {
		c.setStateLocked(model.ConnDisconnected, "")
	}
	c.mu.Unlock()
	if conn != nil {
		closeConn(conn)
	}
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.readFailed(gen, conn, err)
			return
		}
		ev, ok, err := decodeInbound(raw)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		if !ok {
			continue
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.sink(ev)
		c.mu.Unlock()
	}
}

func (c *Client) readFailed(gen uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	conn.Close() //nolint:errcheck
	c.conn = nil
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("engine closed the connection")
		c.setStateLocked(model.ConnDisconnected, "")
		return
	}
	c.logger.Warn("connection lost", "error", err)
	c.setStateLocked(model.ConnError, err.Error())
}

// setStateLocked records and emits a state change. msg accompanies error
// states.
func (c *Client) setStateLocked(state model.ConnectionState, msg string) {
	if c.state == state && msg == "" {
		return
	}
	c.state = state
	c.sink(Event{Kind: EventState, State: state, Message: msg})
}

func (c *Client) send(msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (c *Client) SendControl(buttons []string, dx, dy float64) error {
	if buttons == nil {
		buttons = []string{}
	}
	return c.send(controlMessage{
		Type:    msgControl,
		Buttons: buttons,
		MouseDX: dx,
		MouseDY: dy,
		TS:      float64(c.clock.Now().UnixMilli()),
	})
}

func (c *Client) SendPause(paused bool) error {
	if paused {
		return c.send(typedMessage{Type: msgPause})
	}
	return c.send(typedMessage{Type: msgResume})
}

// SendModel asks the engine to load id, optionally starting from seed.
func (c *Client) SendModel(id, seed string) error {
	return c.send(setModelMessage{Type: msgSetModel, Model: id, Seed: seed})
}

func (c *Client) SendReset() error {
	return c.send(typedMessage{Type: msgReset})
}

func (c *Client) SendInitialSeed(filename string) error {
	return c.send(filenameMessage{Type: msgInitialSeed, Filename: filename})
}

func (c *Client) SendPrompt(prompt string) error {
	return c.send(promptMessage{Type: msgPrompt, Prompt: prompt})
}

func (c *Client) SendPromptWithSeed(filename string) error {
	return c.send(filenameMessage{Type: msgPromptWithSeed, Filename: filename})
}

func closeConn(conn *websocket.Conn) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close() //nolint:errcheck
}

func dialMessage(endpoint string, resp *http.Response, err error) string {
	if resp != nil {
		return fmt.Sprintf("connect %s: handshake failed with http %d", endpoint, resp.StatusCode)
	}
	return fmt.Sprintf("connect %s: %v", endpoint, err)
}
