package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/edudashpro/presence/backend-go/internal/presence"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 4 * 1024
)

// Client is one device connection. It owns a presence tracker fed by the
// device's lifecycle and activity messages.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	tracker *presence.Tracker
	feed    *presence.LifecycleFeed
	logger  *slog.Logger
	UserID  string
	ConnID  string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, connID string, writer presence.Writer, opts ...presence.TrackerOption) *Client {
	c := &Client{
		hub:    hub,
		conn:   conn,
		feed:   presence.NewLifecycleFeed(),
		logger: hub.logger.With("user", userID, "conn", connID),
		UserID: userID,
		ConnID: connID,
		send:   make(chan []byte, 256),
	}

	opts = append([]presence.TrackerOption{
		presence.WithReloader(hub.cache),
		presence.WithClock(hub.clock),
		presence.WithLogger(hub.logger.With("conn", connID)),
	}, opts...)
	opts = append(opts, presence.WithStatusHook(c.sendSelf))
	c.tracker = presence.NewTracker(userID, writer, c.feed, opts...)
	return c
}

// Serve registers the client and runs its tracker and pumps until the device
// disconnects or ctx is cancelled. The device has been written offline by the
// time Serve returns.
func (c *Client) Serve(ctx context.Context) {
	c.hub.sessions.Add(1)
	defer c.hub.sessions.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if msg, err := newMessage(TypeWelcome, WelcomePayload{UserID: c.UserID, ConnID: c.ConnID}); err == nil {
		c.Send(msg)
	}
	c.hub.Register(c)

	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		c.tracker.Run(ctx)
	}()
	go c.WritePump(ctx)

	c.ReadPump(ctx)

	cancel()
	<-trackerDone
	c.hub.Unregister(c)
}

func (c *Client) ReadPump(ctx context.Context) {
	defer c.conn.Close(websocket.StatusNormalClosure, "")

	c.conn.SetReadLimit(maxMsgSize)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return
			}
			c.logger.Debug("read error", "error", err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid message", "error", err)
			c.sendError("invalid message")
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case TypeAppState:
		var p AppStatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.sendError("invalid app.state payload")
			return
		}
		state, err := presence.ParseAppState(p.State)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.feed.Publish(state)
	case TypeActivity:
		c.tracker.RecordActivity()
	default:
		c.logger.Warn("unknown message type", "type", msg.Type)
		c.sendError("unknown message type " + msg.Type)
	}
}

func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.logger.Debug("write error", "error", err)
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// Send queues msg for the device. Messages to a closed or backed-up client
// are dropped.
func (c *Client) Send(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal message", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendSelf(s presence.Status) {
	if msg, err := newMessage(TypePresenceSelf, PresenceSelfPayload{Status: s}); err == nil {
		c.Send(msg)
	}
}

func (c *Client) sendError(text string) {
	if msg, err := newMessage(TypeError, ErrorPayload{Message: text}); err == nil {
		c.Send(msg)
	}
}
