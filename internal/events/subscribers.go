package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meeting-transcript-service/internal/models"
)

// ErrSubscriberClosed is returned by Deliver after Close.
var ErrSubscriberClosed = errors.New("subscriber closed")

// ChannelSubscriber exposes events as a Go channel for in-process consumers.
// The channel is closed when the subscription ends.
type ChannelSubscriber struct {
	ch   chan models.Event
	once sync.Once
}

// NewChannelSubscriber creates a subscriber with the given channel buffer.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSubscriber{ch: make(chan models.Event, buffer)}
}

// Events returns the receive side of the stream.
func (c *ChannelSubscriber) Events() <-chan models.Event {
	return c.ch
}

// Deliver waits for the consumer to accept evt or for ctx to expire.
func (c *ChannelSubscriber) Deliver(ctx context.Context, evt models.Event) error {
	select {
	case c.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the event channel. The broadcaster calls it once delivery has stopped.
func (c *ChannelSubscriber) Close() error {
	c.once.Do(func() { close(c.ch) })
	return nil
}

// SessionFilter forwards only the events of one session.
type SessionFilter struct {
	SessionID string
	Next      Subscriber
}

// Deliver implements Subscriber.
func (f SessionFilter) Deliver(ctx context.Context, evt models.Event) error {
	if f.SessionID != "" && evt.SessionID != f.SessionID {
		return nil
	}
	return f.Next.Deliver(ctx, evt)
}

// Close closes the wrapped subscriber when it supports closing.
func (f SessionFilter) Close() error {
	if c, ok := f.Next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// DefaultWriteWait bounds a single websocket write.
const DefaultWriteWait = 10 * time.Second

// WebSocketSubscriber writes events as JSON text frames.
type WebSocketSubscriber struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
	closed    bool
}

// NewWebSocketSubscriber wraps an upgraded connection.
func NewWebSocketSubscriber(conn *websocket.Conn) *WebSocketSubscriber {
	return &WebSocketSubscriber{conn: conn, writeWait: DefaultWriteWait}
}

// Deliver implements Subscriber.
func (w *WebSocketSubscriber) Deliver(ctx context.Context, evt models.Event) error {
	return w.writeJSON(ctx, evt)
}

type controlMessage struct {
	Type string `json:"type"`
}

// ReadLoop consumes client frames until the connection fails, answering
// {"type":"ping"} with {"type":"pong"}. Frames that are not JSON are ignored.
func (w *WebSocketSubscriber) ReadLoop(ctx context.Context) error {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg controlMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := w.writeJSON(ctx, controlMessage{Type: "pong"}); err != nil {
				return err
			}
		}
	}
}

// Close sends a close frame and closes the connection.
func (w *WebSocketSubscriber) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

func (w *WebSocketSubscriber) writeJSON(ctx context.Context, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrSubscriberClosed
	}

	deadline := time.Now().Add(w.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteJSON(v)
}
