// Package hub bridges live network connections to room subscriptions.
// Each connected viewer gets one Client: a read pump for inbound protocol
// messages, a write pump for the wire, and a feed goroutine that drains
// the viewer's current subscription into the write pump.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fireside-chat/fireside/internal/domain"
	"github.com/fireside-chat/fireside/internal/engine"
	"github.com/fireside-chat/fireside/internal/subscription"
	"github.com/fireside-chat/fireside/pkg/log"
)

// catchUpRetryInterval paces retries when a gap recovery fetch fails.
const catchUpRetryInterval = time.Second

// Config tunes the websocket connection handling.
type Config struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// Client is one live websocket connection.
type Client struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Session *domain.Session
	config  Config

	mu   sync.Mutex
	sub  *subscription.Subscription
	stop context.CancelFunc
}

func NewClient(id string, conn *websocket.Conn, cfg Config) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	return &Client{
		ID:      id,
		Conn:    conn,
		Send:    make(chan []byte, cfg.SendBuffer),
		Session: domain.NewSession(id),
		config:  cfg,
	}
}

// ReadPump reads protocol messages off the wire until the peer disconnects
// or errors, then invokes onClose so the viewer's subscription is promptly
// unregistered.
func (c *Client) ReadPump(handler func(*Client, []byte), onClose func(*Client)) {
	defer func() {
		onClose(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Debug().Err(err).Str(log.FieldSubscriberID, c.ID).Msg("websocket read error")
			}
			break
		}

		c.Session.UpdateActivity()
		handler(c, message)
	}
}

// WritePump serializes all wire writes for the connection and keeps the
// peer alive with pings. A write failure ends the pump; the read pump's
// deadline then expires and the disconnect path runs.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendJSON queues a protocol message for the write pump. Messages to a
// stalled connection are dropped once the wire buffer is full; live chat
// delivery does not go through this path and has its own overflow policy.
func (c *Client) SendJSON(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
	default:
	}
	return nil
}

// StartFeed attaches sub as the client's live feed and spawns the delivery
// goroutine. Any previous feed is stopped first.
func (c *Client) StartFeed(eng *engine.Engine, sub *subscription.Subscription) {
	c.StopFeed()

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.sub = sub
	c.stop = cancel
	c.mu.Unlock()

	go c.deliver(ctx, eng, sub)
}

// StopFeed closes the current subscription, if any, and stops its delivery
// goroutine.
func (c *Client) StopFeed() {
	c.mu.Lock()
	sub := c.sub
	stop := c.stop
	c.sub = nil
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if sub != nil {
		sub.Close()
	}
}

// Feed returns the client's current subscription.
func (c *Client) Feed() *subscription.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// deliver drains the subscription into the wire. When the queue has
// overflowed, the missed span is recovered from the store batch by batch
// before newer queued messages are delivered, so the client observes the
// room in persisted order with no gaps. A failed fetch leaves the gap
// flagged and is retried.
func (c *Client) deliver(ctx context.Context, eng *engine.Engine, sub *subscription.Subscription) {
	for {
		recovered, err := eng.CatchUp(ctx, sub)
		if err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldSubscriberID, sub.ID).Str(log.FieldRoomID, sub.RoomID).Msg("gap catch-up failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(catchUpRetryInterval):
			}
			continue
		}
		if len(recovered) > 0 {
			c.write(ctx, &domain.GapMessage{
				Type:      domain.MsgTypeGap,
				RoomID:    sub.RoomID,
				Recovered: recovered,
			})
			// A wide span stays flagged; recover the rest before
			// draining the queue.
			continue
		}

		msg, err := sub.Next(ctx)
		if err != nil {
			// Closed subscription or cancelled feed; either way the
			// delivery loop is done.
			return
		}

		c.write(ctx, &domain.MessageOut{Type: domain.MsgTypeMessage, Message: msg})
	}
}

// write blocks until the write pump accepts the payload or the feed is
// cancelled. Blocking here is what lets the subscription queue absorb a
// slow connection instead of the poster.
func (c *Client) write(ctx context.Context, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	case <-ctx.Done():
	}
}
