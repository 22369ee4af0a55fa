// Package relay is the websocket client for the store-and-forward
// signaling service. The server appends published records and pushes every
// record addressed to this user, in order.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/sigcodec"
)

var ErrBackpressure = errors.New("backpressure")

const (
	writeWait   = 5 * time.Second
	sendBacklog = 32
	recvBacklog = 64
)

// envelope is the wire frame. Exactly one payload field is set.
type envelope struct {
	Type    string                    `json:"type"` // signal | screen | purge
	Signal  *domain.SignalRecord      `json:"signal,omitempty"`
	Screen  *domain.ScreenShareRecord `json:"screen,omitempty"`
	Session domain.SessionID          `json:"session_id,omitempty"`
}

type Client struct {
	conn *websocket.Conn
	user domain.UserID
	send chan []byte

	records chan domain.SignalRecord
	screen  chan domain.ScreenShareRecord

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
}

// Connect dials the relay and starts the read/write pumps. The
// subscription is filtered server-side to receiver_id = uid.
func Connect(ctx context.Context, rawURL string, sid domain.SessionID, uid domain.UserID) (core.SignalRelay, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", string(sid))
	q.Set("user_id", string(uid))
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		conn:    ws,
		user:    uid,
		send:    make(chan []byte, sendBacklog),
		records: make(chan domain.SignalRecord, recvBacklog),
		screen:  make(chan domain.ScreenShareRecord, recvBacklog),
		cancel:  cancel,
	}
	go c.writePump(ctx)
	go c.readPump(ctx)
	log.Info().Str("module", "relay").Str("user", string(uid)).Str("session", string(sid)).Msg("connected")
	return c, nil
}

func (c *Client) Publish(ctx context.Context, rec domain.SignalRecord) error {
	if err := sigcodec.Validate(rec); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignalingDelivery, err)
	}
	return c.write(ctx, envelope{Type: "signal", Signal: &rec})
}

func (c *Client) PublishScreen(ctx context.Context, rec domain.ScreenShareRecord) error {
	return c.write(ctx, envelope{Type: "screen", Screen: &rec})
}

func (c *Client) Purge(ctx context.Context, sid domain.SessionID) error {
	return c.write(ctx, envelope{Type: "purge", Session: sid})
}

func (c *Client) Records() <-chan domain.SignalRecord          { return c.records }
func (c *Client) ScreenEvents() <-chan domain.ScreenShareRecord { return c.screen }

func (c *Client) write(ctx context.Context, env envelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignalingDelivery, err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignalingDelivery, err)
	}
	return c.trySend(b)
}

func (c *Client) trySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", domain.ErrSignalingDelivery)
	}
	select {
	case c.send <- b:
		return nil
	default:
		return fmt.Errorf("%w: %w", domain.ErrSignalingDelivery, ErrBackpressure)
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "relay").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	// The pump owns the inbound channels: it is their only writer, so it
	// closes them once no more sends can happen.
	defer func() {
		log.Info().Str("module", "relay").Str("user", string(c.user)).Msg("readPump closing")
		c.Close()
		close(c.records)
		close(c.screen)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "relay").Str("user", string(c.user)).Msg("readPump read error")
				return
			}
			c.dispatch(data)
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad envelope")
		return
	}
	switch env.Type {
	case "signal":
		if env.Signal == nil || sigcodec.Validate(*env.Signal) != nil {
			log.Warn().Str("module", "relay").Msg("malformed signal record")
			return
		}
		if env.Signal.ReceiverID != c.user {
			return
		}
		select {
		case c.records <- *env.Signal:
		default:
			log.Warn().Str("module", "relay").Msg("records backlog full, dropping")
		}
	case "screen":
		if env.Screen == nil {
			return
		}
		select {
		case c.screen <- *env.Screen:
		default:
			log.Warn().Str("module", "relay").Msg("screen backlog full, dropping")
		}
	default:
		log.Warn().Str("module", "relay").Str("type", env.Type).Msg("unknown envelope")
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.Close()
}
