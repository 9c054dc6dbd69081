// Package client is the attendee side of the realtime channel: an explicit
// connection object with acked commands and a local event bus, plus a room
// watcher that follows room state and drives the call controller.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
)

var ErrClosed = errors.New("client: connection closed")

type Options struct {
	AckTimeout time.Duration
	Clock      clockwork.Clock
	Dialer     *websocket.Dialer
	QueueSize  int
}

func DefaultOptions() Options {
	return Options{AckTimeout: 15 * time.Second, QueueSize: 64}
}

// Conn is one realtime connection. Commands wait for their ack; pushed
// events are relayed onto Events().
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	events *bus.Bus

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan core.Ack
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url with a caller token.
func Dial(ctx context.Context, url, token string, opts Options) (*Conn, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultOptions().AckTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", url, domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w: %v", url, domain.ErrConnection, err)
	}
	c := &Conn{
		ws:      ws,
		opts:    opts,
		events:  bus.New(opts.QueueSize),
		pending: make(map[string]chan core.Ack),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	log.Info().Str("module", "client.conn").Str("url", url).Msg("connected")
	return c, nil
}

// Events is the local bus pushed events are published on.
func (c *Conn) Events() *bus.Bus { return c.events }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Emit sends a command and waits for its ack. It never retries: on
// timeout the command is reported as failed with ErrTimeout and its
// outcome on the server is unknown, so create-type commands should carry
// an idempotency key.
func (c *Conn) Emit(ctx context.Context, typ string, payload any, idempotencyKey string) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", typ, domain.ErrValidation, err)
		}
		raw = b
	}
	req := core.Request{Type: typ, ID: uuid.NewString(), IdempotencyKey: idempotencyKey, Payload: raw}

	ch := make(chan core.Ack, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", typ, ErrClosed)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer c.forget(req.ID)

	if err := c.write(req); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", typ, domain.ErrConnection, err)
	}

	timer := c.opts.Clock.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if ack.OK {
			return ack.Data, nil
		}
		return nil, ackError(typ, ack.Error)
	case <-timer.Chan():
		log.Warn().Str("module", "client.conn").Str("cmd", typ).Str("id", req.ID).Msg("ack timeout")
		return nil, fmt.Errorf("%s: %w: no ack within %s", typ, domain.ErrTimeout, c.opts.AckTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w: %v", typ, domain.ErrTimeout, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", typ, domain.ErrConnection)
	}
}

// Call is Emit with the ack data decoded into out.
func (c *Conn) Call(ctx context.Context, typ string, payload any, idempotencyKey string, out any) error {
	data, err := c.Emit(ctx, typ, payload, idempotencyKey)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode ack: %w", typ, err)
	}
	return nil
}

// AckEvent confirms a critical event so the server stops resending it.
func (c *Conn) AckEvent(id string) error {
	return c.write(core.EventAck{Type: core.FrameEventAck, ID: id})
}

func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func ackError(typ string, e *core.AckError) error {
	if e == nil {
		return fmt.Errorf("%s: rejected", typ)
	}
	if base := domain.FromCode(e.Code); base != nil {
		return fmt.Errorf("%s: %w (%s)", typ, base, e.Message)
	}
	return fmt.Errorf("%s: %s: %s", typ, e.Code, e.Message)
}

func (c *Conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
		c.events.Close()
	})
}

func (c *Conn) readLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !errors.Is(c.Err(), ErrClosed) {
				log.Warn().Err(err).Str("module", "client.conn").Msg("read failed")
			}
			c.shutdown(fmt.Errorf("%w: %v", domain.ErrConnection, err))
			return
		}
		var env core.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "client.conn").Msg("bad frame")
			continue
		}
		switch env.Type {
		case core.FrameAck:
			var ack core.Ack
			if err := json.Unmarshal(data, &ack); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[ack.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- ack:
				default:
				}
			}
		case core.FrameEvent:
			var fr core.EventFrame
			if err := json.Unmarshal(data, &fr); err != nil {
				log.Warn().Err(err).Str("module", "client.conn").Msg("bad event")
				continue
			}
			if err := c.events.Publish(ctx, fr.Event); err != nil {
				return
			}
		default:
			log.Debug().Str("module", "client.conn").Str("type", env.Type).Msg("ignored frame")
		}
	}
}
