// Package signal is the server side of the realtime channel: one
// WebSocket per client carrying command envelopes, acks and pushed events.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/app/orch"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
)

// Context keys set by the HTTP middleware.
const (
	KeyClientToken = "client_token"
	KeyCaller      = "caller"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// AckTimeout bounds how long one command may run before it is acked
	// with a timeout error.
	AckTimeout time.Duration
	SendQueue  int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
		AckTimeout: 15 * time.Second,
		SendQueue:  32,
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter
	opts    Options
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RoomRateLimiter, opts Options) *SignalWSController {
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultOptions().SendQueue
	}
	return &SignalWSController{Orch: o, Limiter: limiter, opts: opts}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades an authenticated request. The caller must already
// be in the gin context under KeyCaller.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	cid := core.ConnID(c.GetString(KeyClientToken))
	v, ok := c.Get(KeyCaller)
	user, _ := v.(*domain.User)
	if !ok || user == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": domain.Code(domain.ErrUnauthorized)})
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(cid)).Str("user", string(user.ID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendQueue),
	}

	sess := core.NewConnSession(user).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.Bind(cid, sess, cancel)
	ctl.Orch.Metrics.SocketOpened()

	go ctl.writePump(ctx, cid, conn)
	go ctl.readPump(ctx, cancel, cid, sess, conn)
}
