// Command attendee is a headless attendee: it follows one session,
// accepts its room assignment, joins the call and leaves when the room
// closes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Breakout/internal/adapters/rtc"
	"github.com/dkeye/Breakout/internal/call"
	"github.com/dkeye/Breakout/internal/client"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/scheduler"
)

type options struct {
	server      string
	token       string
	session     string
	name        string
	autoAccept  bool
	ackTimeout  time.Duration
	joinTimeout time.Duration
	logLevel    string
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("attendee", pflag.ExitOnError)
	fs.StringVar(&opts.server, "server", "ws://localhost:8080/api/ws/signal", "realtime endpoint")
	fs.StringVar(&opts.token, "token", os.Getenv("BREAKOUT_TOKEN"), "caller token")
	fs.StringVar(&opts.session, "session", "", "event session id")
	fs.StringVar(&opts.name, "name", "", "display name in calls")
	fs.BoolVar(&opts.autoAccept, "auto-accept", true, "accept room assignments automatically")
	fs.DurationVar(&opts.ackTimeout, "ack-timeout", 15*time.Second, "command ack timeout")
	fs.DurationVar(&opts.joinTimeout, "join-timeout", 15*time.Second, "call join timeout")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level")
	_ = fs.Parse(os.Args[1:])

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, err := zerolog.ParseLevel(opts.logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if opts.session == "" || opts.token == "" {
		log.Fatal().Msg("--session and --token are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, opts); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("attendee stopped")
	}
}

// liveConn forwards to the current connection so the watcher survives
// reconnects.
type liveConn struct {
	mu   sync.RWMutex
	conn *client.Conn
}

func (l *liveConn) set(c *client.Conn) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
}

func (l *liveConn) get() *client.Conn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

func (l *liveConn) Call(ctx context.Context, typ string, payload any, key string, out any) error {
	c := l.get()
	if c == nil {
		return fmt.Errorf("%s: %w", typ, domain.ErrConnection)
	}
	return c.Call(ctx, typ, payload, key, out)
}

func (l *liveConn) AckEvent(id string) error {
	c := l.get()
	if c == nil {
		return domain.ErrConnection
	}
	return c.AckEvent(id)
}

func run(ctx context.Context, opts options) error {
	clock := clockwork.NewRealClock()
	sched := scheduler.New(clock)
	defer sched.Stop()

	cfg := call.DefaultConfig()
	cfg.JoinTimeout = opts.joinTimeout
	calls := call.NewController(cfg, rtc.NewSyntheticDevices(clock), func() (core.MediaEngine, error) {
		return rtc.NewEngine()
	}, sched)
	defer calls.LeaveCall(context.Background())

	conn := &liveConn{}
	first, err := client.Dial(ctx, opts.server, opts.token, client.Options{AckTimeout: opts.ackTimeout, Clock: clock})
	if err != nil {
		return err
	}
	conn.set(first)

	var who struct {
		User domain.User `json:"user"`
	}
	if err := first.Call(ctx, core.CmdWhoAmI, nil, "", &who); err != nil {
		return err
	}
	me := who.User
	if opts.name == "" {
		opts.name = me.Username
	}
	log.Info().Str("module", "attendee").Str("user", string(me.ID)).Str("session", opts.session).Msg("identified")

	var watcher *client.RoomWatcher
	follow := func(a domain.RoomAssignment) {
		switch a.Status {
		case domain.AssignmentNotified:
			if !opts.autoAccept {
				return
			}
			go func() {
				err := conn.Call(ctx, core.CmdAssignRespond, map[string]any{"sessionId": a.SessionID, "accept": true}, "", nil)
				if err != nil {
					log.Warn().Err(err).Str("module", "attendee").Msg("accept assignment")
				}
			}()
		case domain.AssignmentConfirmed:
			go func() {
				if err := watcher.Enter(ctx, a.RoomID); err != nil {
					log.Warn().Err(err).Str("module", "attendee").Str("room", string(a.RoomID)).Msg("enter assigned room")
				}
			}()
		}
	}
	watcher = client.NewRoomWatcher(conn, calls, sched, client.WatcherConfig{
		Session:     domain.SessionID(opts.session),
		User:        me.ID,
		DisplayName: opts.name,
	}, client.Listener{
		OnTick: func(room domain.RoomID, remaining time.Duration) {
			log.Debug().Str("module", "attendee").Str("room", string(room)).Dur("remaining", remaining).Msg("countdown")
		},
		OnWarning: func(room domain.RoomID, minutes int) {
			log.Info().Str("module", "attendee").Str("room", string(room)).Int("minutes", minutes).Msg("room closing soon")
		},
		OnRedirect: func(room domain.RoomID, reason string) {
			log.Info().Str("module", "attendee").Str("room", string(room)).Str("reason", reason).Msg("back to the main session")
		},
		OnAssignment: follow,
	})
	defer watcher.Close()

	stopQuality := sched.Every("attendee.quality", 30*time.Second, func(time.Time) {
		s := calls.Snapshot()
		if s.State == call.StateJoined {
			log.Info().Str("module", "attendee").Str("room", string(s.Room)).Str("load", string(s.Quality.Load)).
				Int("participants", len(s.Participants)).Msg("call status")
		}
	})
	defer stopQuality()

	current := first
	backoff := time.Second
	for {
		stop := watcher.Watch(current.Events())
		if err := watcher.Sync(ctx); err != nil {
			log.Warn().Err(err).Str("module", "attendee").Msg("resync failed")
		} else {
			backoff = time.Second
			if a, ok := watcher.Assignment(); ok {
				follow(a)
			}
		}

		select {
		case <-ctx.Done():
			stop()
			_ = current.Close()
			watcher.Exit(context.Background())
			return ctx.Err()
		case <-current.Done():
			stop()
			log.Warn().Err(current.Err()).Str("module", "attendee").Msg("connection lost, reconnecting")
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(backoff):
			}
			next, err := client.Dial(ctx, opts.server, opts.token, client.Options{AckTimeout: opts.ackTimeout, Clock: clock})
			if err == nil {
				current = next
				conn.set(next)
				break
			}
			log.Warn().Err(err).Str("module", "attendee").Dur("backoff", backoff).Msg("reconnect failed")
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}
