package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
)

// scriptedServer acks requests according to reply and records event acks.
func scriptedServer(t *testing.T, reply func(req core.Request) *core.Ack, onOpen func(ws *websocket.Conn)) (string, chan string) {
	t.Helper()
	acked := make(chan string, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if onOpen != nil {
			onOpen(ws)
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req core.Request
			_ = json.Unmarshal(data, &req)
			if req.Type == core.FrameEventAck {
				acked <- req.ID
				continue
			}
			if ack := reply(req); ack != nil {
				_ = ws.WriteJSON(ack)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), acked
}

func TestEmitWaitsForAck(t *testing.T) {
	url, _ := scriptedServer(t, func(req core.Request) *core.Ack {
		switch req.Type {
		case core.CmdPing:
			return &core.Ack{Type: core.FrameAck, ID: req.ID, OK: true, Data: json.RawMessage(`{"pong":true}`)}
		case core.CmdRoomJoin:
			return &core.Ack{Type: core.FrameAck, ID: req.ID, Error: &core.AckError{Code: "room_full", Message: "room is full"}}
		case core.CmdRoomCreate:
			return &core.Ack{Type: core.FrameAck, ID: req.ID, OK: true, Data: json.RawMessage(`{"key":"` + req.IdempotencyKey + `"}`)}
		}
		return nil
	}, nil)

	c, err := Dial(context.Background(), url, "good", Options{AckTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	var pong struct {
		Pong bool `json:"pong"`
	}
	require.NoError(t, c.Call(context.Background(), core.CmdPing, nil, "", &pong))
	assert.True(t, pong.Pong)

	_, err = c.Emit(context.Background(), core.CmdRoomJoin, map[string]any{"roomId": "r1"}, "")
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	data, err := c.Emit(context.Background(), core.CmdRoomCreate, map[string]any{"name": "x"}, "idem-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"idem-1"}`, string(data))

	_, err = c.Emit(context.Background(), "never.acked", nil, "")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestDialRejectsBadToken(t *testing.T) {
	url, _ := scriptedServer(t, func(core.Request) *core.Ack { return nil }, nil)
	_, err := Dial(context.Background(), url, "bad", DefaultOptions())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestEventsArePublishedLocally(t *testing.T) {
	ev := bus.Event{ID: "e1", Type: bus.RoomClosed, SessionID: "s1", RoomID: "r1"}
	url, acked := scriptedServer(t, func(core.Request) *core.Ack { return nil }, func(ws *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
		_ = ws.WriteJSON(core.EventFrame{Type: core.FrameEvent, Event: ev})
	})

	c, err := Dial(context.Background(), url, "good", DefaultOptions())
	require.NoError(t, err)
	defer c.Close()

	got := make(chan bus.Event, 1)
	c.Events().Subscribe("test", nil, func(e bus.Event) { got <- e })

	select {
	case e := <-got:
		assert.Equal(t, "e1", e.ID)
		assert.Equal(t, bus.RoomClosed, e.Type)
		require.NoError(t, c.AckEvent(e.ID))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case id := <-acked:
		assert.Equal(t, "e1", id)
	case <-time.After(time.Second):
		t.Fatal("event ack not received")
	}
}

func TestEmitAfterCloseFails(t *testing.T) {
	url, _ := scriptedServer(t, func(core.Request) *core.Ack { return nil }, nil)
	c, err := Dial(context.Background(), url, "good", DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	<-c.Done()
	_, err = c.Emit(context.Background(), core.CmdPing, nil, "")
	assert.ErrorIs(t, err, ErrClosed)
}
