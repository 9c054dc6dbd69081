package core

import (
	"encoding/json"

	"github.com/dkeye/Breakout/internal/bus"
)

// Realtime commands.
const (
	CmdSubscribe     = "session.subscribe"
	CmdRoomCreate    = "room.create"
	CmdRoomStart     = "room.start"
	CmdRoomJoin      = "room.join"
	CmdRoomLeave     = "room.leave"
	CmdRoomClose     = "room.close"
	CmdRoomList      = "room.list"
	CmdRoomGet       = "room.get"
	CmdRecall        = "session.recall"
	CmdSegmentCreate = "segment.create"
	CmdSegmentLink   = "segment.link"
	CmdAssignCompute = "segment.assignment.compute"
	CmdAssignNotify  = "segment.assignment.notify"
	CmdAssignRespond = "segment.assignment.respond"
	CmdAssignmentGet = "assignment.get"
	CmdWhoAmI        = "whoami"
	CmdPing          = "ping"

	FrameAck      = "ack"
	FrameEvent    = "event"
	FrameEventAck = "event.ack"
)

// Request is a client command. ID correlates the ack.
type Request struct {
	Type           string          `json:"type"`
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Ack struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *AckError       `json:"error,omitempty"`
}

type EventFrame struct {
	Type  string    `json:"type"`
	Event bus.Event `json:"event"`
}

// EventAck confirms receipt of a critical event.
type EventAck struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Envelope is the first decode pass over any inbound frame.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}
