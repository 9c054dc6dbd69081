package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
)

func (ctl *SignalWSController) handleCommand(ctx context.Context, cid core.ConnID, sess core.ConnSession, conn *WsSignalConn, data []byte) {
	var req core.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(cid)).Msg("bad request")
		return
	}
	if ctl.opts.AckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ctl.opts.AckTimeout)
		defer cancel()
	}
	res, err := ctl.Orch.Dispatch(ctx, cid, sess.User(), req)
	ctl.sendAck(conn, req.ID, res, err)
}

// sendAck replies to request id with either the result or the error code.
func (ctl *SignalWSController) sendAck(conn *WsSignalConn, id string, res any, err error) {
	ack := core.Ack{Type: core.FrameAck, ID: id, OK: err == nil}
	if err != nil {
		ack.Error = &core.AckError{Code: domain.Code(err), Message: err.Error()}
		ctl.sendJSON(conn, ack)
		return
	}
	if res != nil {
		b, merr := json.Marshal(res)
		if merr != nil {
			log.Error().Err(merr).Str("module", "signal").Str("id", id).Msg("marshal ack data")
			ack.OK = false
			ack.Error = &core.AckError{Code: domain.Code(merr), Message: "internal error"}
		} else {
			ack.Data = b
		}
	}
	ctl.sendJSON(conn, ack)
}
