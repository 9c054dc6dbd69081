package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
)

// handleJoin rate-limits room.join per user before dispatching it.
func (ctl *SignalWSController) handleJoin(ctx context.Context, cid core.ConnID, sess core.ConnSession, conn *WsSignalConn, data []byte) {
	user := sess.User()
	if ctl.Limiter != nil && !ctl.Limiter.Allow(user.ID) {
		var env core.Envelope
		_ = json.Unmarshal(data, &env)
		log.Warn().Str("module", "signal").Str("sid", string(cid)).Str("user", string(user.ID)).Msg("join rate limit")
		ctl.sendAck(conn, env.ID, nil, fmt.Errorf("%w: too many join attempts", domain.ErrPermissionDenied))
		return
	}
	ctl.handleCommand(ctx, cid, sess, conn, data)
}
