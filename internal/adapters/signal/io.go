package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
)

func (c *Connection) writePump(ctx context.Context, sid domain.SessionID, ws *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal.io").Str("session", string(sid)).Msg("writePump set deadline")
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal.io").Str("session", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.ping(ws); err != nil {
				log.Warn().Err(err).Str("module", "signal.io").Str("session", string(sid)).Msg("writePump ping failed")
				return
			}
		}
	}
}

func (c *Connection) readPump(ctx context.Context, gen uint64, sid domain.SessionID, ws *websocket.Conn) error {
	c.armKeepalive(ws)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.extendDeadline(ws)

		ev, err := DecodeEvent(sid, data)
		if err != nil {
			label := invalidLabel(ev.Type)
			c.opts.Metrics.InvalidFrame(label)
			log.Warn().
				Err(core.NewError(core.KindValidation, "decode "+label, err)).
				Str("module", "signal.io").
				Str("session", string(sid)).
				Msg("frame dropped")
			continue
		}
		c.dispatch(gen, ev)
	}
}

func invalidLabel(t core.EventType) string {
	switch t {
	case core.EventLocationUpdate, core.EventMessage, core.EventParticipantJoined, core.EventParticipantLeft:
		return string(t)
	default:
		return "unknown"
	}
}
