package devbackend

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/adapters/signal"
	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
)

func (s *Server) handleWS(c *gin.Context) {
	id := domain.SessionID(c.Query("sessionId"))
	actor, found := s.actorFor(bearer(c.Request))
	if !found {
		fail(c, http.StatusUnauthorized, errors.New("unknown token"))
		return
	}
	active, err := s.store.Active(id, actor.ID)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	if !active {
		fail(c, http.StatusForbidden, ErrNotParticipant)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "devbackend.ws").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "devbackend.ws").Str("session", string(id)).Str("actor", string(actor.ID)).Msg("new WS connection")

	p := newPeer(id, actor.ID, ws, s.opts.SendBuffer)
	rm := s.rooms.GetOrCreate(id)
	if prev := rm.AddPeer(p); prev != nil {
		prev.Close()
	}
	s.peers.Inc()

	go p.writePump(s.ctx, s.opts.PingPeriod)
	go func() {
		defer func() {
			rm.RemovePeer(p)
			s.peers.Dec()
		}()
		p.readPump(s.ctx, s.opts.ReadLimit, s.opts.PingPeriod*10/9, func(data []byte) {
			s.onFrame(p, data)
		})
	}()
}

// onFrame accepts location samples from clients; everything else is
// server-originated and dropped.
func (s *Server) onFrame(p *peer, data []byte) {
	ev, err := signal.DecodeEvent(p.sid, data)
	if err != nil {
		log.Warn().Err(err).Str("module", "devbackend.ws").Str("actor", string(p.actor)).Msg("frame dropped")
		return
	}
	if ev.Type != core.EventLocationUpdate || ev.Position == nil {
		log.Warn().Str("module", "devbackend.ws").Str("event", string(ev.Type)).Msg("client may only send locations")
		return
	}
	pos := *ev.Position
	if pos.ActorID != p.actor {
		log.Warn().Str("module", "devbackend.ws").Str("actor", string(p.actor)).
			Str("claimed", string(pos.ActorID)).Msg("location for another actor dropped")
		return
	}
	stored, err := s.store.RecordPosition(p.sid, pos)
	if err != nil || !stored {
		return
	}
	s.publish(p.sid, p.actor, core.EventLocationUpdate, signal.LocationFrom(p.sid, pos))
}

// publish fans one event out to a session room. Peers that cannot keep up
// are disconnected and must reconnect and refetch.
func (s *Server) publish(id domain.SessionID, from domain.ActorID, event core.EventType, payload any) {
	data, err := signal.EncodeFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "devbackend.ws").Msg("encode frame")
		return
	}
	res := s.rooms.GetOrCreate(id).Broadcast(from, data)
	s.relayed.WithLabelValues(string(event)).Add(float64(res.SentTo))
	for _, slow := range res.Dropped {
		log.Warn().Str("module", "devbackend.ws").Str("session", string(id)).Str("actor", string(slow.actor)).Msg("slow peer kicked")
		s.kicked.Inc()
		slow.Close()
	}
}
