package devbackend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrPeerClosed   = errors.New("connection closed")
)

// peer is one connected client socket. send is never closed; writePump
// exits through done.
type peer struct {
	sid   domain.SessionID
	actor domain.ActorID
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPeer(sid domain.SessionID, actor domain.ActorID, conn *websocket.Conn, buffer int) *peer {
	if buffer <= 0 {
		buffer = 32
	}
	return &peer{sid: sid, actor: actor, conn: conn, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (p *peer) TrySend(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	select {
	case p.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (p *peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	_ = p.conn.Close()
}

func (p *peer) writePump(ctx context.Context, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case data := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "devbackend.peer").Msg("writePump set deadline")
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "devbackend.peer").Str("actor", string(p.actor)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// readPump hands every inbound frame to onFrame until the socket dies.
func (p *peer) readPump(ctx context.Context, readLimit int64, pongWait time.Duration, onFrame func([]byte)) {
	defer func() {
		log.Info().Str("module", "devbackend.peer").Str("session", string(p.sid)).Str("actor", string(p.actor)).Msg("readPump closing")
		p.Close()
	}()

	p.conn.SetReadLimit(readLimit)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "devbackend.peer").Str("actor", string(p.actor)).Msg("readPump read error")
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		onFrame(data)
	}
}
