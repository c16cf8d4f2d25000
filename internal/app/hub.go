package app

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type Subscriber interface {
	ID() uint64
	Dropped() uint64
}

type subscription struct {
	id      uint64
	ch      chan Update
	dropped uint64
}

func (s *subscription) ID() uint64      { return s.id }
func (s *subscription) Dropped() uint64 { return s.dropped }

// hub fans updates out to observers without ever blocking the queue.
type hub struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]*subscription
	policy Policy
	closed bool
}

func newHub(policy Policy) *hub {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &hub{subs: make(map[uint64]*subscription), policy: policy}
}

func (h *hub) subscribe(buffer int) *subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{ch: make(chan Update, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.next++
	sub.id = h.next
	h.subs[sub.id] = sub
	return sub
}

func (h *hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) broadcast(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		select {
		case sub.ch <- u:
			continue
		default:
		}
		sub.dropped++
		switch h.policy.OnBackPressure(sub) {
		case KickSubscriber:
			log.Warn().Str("module", "app.hub").Uint64("subscriber", id).Msg("slow subscriber removed")
			delete(h.subs, id)
			close(sub.ch)
		case MarkSlow:
			log.Debug().Str("module", "app.hub").Uint64("subscriber", id).
				Uint64("dropped", sub.dropped).Msg("slow subscriber")
		case DropUpdate, NoAction:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
