package core

import (
	"sort"

	"github.com/dkeye/Rescue/internal/domain"
)

// MessageLog is the ordered, append-only chat history of a session,
// sorted by (CreatedAt, ID) and deduplicated by ID.
// Not safe for concurrent use: the coordinator queue owns it.
type MessageLog struct {
	msgs []domain.Message
	ids  map[domain.MessageID]struct{}
}

func NewMessageLog() *MessageLog {
	return &MessageLog{ids: make(map[domain.MessageID]struct{})}
}

// LoadHistory merges a fetched batch and returns how many were new.
func (l *MessageLog) LoadHistory(page []domain.Message) int {
	added := 0
	for _, m := range page {
		if l.ApplyIncoming(m) {
			added++
		}
	}
	return added
}

// ApplyIncoming inserts m in sorted position; duplicates are ignored.
func (l *MessageLog) ApplyIncoming(m domain.Message) bool {
	if _, dup := l.ids[m.ID]; dup {
		return false
	}
	l.ids[m.ID] = struct{}{}

	n := len(l.msgs)
	if n == 0 || l.msgs[n-1].Before(m) {
		l.msgs = append(l.msgs, m)
		return true
	}
	i := sort.Search(n, func(i int) bool { return m.Before(l.msgs[i]) })
	l.msgs = append(l.msgs, domain.Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	return true
}

func (l *MessageLog) Has(id domain.MessageID) bool {
	_, ok := l.ids[id]
	return ok
}

// All returns a copy, oldest first.
func (l *MessageLog) All() []domain.Message {
	out := make([]domain.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *MessageLog) Oldest() (domain.Message, bool) {
	if len(l.msgs) == 0 {
		return domain.Message{}, false
	}
	return l.msgs[0], true
}

func (l *MessageLog) Len() int {
	return len(l.msgs)
}
