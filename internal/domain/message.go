package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

type MessageID string

type ContentType uint8

const (
	ContentUnknown ContentType = iota
	ContentText
	ContentSystem
)

func (c ContentType) String() string {
	switch c {
	case ContentText:
		return "TEXT"
	case ContentSystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

func ParseContentType(s string) (ContentType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TEXT", "":
		return ContentText, nil
	case "SYSTEM":
		return ContentSystem, nil
	default:
		return ContentUnknown, fmt.Errorf("%w: %q", ErrUnknownContentType, s)
	}
}

func (c ContentType) MarshalText() ([]byte, error) {
	if c == ContentUnknown {
		return nil, ErrUnknownContentType
	}
	return []byte(c.String()), nil
}

func (c *ContentType) UnmarshalText(b []byte) error {
	parsed, err := ParseContentType(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Message is immutable once created by the backend.
type Message struct {
	ID          MessageID   `json:"id"`
	SenderID    ActorID     `json:"senderId"`
	SenderRole  Role        `json:"senderType"`
	DisplayName string      `json:"senderDisplayName"`
	ContentType ContentType `json:"contentType"`
	Body        string      `json:"content"`
	CreatedAt   int64       `json:"createdAt"`
}

// Before reports whether m sorts before o by (CreatedAt, ID).
func (m Message) Before(o Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

func (m Message) Validate() error {
	if m.ID == "" {
		return ErrMessageIDEmpty
	}
	if m.CreatedAt <= 0 {
		return ErrMissingCreationTime
	}
	if m.ContentType == ContentUnknown {
		return ErrUnknownContentType
	}
	if m.ContentType == ContentText && m.SenderID == "" {
		return ErrActorIDEmpty
	}
	return nil
}

// MessageDraft is what the local actor asks the backend to post.
type MessageDraft struct {
	SenderID    ActorID
	ContentType ContentType
	Body        string
}

const MaxMessageLen = 2000

var (
	ErrEmptyBody   = errors.New("message body empty")
	ErrBodyTooLong = errors.New("message body too long")
)

func (d MessageDraft) Validate() error {
	if d.SenderID == "" {
		return ErrActorIDEmpty
	}
	body := strings.TrimSpace(d.Body)
	if body == "" {
		return ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxMessageLen {
		return ErrBodyTooLong
	}
	return nil
}
