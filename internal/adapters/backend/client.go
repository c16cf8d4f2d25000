// Package backend talks to the REST collaborator that owns durable session
// state. Every response is wrapped in {success, data, error}.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/adapters/signal"
	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
)

const maxBody = 4 << 20

var ErrRejected = errors.New("request rejected")

// StatusError is a non-2xx answer.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

type Client struct {
	base  string
	token string
	inner *http.Client
}

var _ core.Backend = (*Client)(nil)

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		inner: &http.Client{Timeout: timeout},
	}
}

func (c *Client) SessionState(ctx context.Context, sid domain.SessionID) (domain.SessionState, error) {
	var st domain.SessionState
	if err := c.do(ctx, http.MethodGet, sessionPath(sid), nil, &st); err != nil {
		return domain.SessionState{}, core.NewError(core.KindConnection, "session state", err)
	}
	if st.ID == "" {
		st.ID = sid
	}
	return st, nil
}

func (c *Client) ParticipationActive(ctx context.Context, sid domain.SessionID, actor domain.ActorID) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	p := sessionPath(sid) + "/participation/" + url.PathEscape(string(actor))
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return false, core.NewError(core.KindParticipationCheck, "participation check", err)
	}
	return out.Active, nil
}

func (c *Client) JoinParticipation(ctx context.Context, sid domain.SessionID, actor domain.Actor) (domain.Participant, error) {
	body := struct {
		ActorID     string `json:"actorId"`
		DisplayName string `json:"displayName"`
		Role        string `json:"role"`
	}{string(actor.ID), actor.DisplayName, actor.Role.String()}

	var out signal.JoinedPayload
	if err := c.do(ctx, http.MethodPost, sessionPath(sid)+"/participation", body, &out); err != nil {
		return domain.Participant{}, core.NewError(core.KindJoin, "join", err)
	}
	if out.UserID == "" {
		return domain.NewParticipant(actor, time.Now().UnixMilli()), nil
	}
	p, err := out.Participant()
	if err != nil {
		return domain.Participant{}, core.NewError(core.KindJoin, "join", err)
	}
	return p, nil
}

func (c *Client) LeaveParticipation(ctx context.Context, sid domain.SessionID, actor domain.ActorID) error {
	p := sessionPath(sid) + "/participation/" + url.PathEscape(string(actor))
	if err := c.do(ctx, http.MethodDelete, p, nil, nil); err != nil {
		return core.NewError(core.KindLeave, "leave", err)
	}
	return nil
}

// Participants drops entries that fail validation rather than the whole list.
func (c *Client) Participants(ctx context.Context, sid domain.SessionID) ([]domain.Participant, error) {
	var raw []signal.JoinedPayload
	if err := c.do(ctx, http.MethodGet, sessionPath(sid)+"/participants", nil, &raw); err != nil {
		return nil, core.NewError(core.KindConnection, "participants", err)
	}
	out := make([]domain.Participant, 0, len(raw))
	for _, r := range raw {
		p, err := r.Participant()
		if err == nil && r.UserID != "" {
			out = append(out, p)
			continue
		}
		log.Warn().Err(err).Str("module", "backend.client").Str("session", string(sid)).
			Str("actor", r.UserID).Msg("participant dropped")
	}
	return out, nil
}

func (c *Client) Positions(ctx context.Context, sid domain.SessionID) ([]domain.Position, error) {
	var raw []domain.Position
	if err := c.do(ctx, http.MethodGet, sessionPath(sid)+"/locations", nil, &raw); err != nil {
		return nil, core.NewError(core.KindConnection, "positions", err)
	}
	out := raw[:0]
	for _, p := range raw {
		if err := p.Validate(); err != nil {
			log.Warn().Err(err).Str("module", "backend.client").Str("session", string(sid)).
				Str("actor", string(p.ActorID)).Msg("position dropped")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context, sid domain.SessionID, before domain.MessageID, limit int) (core.MessagePage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", string(before))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	p := sessionPath(sid) + "/messages"
	if len(q) > 0 {
		p += "?" + q.Encode()
	}

	var raw struct {
		Messages []signal.MessagePayload `json:"messages"`
		HasMore  bool                    `json:"hasMore"`
	}
	if err := c.do(ctx, http.MethodGet, p, nil, &raw); err != nil {
		return core.MessagePage{}, core.NewError(core.KindConnection, "messages", err)
	}
	page := core.MessagePage{HasMore: raw.HasMore, Messages: make([]domain.Message, 0, len(raw.Messages))}
	for _, r := range raw.Messages {
		m, err := r.Message()
		if err != nil {
			log.Warn().Err(err).Str("module", "backend.client").Str("session", string(sid)).
				Str("message", r.ID).Msg("message dropped")
			continue
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}

func (c *Client) PostMessage(ctx context.Context, sid domain.SessionID, draft domain.MessageDraft) (domain.Message, error) {
	ct := draft.ContentType
	if ct == domain.ContentUnknown {
		ct = domain.ContentText
	}
	body := struct {
		SenderID    string `json:"senderId"`
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
	}{string(draft.SenderID), draft.Body, ct.String()}

	var raw signal.MessagePayload
	if err := c.do(ctx, http.MethodPost, sessionPath(sid)+"/messages", body, &raw); err != nil {
		return domain.Message{}, core.NewError(core.KindSend, "post message", err)
	}
	m, err := raw.Message()
	if err != nil {
		return domain.Message{}, core.NewError(core.KindSend, "post message", err)
	}
	return m, nil
}

func sessionPath(sid domain.SessionID) string {
	return "/sessions/" + url.PathEscape(string(sid))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.inner.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}

	var env envelope
	decErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Code: resp.StatusCode}
		if decErr == nil && env.Error != nil {
			se.Message = env.Error.Message
		}
		return se
	}
	if decErr != nil {
		return fmt.Errorf("decode envelope: %w", decErr)
	}
	if !env.Success {
		if env.Error != nil && env.Error.Message != "" {
			return fmt.Errorf("%w: %s", ErrRejected, env.Error.Message)
		}
		return ErrRejected
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
