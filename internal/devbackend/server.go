// Package devbackend is an in-memory reference backend for local host
// development and end-to-end tests. It speaks the same REST envelope and
// websocket events as the production collaborator but keeps nothing on disk.
package devbackend

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rescue/internal/adapters/signal"
	"github.com/dkeye/Rescue/internal/core"
	"github.com/dkeye/Rescue/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Options struct {
	Mode       string
	Secret     string
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	Registry   *prometheus.Registry
}

type Server struct {
	ctx   context.Context
	opts  Options
	store *Store
	rooms *rooms
	reg   *prometheus.Registry

	mu     sync.RWMutex
	tokens map[string]domain.Actor

	peers   prometheus.Gauge
	kicked  prometheus.Counter
	relayed *prometheus.CounterVec
}

func New(ctx context.Context, opts Options) *Server {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.Secret == "" {
		opts.Secret = "dev-secret-change-me"
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		ctx:    ctx,
		opts:   opts,
		store:  NewStore(),
		rooms:  newRooms(),
		reg:    reg,
		tokens: make(map[string]domain.Actor),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rescue_devbackend", Name: "peers", Help: "Connected websocket peers.",
		}),
		kicked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rescue_devbackend", Name: "peers_kicked_total", Help: "Peers dropped for backpressure.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rescue_devbackend", Name: "frames_relayed_total", Help: "Frames delivered to peers.",
		}, []string{"event"}),
	}
	reg.MustRegister(s.peers, s.kicked, s.relayed)
	return s
}

func (s *Server) Store() *Store { return s.store }

// DropAll disconnects every socket; clients are expected to reconnect.
func (s *Server) DropAll() int { return s.rooms.DropAll() }

// IssueToken registers a bearer token for actor.
func (s *Server) IssueToken(actor domain.Actor) string {
	tok := uuid.NewString()
	s.mu.Lock()
	s.tokens[tok] = actor
	s.mu.Unlock()
	return tok
}

func (s *Server) actorFor(token string) (domain.Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.tokens[token]
	return a, ok
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) Router() *gin.Engine {
	if s.opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if s.opts.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cs := cookie.NewStore([]byte(s.opts.Secret))
	r.Use(sessions.Sessions("RescueSessions", cs))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.POST("/dev/token", s.handleIssueToken)
	api.GET("/dev/whoami", s.handleWhoAmI)
	api.POST("/dev/sessions", s.handleCreateSession)
	api.GET("/dev/rooms", func(c *gin.Context) { ok(c, s.rooms.List()) })
	api.GET("/ws", s.handleWS)

	sess := api.Group("/sessions/:sid", s.auth())
	sess.GET("", s.handleSessionState)
	sess.GET("/participation/:actor", s.handleParticipation)
	sess.POST("/participation", s.handleJoin)
	sess.DELETE("/participation/:actor", s.handleLeave)
	sess.GET("/participants", s.handleParticipants)
	sess.GET("/locations", s.handleLocations)
	sess.GET("/messages", s.handleMessages)
	sess.POST("/messages", s.handlePostMessage)

	log.Info().Str("module", "devbackend.http").Msg("router setup")
	return r
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"success": false, "error": gin.H{"message": err.Error()}})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, ErrSessionExists):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if t, found := strings.CutPrefix(h, "Bearer "); found {
		return strings.TrimSpace(t)
	}
	return r.URL.Query().Get("token")
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearer(c.Request)
		if tok == "" {
			if v, isStr := sessions.Default(c).Get("token").(string); isStr {
				tok = v
			}
		}
		actor, found := s.actorFor(tok)
		if !found {
			fail(c, http.StatusUnauthorized, errors.New("unknown token"))
			return
		}
		c.Set("actor", actor)
		c.Next()
	}
}

func caller(c *gin.Context) domain.Actor {
	a, _ := c.MustGet("actor").(domain.Actor)
	return a
}

func sid(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("sid"))
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var body struct {
		ActorID     string `json:"actorId" binding:"required,max=64"`
		DisplayName string `json:"displayName" binding:"max=64"`
		Role        string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	role, err := domain.ParseRole(body.Role)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	actor, err := domain.NewActor(domain.ActorID(body.ActorID), body.DisplayName, role)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	tok := s.IssueToken(*actor)

	sess := sessions.Default(c)
	sess.Set("token", tok)
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "devbackend.http").Msg("cookie session not saved")
	}
	log.Info().Str("module", "devbackend.http").Str("actor", body.ActorID).Msg("dev token issued")
	ok(c, gin.H{"token": tok})
}

func (s *Server) handleWhoAmI(c *gin.Context) {
	tok, _ := sessions.Default(c).Get("token").(string)
	actor, found := s.actorFor(tok)
	if !found {
		fail(c, http.StatusUnauthorized, errors.New("no dev session"))
		return
	}
	ok(c, actor)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var st domain.SessionState
	if err := c.ShouldBindJSON(&st); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	created, err := s.store.CreateSession(st)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, created)
}

func (s *Server) handleSessionState(c *gin.Context) {
	st, err := s.store.Session(sid(c))
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, st)
}

func (s *Server) handleParticipation(c *gin.Context) {
	actor := domain.ActorID(c.Param("actor"))
	if actor != caller(c).ID {
		fail(c, http.StatusForbidden, errors.New("token does not match actor"))
		return
	}
	active, err := s.store.Active(sid(c), actor)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, gin.H{"active": active})
}

func (s *Server) handleJoin(c *gin.Context) {
	var body struct {
		ActorID     string `json:"actorId" binding:"required"`
		DisplayName string `json:"displayName"`
		Role        string `json:"role"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	who := caller(c)
	if domain.ActorID(body.ActorID) != who.ID {
		fail(c, http.StatusForbidden, errors.New("token does not match actor"))
		return
	}
	if body.DisplayName != "" {
		who.DisplayName = body.DisplayName
	}

	id := sid(c)
	p, created, err := s.store.Join(id, who)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	payload := signal.JoinedPayload{
		UserID: string(p.ActorID), DisplayName: p.DisplayName, UserRole: p.Role.String(), Timestamp: p.JoinedAt,
	}
	if created {
		s.publish(id, "", core.EventParticipantJoined, payload)
		s.systemMessage(id, displayOrID(p)+" joined the response")
	}
	ok(c, payload)
}

func (s *Server) handleLeave(c *gin.Context) {
	actor := domain.ActorID(c.Param("actor"))
	if actor != caller(c).ID {
		fail(c, http.StatusForbidden, errors.New("token does not match actor"))
		return
	}
	id := sid(c)
	removed, err := s.store.Leave(id, actor)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	if removed {
		s.publish(id, actor, core.EventParticipantLeft, signal.LeftPayload{UserID: string(actor), Timestamp: time.Now().UnixMilli()})
		if p, found := s.rooms.GetOrCreate(id).Peer(actor); found {
			p.Close()
		}
	}
	ok(c, gin.H{})
}

func (s *Server) handleParticipants(c *gin.Context) {
	list, err := s.store.Participants(sid(c))
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	out := make([]signal.JoinedPayload, 0, len(list))
	for _, p := range list {
		out = append(out, signal.JoinedPayload{
			UserID: string(p.ActorID), DisplayName: p.DisplayName, UserRole: p.Role.String(), Timestamp: p.JoinedAt,
		})
	}
	ok(c, out)
}

func (s *Server) handleLocations(c *gin.Context) {
	list, err := s.store.Positions(sid(c))
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	ok(c, list)
}

func (s *Server) handleMessages(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = min(n, maxPageSize)
	}
	id := sid(c)
	msgs, hasMore, err := s.store.Messages(id, domain.MessageID(c.Query("before")), limit)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	out := make([]signal.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, signal.MessageFrom(id, m))
	}
	ok(c, gin.H{"messages": out, "hasMore": hasMore})
}

func (s *Server) handlePostMessage(c *gin.Context) {
	var body struct {
		SenderID    string `json:"senderId" binding:"required"`
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if domain.ActorID(body.SenderID) != caller(c).ID {
		fail(c, http.StatusForbidden, errors.New("token does not match sender"))
		return
	}
	ct, err := domain.ParseContentType(body.ContentType)
	if err != nil || ct != domain.ContentText {
		fail(c, http.StatusBadRequest, errors.New("only TEXT messages may be posted"))
		return
	}
	draft := domain.MessageDraft{SenderID: caller(c).ID, ContentType: ct, Body: strings.TrimSpace(body.Content)}
	if err := draft.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	id := sid(c)
	m, err := s.store.PostMessage(id, draft)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	payload := signal.MessageFrom(id, m)
	s.publish(id, "", core.EventMessage, payload)
	ok(c, payload)
}

func (s *Server) systemMessage(id domain.SessionID, body string) {
	m, err := s.store.PostMessage(id, domain.MessageDraft{ContentType: domain.ContentSystem, Body: body})
	if err != nil {
		log.Warn().Err(err).Str("module", "devbackend.http").Msg("system message")
		return
	}
	s.publish(id, "", core.EventMessage, signal.MessageFrom(id, m))
}

func displayOrID(p domain.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return string(p.ActorID)
}
