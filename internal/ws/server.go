// Package ws is the realtime transport: one websocket per participant
// connection, carrying presence, live edits and review notifications.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabhub/api/internal/app"
	"collabhub/api/internal/auth"
	"collabhub/api/internal/rbac"
	"collabhub/api/internal/registry"
	"collabhub/api/internal/relay"
)

// TicketRedeemer resolves a connect ticket to the participant it was issued to.
type TicketRedeemer interface {
	Redeem(ctx context.Context, ticket string) (auth.Identity, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, projectID, participantID string, action rbac.Action) (rbac.Capability, error)
}

type Sessions interface {
	JoinAs(sessionID string, participant registry.Participant, projectID, branch string) (registry.Session, []registry.Session, error)
	Leave(sessionID string) (registry.Session, bool)
}

type Subscriber interface {
	Subscribe(key registry.BranchKey, sessionID string, opts relay.SubscribeOptions) *relay.Subscription
}

type Editor interface {
	Open(sessionID, filePath string) (registry.Session, error)
	PublishEdit(sessionID, filePath, content string, cursor *registry.Cursor) (int, error)
	PublishCursor(sessionID, filePath string, position registry.Cursor) (int, error)
}

type Options struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	// AllowedOrigin is matched against the Origin header; "*" or empty allows any.
	AllowedOrigin string
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = o.ReadTimeout * 9 / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = relay.DefaultBuffer
	}
	return o
}

type Deps struct {
	Tickets  TicketRedeemer
	Access   Authorizer
	Sessions Sessions
	Relay    Subscriber
	Edits    Editor
}

// Server upgrades ticket-authenticated requests and runs one client per
// connection.
type Server struct {
	opts     Options
	deps     Deps
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewServer(opts Options, deps Deps) *Server {
	opts = opts.withDefaults()
	s := &Server{opts: opts, deps: deps, clients: map[*client]struct{}{}}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(s.opts.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || strings.EqualFold(origin, allowed)
}

// ServeHTTP redeems the connect ticket before upgrading, so the identity is
// resolved exactly once per connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ticket := strings.TrimSpace(r.URL.Query().Get("ticket"))
	if ticket == "" {
		rejectUpgrade(w, http.StatusUnauthorized, ErrorCodeUnauthorized, "ticket is required")
		return
	}
	identity, err := s.deps.Tickets.Redeem(r.Context(), ticket)
	if err != nil {
		status, code, message, _ := app.MapError(err)
		if status == http.StatusInternalServerError {
			log.Printf("ws: redeem ticket: %v", err)
		}
		rejectUpgrade(w, status, code, message)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade for %s failed: %v", identity.ParticipantID, err)
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	c := &client{
		server:   s,
		conn:     conn,
		identity: identity,
		send:     make(chan Frame, s.opts.SendBuffer),
		done:     make(chan struct{}),
	}
	s.track(c)
	log.Printf("ws: connected participant=%s", identity.ParticipantID)

	go c.writePump()
	go c.readPump()
}

// Connections reports how many websockets are open.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client. Their sessions leave the registry as the
// read loops wind down.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (s *Server) track(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func rejectUpgrade(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "error": message})
}

// client is one connection. The session fields are owned by the read loop.
type client struct {
	server   *Server
	conn     *websocket.Conn
	identity auth.Identity
	send     chan Frame
	done     chan struct{}
	once     sync.Once

	sessionID string
	key       registry.BranchKey
	sub       *relay.Subscription
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer func() {
		c.leave()
		c.close()
		c.server.untrack(c)
		log.Printf("ws: disconnected participant=%s", c.identity.ParticipantID)
	}()

	readTimeout := c.server.opts.ReadTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error participant=%s: %v", c.identity.ParticipantID, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleMessage(message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	writeTimeout := c.server.opts.WriteTimeout
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				log.Printf("ws: write %s participant=%s: %v", frame.Type, c.identity.ParticipantID, err)
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

// forward copies relay events for one subscription onto the send queue until
// the subscription is closed.
func (c *client) forward(sub *relay.Subscription) {
	for event := range sub.C {
		wireType, ok := WireType(event.Kind)
		if !ok {
			continue
		}
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			log.Printf("ws: encode %s: %v", event.Kind, err)
			continue
		}
		c.enqueue(Frame{Type: wireType, Ts: time.Now().UnixMilli(), Seq: event.Seq, Payload: payload})
	}
}

// enqueue never blocks. A full queue drops the frame; the relay sequence
// numbers let the client notice the gap.
func (c *client) enqueue(frame Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Printf("ws: dropped %s for participant=%s (send queue full)", frame.Type, c.identity.ParticipantID)
		return false
	}
}

func (c *client) reply(frameType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws: encode %s: %v", frameType, err)
		return
	}
	c.enqueue(Frame{Type: frameType, Ts: time.Now().UnixMilli(), Payload: raw})
}

func (c *client) sendError(code, message string) {
	c.reply(TypeError, ErrorPayload{Code: code, Message: message})
}

func (c *client) sendErr(err error) {
	status, code, message, _ := app.MapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("ws: participant=%s: %v", c.identity.ParticipantID, err)
	}
	c.sendError(code, message)
}

func (c *client) handleMessage(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError(ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch frame.Type {
	case TypeJoinProject:
		c.handleJoin(frame.Payload)
	case TypeLeaveProject:
		c.handleLeave()
	case TypeFileOpen:
		c.handleFileOpen(frame.Payload)
	case TypeCodeChange:
		c.handleCodeChange(frame.Payload)
	case TypeCursorMove:
		c.handleCursorMove(frame.Payload)
	case TypeChangeSubmitted, TypeChangeReviewed, TypeFileCommitted:
		c.sendError(ErrorCodeForbidden, frame.Type+" is emitted only by the review gate")
	default:
		c.sendError(ErrorCodeInvalidMessage, "unknown message type: "+frame.Type)
	}
}

func (c *client) handleJoin(raw json.RawMessage) {
	var msg JoinProjectPayload
	if err := decode(raw, &msg); err != nil {
		c.sendError(ErrorCodeInvalidMessage, "invalid join-project message")
		return
	}
	projectID := strings.TrimSpace(msg.ProjectID)
	branch := strings.TrimSpace(msg.Branch)
	if projectID == "" || branch == "" {
		c.sendError(ErrorCodeInvalidMessage, "projectId and branch are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	capability, err := c.server.deps.Access.Authorize(ctx, projectID, c.identity.ParticipantID, rbac.ActionRead)
	if err != nil {
		c.sendErr(err)
		return
	}

	// A connection holds at most one session.
	c.leave()

	sessionID := uuid.NewString()
	key := registry.BranchKey{ProjectID: projectID, Branch: branch}
	sub := c.server.deps.Relay.Subscribe(key, sessionID, relay.SubscribeOptions{AfterJoin: true})
	participant := registry.Participant{ID: c.identity.ParticipantID, DisplayName: c.identity.DisplayName}
	_, roster, err := c.server.deps.Sessions.JoinAs(sessionID, participant, projectID, branch)
	if err != nil {
		sub.Close()
		c.sendErr(err)
		return
	}
	c.sessionID, c.key, c.sub = sessionID, key, sub

	// The ack is queued before the forwarder starts so it precedes every
	// event the new session can see.
	c.reply(TypeJoinAck, JoinAckPayload{
		SessionID:   sessionID,
		ProjectID:   projectID,
		Branch:      branch,
		Capability:  string(capability),
		ActiveUsers: roster,
	})
	go c.forward(sub)
}

func (c *client) handleLeave() {
	if c.sessionID == "" {
		c.sendError(ErrorCodeSessionRequired, "join a project first")
		return
	}
	c.leave()
}

func (c *client) leave() {
	if c.sessionID == "" {
		return
	}
	c.server.deps.Sessions.Leave(c.sessionID)
	if c.sub != nil {
		c.sub.Close()
	}
	c.sessionID, c.key, c.sub = "", registry.BranchKey{}, nil
}

func (c *client) handleFileOpen(raw json.RawMessage) {
	if c.sessionID == "" {
		c.sendError(ErrorCodeSessionRequired, "join a project first")
		return
	}
	var msg FileOpenPayload
	if err := decode(raw, &msg); err != nil {
		c.sendError(ErrorCodeInvalidMessage, "invalid file-open message")
		return
	}
	if _, err := c.server.deps.Edits.Open(c.sessionID, msg.FilePath); err != nil {
		c.sendErr(err)
	}
}

func (c *client) handleCodeChange(raw json.RawMessage) {
	if c.sessionID == "" {
		c.sendError(ErrorCodeSessionRequired, "join a project first")
		return
	}
	var msg CodeChangePayload
	if err := decode(raw, &msg); err != nil {
		c.sendError(ErrorCodeInvalidMessage, "invalid code-change message")
		return
	}
	if _, err := c.server.deps.Edits.PublishEdit(c.sessionID, msg.FilePath, msg.Content, msg.CursorPosition); err != nil {
		c.sendErr(err)
	}
}

func (c *client) handleCursorMove(raw json.RawMessage) {
	if c.sessionID == "" {
		c.sendError(ErrorCodeSessionRequired, "join a project first")
		return
	}
	var msg CursorMovePayload
	if err := decode(raw, &msg); err != nil {
		c.sendError(ErrorCodeInvalidMessage, "invalid cursor-move message")
		return
	}
	if _, err := c.server.deps.Edits.PublishCursor(c.sessionID, msg.FilePath, msg.Position); err != nil {
		c.sendErr(err)
	}
}

var errEmptyPayload = errors.New("payload is required")

func decode(raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errEmptyPayload
	}
	return json.Unmarshal(raw, target)
}
