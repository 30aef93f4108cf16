package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"collabhub/api/internal/auth"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	realtime   http.Handler
}

// NewHTTPServer builds the REST surface. realtime serves the websocket
// upgrade at /api/realtime/ws and may be nil.
func NewHTTPServer(service *Service, corsOrigin string, realtime http.Handler) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, realtime: realtime}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/realtime/ws" {
		if s.realtime == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.realtime.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.DisplayName, "userId": session.ParticipantID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, expiresAt, err := s.service.Login(body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userId":    session.ParticipantID,
			"userName":  session.DisplayName,
			"expiresAt": expiresAt.Unix(),
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/realtime/ticket" {
		payload, err := s.service.IssueTicket(r.Context(), session)
		s.respond(w, r, http.StatusOK, payload, err)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/projects" {
		var body struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateProject(r.Context(), session, body.ID, body.Name)
		s.respond(w, r, http.StatusCreated, payload, err)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/changes/search" {
		s.handleSearch(w, r, session)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/changes" {
		var body ProposeChangeInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ProposeChange(r.Context(), session, body)
		status := http.StatusCreated
		if result.Applied {
			status = http.StatusOK
		}
		s.respond(w, r, status, result, err)
		return
	}

	parts, err := splitPath(r.URL.EscapedPath())
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", err.Error(), nil)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "projects" {
		s.handleProjects(w, r, session, parts[2], parts[3:])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "changes" {
		s.handleChanges(w, r, session, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"tickets":  map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingTickets(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["tickets"] = map[string]any{"status": "error", "error": err.Error()}
	}
	checks["realtime"] = s.service.RealtimeStats()

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleProjects serves /api/projects/{projectId}/...
func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, projectID string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.GetProject(ctx, session, projectID)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "collaborators" && r.Method == http.MethodGet:
		payload, err := s.service.ListCollaborators(ctx, session, projectID)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(rest) == 2 && rest[0] == "collaborators" && r.Method == http.MethodPut:
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetCollaborator(ctx, session, projectID, rest[1], body.Role)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(rest) == 3 && rest[0] == "branches" && rest[2] == "presence" && r.Method == http.MethodGet:
		payload, err := s.service.Presence(ctx, session, projectID, rest[1])
		s.respond(w, r, http.StatusOK, payload, err)

	case len(rest) == 2 && rest[0] == "files" && r.Method == http.MethodGet:
		payload, err := s.service.ListFiles(ctx, session, projectID, rest[1])
		s.respond(w, r, http.StatusOK, payload, err)

	case len(rest) > 2 && rest[0] == "files" && r.Method == http.MethodGet:
		payload, err := s.service.ReadFile(ctx, session, projectID, rest[1], strings.Join(rest[2:], "/"))
		s.respond(w, r, http.StatusOK, payload, err)

	case len(rest) == 2 && rest[0] == "history" && r.Method == http.MethodGet:
		limit, ok := queryInt(w, r, "limit", 50)
		if !ok {
			return
		}
		payload, err := s.service.History(ctx, session, projectID, rest[1], limit)
		s.respond(w, r, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleChanges serves /api/changes/{id}, /api/changes/{id}/{approve|reject}
// and /api/changes/{projectId}/{branch}.
func (s *HTTPServer) handleChanges(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetChange(ctx, session, rest[0])
		s.respond(w, r, http.StatusOK, payload, err)

	case len(rest) == 2 && r.Method == http.MethodPost && (rest[1] == "approve" || rest[1] == "reject"):
		var body struct {
			Comment *string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ReviewChange(ctx, session, rest[0], rest[1], body.Comment)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(rest) == 2 && r.Method == http.MethodGet:
		payload, err := s.service.ListChanges(ctx, session, rest[0], rest[1], r.URL.Query().Get("status"))
		s.respond(w, r, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	query := r.URL.Query()
	payload, err := s.service.SearchChanges(r.Context(), session, SearchInput{
		Text:      query.Get("q"),
		ProjectID: strings.TrimSpace(query.Get("projectId")),
		Branch:    strings.TrimSpace(query.Get("branch")),
		Status:    query.Get("status"),
		Limit:     limit,
		Offset:    offset,
	})
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := MapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("http: request_id=%s %s %s: %v", RequestID(r.Context()), r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes websocket upgrades through to the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || err.Error() == "EOF" {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// splitPath splits an escaped URL path and unescapes each segment, so a
// branch such as "feature%2Fx" stays one segment.
func splitPath(escaped string) ([]string, error) {
	trimmed := strings.Trim(escaped, "/")
	if trimmed == "" {
		return nil, nil
	}
	raw := strings.Split(trimmed, "/")
	parts := make([]string, 0, len(raw))
	for _, segment := range raw {
		part, err := url.PathUnescape(segment)
		if err != nil {
			return nil, fmt.Errorf("invalid path segment %q", segment)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}
