package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"collabhub/api/internal/auth"
	"collabhub/api/internal/filestore"
	"collabhub/api/internal/gitrepo"
	"collabhub/api/internal/ledger"
	"collabhub/api/internal/rbac"
	"collabhub/api/internal/registry"
	"collabhub/api/internal/review"
	"collabhub/api/internal/search"
	"collabhub/api/internal/store"
	"collabhub/api/internal/util"
)

// Session is the authenticated caller of one HTTP request.
type Session struct {
	Token         string
	ParticipantID string
	DisplayName   string
}

func (s Session) participant() registry.Participant {
	return registry.Participant{ID: s.ParticipantID, DisplayName: s.DisplayName}
}

type ProposeChangeInput struct {
	ProjectID  string `json:"projectId"`
	Branch     string `json:"branch"`
	FilePath   string `json:"filePath"`
	NewPath    string `json:"newPath"`
	ChangeType string `json:"changeType"`
	NewContent string `json:"newContent"`
}

type SearchInput struct {
	Text      string
	ProjectID string
	Branch    string
	Status    string
	Limit     int
	Offset    int
}

type projectStore interface {
	Ping(context.Context) error
	CreateProject(context.Context, store.Project) (store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	SetCollaborator(context.Context, store.Collaborator) error
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
}

type historyReader interface {
	History(projectID, branch string, limit int) ([]gitrepo.CommitInfo, error)
}

type dropCounter interface {
	Dropped() uint64
}

type ticketIssuer interface {
	Issue(context.Context, auth.Identity) (string, time.Time, error)
	Ping(context.Context) error
}

// Deps are the collaborators the service is assembled from. History is nil
// when the storage backend keeps no commit history.
type Deps struct {
	Projects projectStore
	Changes  *ledger.Ledger
	Gate     *review.Gate
	Files    filestore.Store
	History  historyReader
	Registry *registry.Registry
	Relay    dropCounter
	Search   *search.Service
	Tickets  ticketIssuer
	Issuer   *auth.Issuer
	// LoginDisabled turns off the name-only development login; tokens then
	// come from the token command.
	LoginDisabled bool
}

type Service struct {
	projects projectStore
	changes  *ledger.Ledger
	gate     *review.Gate
	files    filestore.Store
	history  historyReader
	registry *registry.Registry
	relay    dropCounter
	search   *search.Service
	tickets  ticketIssuer
	issuer   *auth.Issuer
	noLogin  bool
}

func New(deps Deps) *Service {
	return &Service{
		projects: deps.Projects,
		changes:  deps.Changes,
		gate:     deps.Gate,
		files:    deps.Files,
		history:  deps.History,
		registry: deps.Registry,
		relay:    deps.Relay,
		search:   deps.Search,
		tickets:  deps.Tickets,
		issuer:   deps.Issuer,
		noLogin:  deps.LoginDisabled,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.projects.Ping(ctx)
}

func (s *Service) PingTickets(ctx context.Context) error {
	return s.tickets.Ping(ctx)
}

// RealtimeStats reports live session and dropped event counts for /api/ready.
func (s *Service) RealtimeStats() map[string]any {
	stats := map[string]any{"status": "ok", "activeSessions": s.registry.Count()}
	if s.relay != nil {
		stats["droppedEvents"] = s.relay.Dropped()
	}
	return stats
}

// Login issues a development token for the named participant. The id is
// always a slug of the display name.
func (s *Service) Login(displayName string) (Session, time.Time, error) {
	if s.noLogin {
		return Session{}, time.Time{}, domainError(http.StatusForbidden, "FORBIDDEN", "development login is disabled", nil)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return Session{}, time.Time{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	participantID := slug(displayName)
	token, expiresAt, err := s.issuer.Issue(auth.Identity{ParticipantID: participantID, DisplayName: displayName})
	if err != nil {
		return Session{}, time.Time{}, err
	}
	return Session{Token: token, ParticipantID: participantID, DisplayName: displayName}, expiresAt, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	identity, err := s.issuer.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ParticipantID: identity.ParticipantID, DisplayName: identity.DisplayName}, nil
}

func (s *Service) IssueTicket(ctx context.Context, session Session) (map[string]any, error) {
	ticket, expiresAt, err := s.tickets.Issue(ctx, auth.Identity{ParticipantID: session.ParticipantID, DisplayName: session.DisplayName})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ticket": ticket, "expiresAt": expiresAt.UTC()}, nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, projectID, name string) (map[string]any, error) {
	project, err := s.projects.CreateProject(ctx, store.Project{ID: projectID, Name: strings.TrimSpace(name), OwnerID: session.ParticipantID})
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": projectPayload(project)}, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	capability, err := s.gate.Authorize(ctx, projectID, session.ParticipantID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": projectPayload(project), "capability": capability}, nil
}

func (s *Service) ListCollaborators(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if _, err := s.gate.Authorize(ctx, projectID, session.ParticipantID, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.projects.ListCollaborators(ctx, projectID)
	if err != nil {
		return nil, err
	}
	collaborators := make([]map[string]any, 0, len(items))
	for _, item := range items {
		collaborators = append(collaborators, map[string]any{"participantId": item.ParticipantID, "role": item.Role})
	}
	return map[string]any{"collaborators": collaborators}, nil
}

// SetCollaborator grants a role on the project. Only owners may grant.
func (s *Service) SetCollaborator(ctx context.Context, session Session, projectID, participantID, role string) (map[string]any, error) {
	if _, err := s.gate.Authorize(ctx, projectID, session.ParticipantID, rbac.ActionReview); err != nil {
		return nil, err
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "participantId is required", nil)
	}
	if err := s.projects.SetCollaborator(ctx, store.Collaborator{ProjectID: projectID, ParticipantID: participantID, Role: role}); err != nil {
		return nil, err
	}
	return map[string]any{"participantId": participantID, "role": strings.ToLower(strings.TrimSpace(role))}, nil
}

func (s *Service) ListChanges(ctx context.Context, session Session, projectID, branch, status string) (map[string]any, error) {
	if _, err := s.gate.Authorize(ctx, projectID, session.ParticipantID, rbac.ActionRead); err != nil {
		return nil, err
	}
	parsed, err := parseStatusFilter(status)
	if err != nil {
		return nil, err
	}
	items, err := s.changes.List(ctx, projectID, branch, parsed)
	if err != nil {
		return nil, err
	}
	return map[string]any{"changes": items}, nil
}

func (s *Service) GetChange(ctx context.Context, session Session, changeID string) (map[string]any, error) {
	record, err := s.changes.Get(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if _, err := s.gate.Authorize(ctx, record.ProjectID, session.ParticipantID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return map[string]any{"change": record}, nil
}

func (s *Service) ProposeChange(ctx context.Context, session Session, input ProposeChangeInput) (review.Result, error) {
	changeType, err := ledger.ParseChangeType(input.ChangeType)
	if err != nil {
		return review.Result{}, err
	}
	return s.gate.ProposeEdit(ctx, session.participant(), review.Proposal{
		ProjectID:  input.ProjectID,
		Branch:     input.Branch,
		FilePath:   input.FilePath,
		NewPath:    input.NewPath,
		ChangeType: changeType,
		Content:    input.NewContent,
	})
}

func (s *Service) ReviewChange(ctx context.Context, session Session, changeID, action string, comment *string) (map[string]any, error) {
	var (
		record ledger.ChangeRecord
		err    error
	)
	switch action {
	case "approve":
		record, err = s.gate.Approve(ctx, session.participant(), changeID, comment)
	case "reject":
		record, err = s.gate.Reject(ctx, session.participant(), changeID, comment)
	default:
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"change": record}, nil
}

func (s *Service) SearchChanges(ctx context.Context, session Session, input SearchInput) (search.Response, error) {
	if strings.TrimSpace(input.ProjectID) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId is required", nil)
	}
	if _, err := s.gate.Authorize(ctx, input.ProjectID, session.ParticipantID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	status, err := parseStatusFilter(input.Status)
	if err != nil {
		return search.Response{}, err
	}
	return s.search.Search(ctx, search.Query{
		Text:      strings.TrimSpace(input.Text),
		ProjectID: input.ProjectID,
		Branch:    input.Branch,
		Status:    status,
		Limit:     input.Limit,
		Offset:    input.Offset,
	}), nil
}

func (s *Service) Presence(ctx context.Context, session Session, projectID, branch string) (map[string]any, error) {
	if _, err := s.gate.Authorize(ctx, projectID, session.ParticipantID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return map[string]any{"activeUsers": s.registry.ListActive(projectID, branch)}, nil
}

func (s *Service) ListFiles(ctx context.Context, session Session, projectID, branch string) (map[string]any, error) {
	if _, err := s.gate.Authorize(ctx, projectID, session.ParticipantID, rbac.ActionRead); err != nil {
		return nil, err
	}
	files, err := s.files.ListTree(ctx, projectID, branch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": files}, nil
}

func (s *Service) ReadFile(ctx context.Context, session Session, projectID, branch, filePath string) (map[string]any, error) {
	if _, err := s.gate.Authorize(ctx, projectID, session.ParticipantID, rbac.ActionRead); err != nil {
		return nil, err
	}
	cleaned, err := filestore.CleanPath(filePath)
	if err != nil {
		return nil, err
	}
	content, err := s.files.ReadFile(ctx, projectID, branch, cleaned)
	if err != nil {
		return nil, err
	}
	return map[string]any{"filePath": cleaned, "content": content}, nil
}

func (s *Service) History(ctx context.Context, session Session, projectID, branch string, limit int) (map[string]any, error) {
	if _, err := s.gate.Authorize(ctx, projectID, session.ParticipantID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, domainError(http.StatusNotImplemented, "NOT_SUPPORTED", "History requires the git storage backend", nil)
	}
	commits, err := s.history.History(projectID, branch, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"commits": commits}, nil
}

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":        project.ID,
		"name":      project.Name,
		"ownerId":   project.OwnerID,
		"createdAt": project.CreatedAt,
	}
}

func slug(value string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return util.NewID("usr")
	}
	return out
}

// parseStatusFilter accepts an empty status as "every status".
func parseStatusFilter(raw string) (ledger.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return ledger.ParseStatus(raw)
}
