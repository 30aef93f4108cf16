package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"collabhub/api/internal/filestore"
	"collabhub/api/internal/rbac"
)

// CreateProject inserts a new project and fails with ErrProjectExists when
// the id is taken.
func (s *SQLStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	project.ID = strings.TrimSpace(project.ID)
	if project.ID == "" || strings.TrimSpace(project.OwnerID) == "" {
		return Project{}, fmt.Errorf("%w: project id and owner are required", ErrInvalidInput)
	}
	if err := filestore.CheckProjectID(project.ID); err != nil {
		return Project{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if project.Name == "" {
		project.Name = project.ID
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO projects (id, name, owner_id) VALUES ($1, $2, $3)
	`), project.ID, project.Name, project.OwnerID)
	if err != nil {
		if isUniqueViolation(err) {
			return Project{}, ErrProjectExists
		}
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return s.GetProject(ctx, project.ID)
}

func (s *SQLStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, name, owner_id, created_at FROM projects WHERE id=$1
	`), projectID).Scan(&project.ID, &project.Name, &project.OwnerID, &project.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, rbac.ErrProjectNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// SetCollaborator grants role ("read", "write" or "admin") on a project.
func (s *SQLStore) SetCollaborator(ctx context.Context, collaborator Collaborator) error {
	role := strings.ToLower(strings.TrimSpace(collaborator.Role))
	switch role {
	case "read", "write", "admin":
	default:
		return fmt.Errorf("%w: unknown collaborator role %q", ErrInvalidInput, collaborator.Role)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO project_collaborators (project_id, participant_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, participant_id) DO UPDATE SET role=excluded.role
	`), collaborator.ProjectID, collaborator.ParticipantID, role)
	if err != nil {
		if isForeignKeyViolation(err) {
			return rbac.ErrProjectNotFound
		}
		return fmt.Errorf("set collaborator: %w", err)
	}
	return nil
}

func (s *SQLStore) ListCollaborators(ctx context.Context, projectID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT project_id, participant_id, role
		FROM project_collaborators
		WHERE project_id=$1
		ORDER BY participant_id ASC
	`), projectID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(&item.ProjectID, &item.ParticipantID, &item.Role); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

// Capability resolves a participant's standing on a project. The owner and
// admin collaborators both resolve to rbac.CapabilityOwner.
func (s *SQLStore) Capability(ctx context.Context, projectID, participantID string) (rbac.Capability, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT owner_id FROM projects WHERE id=$1`), projectID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.CapabilityNone, rbac.ErrProjectNotFound
	}
	if err != nil {
		return rbac.CapabilityNone, fmt.Errorf("resolve project owner: %w", err)
	}
	if ownerID == participantID {
		return rbac.CapabilityOwner, nil
	}

	var role string
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT role FROM project_collaborators WHERE project_id=$1 AND participant_id=$2
	`), projectID, participantID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.CapabilityNone, nil
	}
	if err != nil {
		return rbac.CapabilityNone, fmt.Errorf("resolve collaborator role: %w", err)
	}
	return rbac.FromRole(false, role), nil
}
