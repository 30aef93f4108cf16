package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"collabhub/api/internal/util"
)

type ChangeType string
type Status string

const (
	ChangeModify ChangeType = "modify"
	ChangeCreate ChangeType = "create"
	ChangeDelete ChangeType = "delete"
	ChangeRename ChangeType = "rename"
)

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var (
	ErrNotFound     = errors.New("change not found")
	ErrInvalidState = errors.New("change is not pending")
	ErrConflict     = errors.New("a pending change already targets this path")
	ErrInvalidInput = errors.New("invalid change")
)

// ChangeRecord is a proposed edit and its review outcome. Records are
// immutable once they leave pending.
type ChangeRecord struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"projectId"`
	BranchName      string     `json:"branchName"`
	FilePath        string     `json:"filePath"`
	NewPath         string     `json:"newPath,omitempty"`
	ChangeType      ChangeType `json:"changeType"`
	ProposedContent string     `json:"proposedContent"`
	Diff            string     `json:"diff,omitempty"`
	AuthorID        string     `json:"authorId"`
	AuthorName      string     `json:"authorName"`
	CreatedAt       time.Time  `json:"createdAt"`
	Status          Status     `json:"status"`
	ReviewerID      *string    `json:"reviewerId,omitempty"`
	ReviewerName    *string    `json:"reviewerName,omitempty"`
	ReviewedAt      *time.Time `json:"reviewedAt,omitempty"`
	ReviewComment   *string    `json:"reviewComment,omitempty"`
}

// Transition moves a pending record to a terminal status.
type Transition struct {
	ID           string
	Status       Status
	ReviewerID   string
	ReviewerName string
	Comment      *string
	At           time.Time
}

// ApplyFunc runs inside the serialized transition with the record as it will
// be stored. An error aborts the transition and leaves the record pending.
type ApplyFunc func(ctx context.Context, record ChangeRecord) error

type Filter struct {
	ProjectID string
	Branch    string
	Status    Status
	Limit     int
}

// Store persists change records. TransitionChange is the only mutator of an
// existing record and must be serialized per record id.
type Store interface {
	InsertChange(ctx context.Context, record ChangeRecord) error
	GetChange(ctx context.Context, changeID string) (ChangeRecord, error)
	ListChanges(ctx context.Context, filter Filter) ([]ChangeRecord, error)
	TransitionChange(ctx context.Context, transition Transition, apply ApplyFunc) (ChangeRecord, error)
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Create stores record as a new pending change and returns it with id and
// creation time filled in.
func (l *Ledger) Create(ctx context.Context, record ChangeRecord) (ChangeRecord, error) {
	if record.ProjectID == "" || record.BranchName == "" || record.FilePath == "" || record.AuthorID == "" {
		return ChangeRecord{}, fmt.Errorf("%w: project, branch, file path and author are required", ErrInvalidInput)
	}
	changeType, err := ParseChangeType(string(record.ChangeType))
	if err != nil {
		return ChangeRecord{}, err
	}
	record.ChangeType = changeType
	record.ID = util.NewID("chg")
	record.CreatedAt = l.now()
	record.Status = StatusPending
	record.ReviewerID = nil
	record.ReviewerName = nil
	record.ReviewedAt = nil
	record.ReviewComment = nil
	if err := l.store.InsertChange(ctx, record); err != nil {
		return ChangeRecord{}, err
	}
	return record, nil
}

func (l *Ledger) Get(ctx context.Context, changeID string) (ChangeRecord, error) {
	if strings.TrimSpace(changeID) == "" {
		return ChangeRecord{}, ErrNotFound
	}
	return l.store.GetChange(ctx, changeID)
}

// List returns the changes of a branch, most recent first. An empty status
// lists every status.
func (l *Ledger) List(ctx context.Context, projectID, branch string, status Status) ([]ChangeRecord, error) {
	if status != "" {
		if _, err := ParseStatus(string(status)); err != nil {
			return nil, err
		}
	}
	return l.store.ListChanges(ctx, Filter{ProjectID: projectID, Branch: branch, Status: status})
}

// Transition applies a review decision. Only pending records move; a second
// decision on the same record fails with ErrInvalidState.
func (l *Ledger) Transition(ctx context.Context, changeID string, status Status, reviewerID, reviewerName string, comment *string, apply ApplyFunc) (ChangeRecord, error) {
	if status != StatusApproved && status != StatusRejected {
		return ChangeRecord{}, fmt.Errorf("%w: cannot transition to %q", ErrInvalidState, status)
	}
	if strings.TrimSpace(changeID) == "" {
		return ChangeRecord{}, ErrNotFound
	}
	return l.store.TransitionChange(ctx, Transition{
		ID:           changeID,
		Status:       status,
		ReviewerID:   reviewerID,
		ReviewerName: reviewerName,
		Comment:      normalizeComment(comment),
		At:           l.now(),
	}, apply)
}

// Decide fills the reviewer fields of record from transition.
func Decide(record ChangeRecord, transition Transition) ChangeRecord {
	reviewerID := transition.ReviewerID
	reviewerName := transition.ReviewerName
	at := transition.At
	record.Status = transition.Status
	record.ReviewerID = &reviewerID
	record.ReviewerName = &reviewerName
	record.ReviewedAt = &at
	record.ReviewComment = transition.Comment
	return record
}

func ParseChangeType(raw string) (ChangeType, error) {
	switch ChangeType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ChangeModify:
		return ChangeModify, nil
	case ChangeCreate:
		return ChangeCreate, nil
	case ChangeDelete:
		return ChangeDelete, nil
	case ChangeRename:
		return ChangeRename, nil
	default:
		return "", fmt.Errorf("%w: unknown change type %q", ErrInvalidInput, raw)
	}
}

func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
}

func normalizeComment(comment *string) *string {
	if comment == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*comment)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
