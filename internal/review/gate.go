// Package review is the only path into file storage. Owners commit directly;
// everyone else with write access files a change record that an owner later
// approves or rejects. Capability is resolved here and nowhere else.
package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"collabhub/api/internal/filestore"
	"collabhub/api/internal/ledger"
	"collabhub/api/internal/rbac"
	"collabhub/api/internal/registry"
	"collabhub/api/internal/relay"
)

var ErrForbidden = errors.New("forbidden")

type Notifier interface {
	Notify(key registry.BranchKey, kind relay.EventKind, payload any, opts ...relay.Option) int
}

// Indexer receives every change record after it is created or reviewed.
// Failures are logged and never fail the review operation.
type Indexer interface {
	IndexChange(ctx context.Context, record ledger.ChangeRecord) error
}

type Proposal struct {
	ProjectID  string
	Branch     string
	FilePath   string
	NewPath    string
	ChangeType ledger.ChangeType
	Content    string
}

type Result struct {
	Applied  bool                 `json:"applied"`
	ChangeID string               `json:"changeId,omitempty"`
	Change   *ledger.ChangeRecord `json:"change,omitempty"`
}

// CommitEvent announces that storage changed for a branch.
type CommitEvent struct {
	ProjectID   string            `json:"projectId"`
	BranchName  string            `json:"branchName"`
	FilePath    string            `json:"filePath"`
	NewPath     string            `json:"newPath,omitempty"`
	ChangeType  ledger.ChangeType `json:"changeType"`
	Content     string            `json:"content,omitempty"`
	ChangeID    string            `json:"changeId,omitempty"`
	CommittedBy string            `json:"committedBy"`
	CommittedAt time.Time         `json:"committedAt"`
}

// ReviewEvent is the change-reviewed payload.
type ReviewEvent struct {
	Change       ledger.ChangeRecord `json:"change"`
	Status       ledger.Status       `json:"status"`
	ReviewerID   string              `json:"reviewerId"`
	ReviewerName string              `json:"reviewerName"`
}

type Gate struct {
	changes  *ledger.Ledger
	files    filestore.Store
	access   rbac.Resolver
	notifier Notifier
	indexer  Indexer
	now      func() time.Time
}

// New builds a gate. indexer may be nil.
func New(changes *ledger.Ledger, files filestore.Store, access rbac.Resolver, notifier Notifier, indexer Indexer) *Gate {
	return &Gate{
		changes:  changes,
		files:    files,
		access:   access,
		notifier: notifier,
		indexer:  indexer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Capability reports what participantID may do on projectID.
func (g *Gate) Capability(ctx context.Context, projectID, participantID string) (rbac.Capability, error) {
	return g.access.Capability(ctx, projectID, participantID)
}

// Authorize resolves the participant's capability and fails with
// ErrForbidden when it does not cover action.
func (g *Gate) Authorize(ctx context.Context, projectID, participantID string, action rbac.Action) (rbac.Capability, error) {
	capability, err := g.access.Capability(ctx, projectID, participantID)
	if err != nil {
		return rbac.CapabilityNone, err
	}
	if !rbac.Can(capability, action) {
		return capability, fmt.Errorf("%w: %s cannot %s on project %s", ErrForbidden, participantID, action, projectID)
	}
	return capability, nil
}

// ProposeEdit commits the edit when the participant owns the project and
// otherwise files a pending change record for review.
func (g *Gate) ProposeEdit(ctx context.Context, participant registry.Participant, proposal Proposal) (Result, error) {
	proposal, err := normalizeProposal(proposal)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(participant.ID) == "" {
		return Result{}, fmt.Errorf("%w: participant is required", ledger.ErrInvalidInput)
	}
	capability, err := g.access.Capability(ctx, proposal.ProjectID, participant.ID)
	if err != nil {
		return Result{}, err
	}
	key := registry.BranchKey{ProjectID: proposal.ProjectID, Branch: proposal.Branch}

	switch {
	case rbac.Can(capability, rbac.ActionCommit):
		author := filestore.Author{ID: participant.ID, Name: participant.DisplayName}
		if err := g.commit(ctx, proposal, author); err != nil {
			return Result{}, err
		}
		g.notifier.Notify(key, relay.KindFileCommitted, g.commitEvent(proposal, "", participant.ID))
		return Result{Applied: true}, nil

	case rbac.Can(capability, rbac.ActionPropose):
		current, err := g.currentContent(ctx, proposal)
		if err != nil {
			return Result{}, err
		}
		record, err := g.changes.Create(ctx, ledger.ChangeRecord{
			ProjectID:       proposal.ProjectID,
			BranchName:      proposal.Branch,
			FilePath:        proposal.FilePath,
			NewPath:         proposal.NewPath,
			ChangeType:      proposal.ChangeType,
			ProposedContent: proposal.Content,
			Diff:            LineDiff(current, proposedAfter(proposal, current)),
			AuthorID:        participant.ID,
			AuthorName:      participant.DisplayName,
		})
		if err != nil {
			return Result{}, err
		}
		g.notifier.Notify(key, relay.KindChangeSubmitted, record)
		g.index(ctx, record)
		return Result{Applied: false, ChangeID: record.ID, Change: &record}, nil

	default:
		return Result{}, fmt.Errorf("%w: %s cannot edit project %s", ErrForbidden, participant.ID, proposal.ProjectID)
	}
}

// Approve commits the record's proposed content exactly as an owner edit
// would. The record stays pending when storage refuses the write.
func (g *Gate) Approve(ctx context.Context, reviewer registry.Participant, changeID string, comment *string) (ledger.ChangeRecord, error) {
	return g.review(ctx, reviewer, changeID, ledger.StatusApproved, comment)
}

// Reject closes the record without touching storage.
func (g *Gate) Reject(ctx context.Context, reviewer registry.Participant, changeID string, comment *string) (ledger.ChangeRecord, error) {
	return g.review(ctx, reviewer, changeID, ledger.StatusRejected, comment)
}

func (g *Gate) review(ctx context.Context, reviewer registry.Participant, changeID string, status ledger.Status, comment *string) (ledger.ChangeRecord, error) {
	current, err := g.changes.Get(ctx, changeID)
	if err != nil {
		return ledger.ChangeRecord{}, err
	}
	capability, err := g.access.Capability(ctx, current.ProjectID, reviewer.ID)
	if err != nil {
		return ledger.ChangeRecord{}, err
	}
	if !rbac.Can(capability, rbac.ActionReview) {
		return ledger.ChangeRecord{}, fmt.Errorf("%w: %s cannot review changes on project %s", ErrForbidden, reviewer.ID, current.ProjectID)
	}

	var apply ledger.ApplyFunc
	if status == ledger.StatusApproved {
		apply = func(ctx context.Context, record ledger.ChangeRecord) error {
			author := filestore.Author{ID: record.AuthorID, Name: record.AuthorName}
			return g.commit(ctx, proposalOf(record), author)
		}
	}
	record, err := g.changes.Transition(ctx, changeID, status, reviewer.ID, reviewer.DisplayName, comment, apply)
	if err != nil {
		return ledger.ChangeRecord{}, err
	}

	key := registry.BranchKey{ProjectID: record.ProjectID, Branch: record.BranchName}
	g.notifier.Notify(key, relay.KindChangeReviewed, ReviewEvent{
		Change:       record,
		Status:       record.Status,
		ReviewerID:   reviewer.ID,
		ReviewerName: reviewer.DisplayName,
	})
	if status == ledger.StatusApproved {
		g.notifier.Notify(key, relay.KindFileCommitted, g.commitEvent(proposalOf(record), record.ID, reviewer.ID))
	}
	g.index(ctx, record)
	return record, nil
}

func (g *Gate) commit(ctx context.Context, proposal Proposal, author filestore.Author) error {
	switch proposal.ChangeType {
	case ledger.ChangeDelete:
		return g.files.DeleteFile(ctx, proposal.ProjectID, proposal.Branch, proposal.FilePath, author)
	case ledger.ChangeRename:
		var content *string
		if proposal.Content != "" {
			content = &proposal.Content
		}
		return g.files.RenameFile(ctx, proposal.ProjectID, proposal.Branch, proposal.FilePath, proposal.NewPath, content, author)
	default:
		return g.files.WriteFile(ctx, proposal.ProjectID, proposal.Branch, proposal.FilePath, proposal.Content, author)
	}
}

func (g *Gate) currentContent(ctx context.Context, proposal Proposal) (string, error) {
	content, err := g.files.ReadFile(ctx, proposal.ProjectID, proposal.Branch, proposal.FilePath)
	if errors.Is(err, filestore.ErrNotFound) {
		return "", nil
	}
	return content, err
}

func (g *Gate) commitEvent(proposal Proposal, changeID, committedBy string) CommitEvent {
	event := CommitEvent{
		ProjectID:   proposal.ProjectID,
		BranchName:  proposal.Branch,
		FilePath:    proposal.FilePath,
		NewPath:     proposal.NewPath,
		ChangeType:  proposal.ChangeType,
		ChangeID:    changeID,
		CommittedBy: committedBy,
		CommittedAt: g.now(),
	}
	if proposal.ChangeType != ledger.ChangeDelete {
		event.Content = proposal.Content
	}
	return event
}

func (g *Gate) index(ctx context.Context, record ledger.ChangeRecord) {
	if g.indexer == nil {
		return
	}
	if err := g.indexer.IndexChange(ctx, record); err != nil {
		log.Printf("review: index change %s: %v", record.ID, err)
	}
}

func normalizeProposal(proposal Proposal) (Proposal, error) {
	proposal.ProjectID = strings.TrimSpace(proposal.ProjectID)
	proposal.Branch = strings.TrimSpace(proposal.Branch)
	if proposal.ProjectID == "" || proposal.Branch == "" {
		return Proposal{}, fmt.Errorf("%w: project and branch are required", ledger.ErrInvalidInput)
	}
	changeType, err := ledger.ParseChangeType(string(proposal.ChangeType))
	if err != nil {
		return Proposal{}, err
	}
	proposal.ChangeType = changeType
	if proposal.FilePath, err = filestore.CleanPath(proposal.FilePath); err != nil {
		return Proposal{}, err
	}
	if changeType != ledger.ChangeRename {
		proposal.NewPath = ""
		if changeType == ledger.ChangeDelete {
			proposal.Content = ""
		}
		return proposal, nil
	}
	if proposal.NewPath, err = filestore.CleanPath(proposal.NewPath); err != nil {
		return Proposal{}, err
	}
	if proposal.NewPath == proposal.FilePath {
		return Proposal{}, fmt.Errorf("%w: rename target equals source", ledger.ErrInvalidInput)
	}
	return proposal, nil
}

func proposalOf(record ledger.ChangeRecord) Proposal {
	return Proposal{
		ProjectID:  record.ProjectID,
		Branch:     record.BranchName,
		FilePath:   record.FilePath,
		NewPath:    record.NewPath,
		ChangeType: record.ChangeType,
		Content:    record.ProposedContent,
	}
}

// proposedAfter is the file content the proposal would leave at FilePath's
// successor, used only to render the diff.
func proposedAfter(proposal Proposal, current string) string {
	switch proposal.ChangeType {
	case ledger.ChangeDelete:
		return ""
	case ledger.ChangeRename:
		if proposal.Content == "" {
			return current
		}
	}
	return proposal.Content
}
