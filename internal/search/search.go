// Package search finds change records by path, content, author and review
// comment. Meilisearch serves queries when configured and healthy; otherwise
// Postgres full-text search or a ledger scan answers.
package search

import (
	"context"
	"time"

	"collabhub/api/internal/ledger"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	BranchName string    `json:"branchName"`
	FilePath   string    `json:"filePath"`
	NewPath    string    `json:"newPath,omitempty"`
	ChangeType string    `json:"changeType"`
	Status     string    `json:"status"`
	AuthorName string    `json:"authorName"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a search request. Empty filters match everything.
type Query struct {
	Text      string
	ProjectID string
	Branch    string
	Status    ledger.Status
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// ChangeDocument is the data we index for a change record.
type ChangeDocument struct {
	ID              string `json:"id"`
	ProjectID       string `json:"projectId"`
	BranchName      string `json:"branchName"`
	FilePath        string `json:"filePath"`
	NewPath         string `json:"newPath"`
	ChangeType      string `json:"changeType"`
	Status          string `json:"status"`
	AuthorName      string `json:"authorName"`
	ProposedContent string `json:"proposedContent"`
	ReviewComment   string `json:"reviewComment"`
	CreatedAt       int64  `json:"createdAt"`
}

func DocumentOf(record ledger.ChangeRecord) ChangeDocument {
	doc := ChangeDocument{
		ID:              record.ID,
		ProjectID:       record.ProjectID,
		BranchName:      record.BranchName,
		FilePath:        record.FilePath,
		NewPath:         record.NewPath,
		ChangeType:      string(record.ChangeType),
		Status:          string(record.Status),
		AuthorName:      record.AuthorName,
		ProposedContent: record.ProposedContent,
		CreatedAt:       record.CreatedAt.Unix(),
	}
	if record.ReviewComment != nil {
		doc.ReviewComment = *record.ReviewComment
	}
	return doc
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
