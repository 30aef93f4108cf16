package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"collabhub/api/internal/ledger"
)

// PgFTS implements Searcher over the generated change_records.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search ranks matches with ts_rank and builds snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	where := []string{"c.fts @@ " + tsQuery}
	if q.ProjectID != "" {
		args = append(args, q.ProjectID)
		where = append(where, fmt.Sprintf("c.project_id = $%d", len(args)))
	}
	if q.Branch != "" {
		args = append(args, q.Branch)
		where = append(where, fmt.Sprintf("c.branch_name = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("c.status = $%d", len(args)))
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	countSQL := "SELECT count(*) FROM change_records c WHERE " + whereSQL
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.project_id, c.branch_name, c.file_path, coalesce(c.new_path, ''),
			c.change_type, c.status, c.author_name,
			ts_headline('english', coalesce(c.proposed_content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			c.created_at
		FROM change_records c
		WHERE %s
		ORDER BY ts_rank(c.fts, %s) DESC, c.created_at DESC
		LIMIT %d OFFSET %d`,
		tsQuery, whereSQL, tsQuery, normalizeLimit(q.Limit), max(q.Offset, 0))

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r         Result
			createdAt time.Time
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.BranchName, &r.FilePath, &r.NewPath,
			&r.ChangeType, &r.Status, &r.AuthorName, &r.Snippet, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.CreatedAt = createdAt.UTC()
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// Scan is the Searcher used when no full-text engine is available. It
// filters the ledger listing by case-insensitive substring match.
type Scan struct {
	changes *ledger.Ledger
}

func NewScan(changes *ledger.Ledger) *Scan {
	return &Scan{changes: changes}
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}
	records, err := s.changes.List(ctx, q.ProjectID, q.Branch, q.Status)
	if err != nil {
		return nil, 0, err
	}

	var matched []Result
	for _, record := range records {
		doc := DocumentOf(record)
		snippet, ok := scanMatch(doc, needle)
		if !ok {
			continue
		}
		matched = append(matched, Result{
			ID:         record.ID,
			ProjectID:  record.ProjectID,
			BranchName: record.BranchName,
			FilePath:   record.FilePath,
			NewPath:    record.NewPath,
			ChangeType: string(record.ChangeType),
			Status:     string(record.Status),
			AuthorName: record.AuthorName,
			Snippet:    snippet,
			CreatedAt:  record.CreatedAt,
		})
	}

	total := len(matched)
	offset := min(max(q.Offset, 0), total)
	end := min(offset+normalizeLimit(q.Limit), total)
	return matched[offset:end], total, nil
}

func scanMatch(doc ChangeDocument, needle string) (string, bool) {
	for _, field := range []string{doc.ProposedContent, doc.ReviewComment, doc.FilePath, doc.NewPath, doc.AuthorName} {
		if idx := strings.Index(strings.ToLower(field), needle); idx >= 0 {
			return excerpt(field, idx, len(needle)), true
		}
	}
	return "", false
}

// excerpt returns up to 40 bytes either side of the match on one line.
func excerpt(text string, idx, length int) string {
	start := max(idx-40, 0)
	end := min(idx+length+40, len(text))
	if nl := strings.LastIndexByte(text[start:idx], '\n'); nl >= 0 {
		start += nl + 1
	}
	if nl := strings.IndexByte(text[idx+length:end], '\n'); nl >= 0 {
		end = idx + length + nl
	}
	return strings.TrimSpace(text[start:end])
}
