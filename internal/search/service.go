package search

import (
	"context"
	"log"

	"collabhub/api/internal/ledger"
)

// Service tries Meilisearch first and falls back to the database searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexChange pushes a change record to Meilisearch in the background. The
// fallback searchers read the database directly and need no indexing.
func (s *Service) IndexChange(_ context.Context, record ledger.ChangeRecord) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	doc := DocumentOf(record)
	go func() {
		if err := s.meili.IndexChange(doc); err != nil {
			log.Printf("search: index change %s: %v", doc.ID, err)
		}
	}()
	return nil
}

// Reindex pushes every record to Meilisearch. Called at startup.
func (s *Service) Reindex(records []ledger.ChangeRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	docs := make([]ChangeDocument, 0, len(records))
	for _, record := range records {
		docs = append(docs, DocumentOf(record))
	}
	if err := s.meili.IndexChanges(docs); err != nil {
		log.Printf("search: reindex changes: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
