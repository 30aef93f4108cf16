// Package ledgertest holds behaviour checks shared by every ledger.Store.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collabhub/api/internal/ledger"
)

// NewStore builds an empty store for one subtest.
type NewStore func(t *testing.T, allowMultiplePending bool) ledger.Store

func Run(t *testing.T, newStore NewStore) {
	t.Run("create get list", func(t *testing.T) { testCreateGetList(t, newStore(t, false)) })
	t.Run("terminal transitions", func(t *testing.T) { testTerminalTransitions(t, newStore(t, false)) })
	t.Run("apply failure keeps pending", func(t *testing.T) { testApplyFailure(t, newStore(t, false)) })
	t.Run("pending conflict", func(t *testing.T) { testPendingConflict(t, newStore(t, false)) })
	t.Run("multiple pending allowed", func(t *testing.T) { testMultiplePending(t, newStore(t, true)) })
	t.Run("concurrent approve", func(t *testing.T) { testConcurrentApprove(t, newStore(t, false)) })
}

func propose(t *testing.T, l *ledger.Ledger, path, content string) ledger.ChangeRecord {
	t.Helper()
	record, err := l.Create(context.Background(), ledger.ChangeRecord{
		ProjectID:       "proj-1",
		BranchName:      "main",
		FilePath:        path,
		ChangeType:      ledger.ChangeModify,
		ProposedContent: content,
		AuthorID:        "collab-1",
		AuthorName:      "Casey",
	})
	if err != nil {
		t.Fatalf("Create(%s) error = %v", path, err)
	}
	return record
}

func testCreateGetList(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	l := ledger.New(store)

	first := propose(t, l, "/src/a.js", "y")
	time.Sleep(2 * time.Millisecond)
	second := propose(t, l, "/src/b.js", "z")

	got, err := l.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != ledger.StatusPending || got.AuthorID != "collab-1" || got.ProposedContent != "y" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.ReviewerID != nil || got.ReviewedAt != nil {
		t.Fatalf("pending record carries review fields: %+v", got)
	}

	items, err := l.List(ctx, "proj-1", "main", ledger.StatusPending)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(items) != 2 || items[0].ID != second.ID || items[1].ID != first.ID {
		t.Fatalf("expected most recent first, got %+v", items)
	}

	other, err := l.List(ctx, "proj-1", "feature", "")
	if err != nil || len(other) != 0 {
		t.Fatalf("List(feature) = %v, %v", other, err)
	}
	if _, err := l.Get(ctx, "chg_missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := l.List(ctx, "proj-1", "main", "merged"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("List(bad status) error = %v, want ErrInvalidInput", err)
	}
}

func testTerminalTransitions(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	l := ledger.New(store)

	approved := propose(t, l, "/a.txt", "a")
	rejected := propose(t, l, "/b.txt", "b")

	note := "not needed"
	out, err := l.Transition(ctx, rejected.ID, ledger.StatusRejected, "owner-1", "Olive", &note, nil)
	if err != nil {
		t.Fatalf("reject error = %v", err)
	}
	if out.Status != ledger.StatusRejected || out.ReviewComment == nil || *out.ReviewComment != note {
		t.Fatalf("unexpected rejected record %+v", out)
	}

	out, err = l.Transition(ctx, approved.ID, ledger.StatusApproved, "owner-1", "Olive", nil, nil)
	if err != nil {
		t.Fatalf("approve error = %v", err)
	}
	if out.ReviewerID == nil || *out.ReviewerID != "owner-1" || out.ReviewedAt == nil || out.ReviewComment != nil {
		t.Fatalf("unexpected approved record %+v", out)
	}

	stored, err := l.Get(ctx, approved.ID)
	if err != nil || stored.Status != ledger.StatusApproved || stored.ReviewerName == nil || *stored.ReviewerName != "Olive" {
		t.Fatalf("Get() after approve = %+v, %v", stored, err)
	}

	for _, id := range []string{approved.ID, rejected.ID} {
		for _, status := range []ledger.Status{ledger.StatusApproved, ledger.StatusRejected} {
			if _, err := l.Transition(ctx, id, status, "owner-1", "Olive", nil, nil); !errors.Is(err, ledger.ErrInvalidState) {
				t.Fatalf("re-transition %s to %s error = %v, want ErrInvalidState", id, status, err)
			}
		}
	}
	if _, err := l.Transition(ctx, "chg_missing", ledger.StatusApproved, "owner-1", "Olive", nil, nil); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("transition missing error = %v, want ErrNotFound", err)
	}
	if _, err := l.Transition(ctx, approved.ID, ledger.StatusPending, "owner-1", "Olive", nil, nil); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("transition to pending error = %v, want ErrInvalidState", err)
	}

	pending, _ := l.List(ctx, "proj-1", "main", ledger.StatusPending)
	if len(pending) != 0 {
		t.Fatalf("expected no pending records, got %d", len(pending))
	}
	all, _ := l.List(ctx, "proj-1", "main", "")
	if len(all) != 2 {
		t.Fatalf("expected both records listed, got %d", len(all))
	}
}

func testApplyFailure(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	l := ledger.New(store)
	record := propose(t, l, "/a.txt", "a")

	boom := errors.New("storage offline")
	_, err := l.Transition(ctx, record.ID, ledger.StatusApproved, "owner-1", "Olive", nil, func(context.Context, ledger.ChangeRecord) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transition() error = %v, want %v", err, boom)
	}
	stored, err := l.Get(ctx, record.ID)
	if err != nil || stored.Status != ledger.StatusPending {
		t.Fatalf("record after failed apply = %+v, %v", stored, err)
	}

	var seen ledger.ChangeRecord
	if _, err := l.Transition(ctx, record.ID, ledger.StatusApproved, "owner-1", "Olive", nil, func(_ context.Context, next ledger.ChangeRecord) error {
		seen = next
		return nil
	}); err != nil {
		t.Fatalf("retry Transition() error = %v", err)
	}
	if seen.Status != ledger.StatusApproved || seen.ProposedContent != "a" {
		t.Fatalf("apply saw %+v", seen)
	}
}

func testPendingConflict(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	l := ledger.New(store)
	first := propose(t, l, "/src/a.js", "one")

	_, err := l.Create(ctx, ledger.ChangeRecord{
		ProjectID: "proj-1", BranchName: "main", FilePath: "/src/a.js",
		ChangeType: ledger.ChangeModify, ProposedContent: "two", AuthorID: "collab-2",
	})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("second pending Create() error = %v, want ErrConflict", err)
	}

	// other branches are independent
	if _, err := l.Create(ctx, ledger.ChangeRecord{
		ProjectID: "proj-1", BranchName: "feature", FilePath: "/src/a.js",
		ChangeType: ledger.ChangeModify, ProposedContent: "two", AuthorID: "collab-2",
	}); err != nil {
		t.Fatalf("Create() on other branch error = %v", err)
	}

	if _, err := l.Transition(ctx, first.ID, ledger.StatusRejected, "owner-1", "Olive", nil, nil); err != nil {
		t.Fatalf("reject error = %v", err)
	}
	propose(t, l, "/src/a.js", "three")
}

func testMultiplePending(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	l := ledger.New(store)
	propose(t, l, "/src/a.js", "one")
	propose(t, l, "/src/a.js", "two")

	items, err := l.List(ctx, "proj-1", "main", ledger.StatusPending)
	if err != nil || len(items) != 2 {
		t.Fatalf("List() = %d items, %v; want 2", len(items), err)
	}
}

func testConcurrentApprove(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	l := ledger.New(store)
	record := propose(t, l, "/race.txt", "race")

	const workers = 8
	var applied atomic.Int32
	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			status := ledger.StatusApproved
			if idx%2 == 1 {
				status = ledger.StatusRejected
			}
			_, err := l.Transition(ctx, record.ID, status, "owner-1", "Olive", nil, func(context.Context, ledger.ChangeRecord) error {
				applied.Add(1)
				return nil
			})
			if err == nil {
				wins.Add(1)
				return
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	if applied.Load() != 1 {
		t.Fatalf("expected apply to run once, ran %d times", applied.Load())
	}
	for err := range errs {
		if !errors.Is(err, ledger.ErrInvalidState) {
			t.Fatalf("loser error = %v, want ErrInvalidState", err)
		}
	}
}
