package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestParseChangeType(t *testing.T) {
	cases := map[string]ChangeType{
		"":        ChangeModify,
		"modify":  ChangeModify,
		"CREATE":  ChangeCreate,
		" delete": ChangeDelete,
		"rename":  ChangeRename,
	}
	for raw, want := range cases {
		got, err := ParseChangeType(raw)
		if err != nil || got != want {
			t.Fatalf("ParseChangeType(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseChangeType("move"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateValidatesAndResetsReviewFields(t *testing.T) {
	l := New(NewMemoryStore(false))
	ctx := context.Background()

	if _, err := l.Create(ctx, ChangeRecord{ProjectID: "p", BranchName: "main", FilePath: "/a"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Create() without author error = %v", err)
	}

	reviewer := "someone"
	record, err := l.Create(ctx, ChangeRecord{
		ProjectID: "p", BranchName: "main", FilePath: "/a", AuthorID: "u",
		Status: StatusApproved, ReviewerID: &reviewer,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if record.Status != StatusPending || record.ReviewerID != nil || record.ID == "" || record.CreatedAt.IsZero() {
		t.Fatalf("unexpected created record %+v", record)
	}
	if record.ChangeType != ChangeModify {
		t.Fatalf("unexpected change type %q", record.ChangeType)
	}
}

func TestTransitionDropsBlankComment(t *testing.T) {
	l := New(NewMemoryStore(false))
	ctx := context.Background()
	record, err := l.Create(ctx, ChangeRecord{ProjectID: "p", BranchName: "main", FilePath: "/a", AuthorID: "u", ChangeType: ChangeModify})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	blank := "   "
	out, err := l.Transition(ctx, record.ID, StatusRejected, "o", "Owner", &blank, nil)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if out.ReviewComment != nil {
		t.Fatalf("expected nil comment, got %q", *out.ReviewComment)
	}
}
