package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"collabhub/api/internal/auth"
)

func TestMemoryTickets(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	tickets := NewTickets(store, time.Minute)
	tickets.now = func() time.Time { return now }
	ctx := context.Background()

	ticket, expiresAt, err := tickets.Issue(ctx, auth.Identity{ParticipantID: "user-1", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !expiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expiresAt = %v", expiresAt)
	}
	identity, err := tickets.Redeem(ctx, ticket)
	if err != nil || identity.ParticipantID != "user-1" {
		t.Fatalf("Redeem() = %+v, %v", identity, err)
	}
	if _, err := tickets.Redeem(ctx, ticket); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("reuse error = %v", err)
	}

	expired, _, _ := tickets.Issue(ctx, auth.Identity{ParticipantID: "user-1"})
	now = now.Add(2 * time.Minute)
	if _, err := tickets.Redeem(ctx, expired); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expired error = %v", err)
	}
}

func TestIssueRequiresParticipant(t *testing.T) {
	tickets := NewTickets(NewMemoryStore(), time.Minute)
	if _, _, err := tickets.Issue(context.Background(), auth.Identity{}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := tickets.Redeem(context.Background(), " "); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("Redeem(blank) error = %v", err)
	}
}
