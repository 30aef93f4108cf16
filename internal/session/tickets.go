// Package session issues single-use connect tickets. A client trades its
// bearer token for a ticket over HTTP, then opens the websocket with the
// ticket, so identity is resolved once per connection and the token never
// appears in a URL.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"collabhub/api/internal/auth"
	"collabhub/api/internal/util"
)

var ErrTicketNotFound = errors.New("ticket not found or expired")

// TicketData is what a ticket resolves to.
type TicketData struct {
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store keeps tickets by hash. Take must remove the ticket it returns.
type Store interface {
	Save(ctx context.Context, ticketHash string, data TicketData, expiresAt time.Time) error
	Take(ctx context.Context, ticketHash string) (TicketData, error)
	Ping(ctx context.Context) error
}

type Tickets struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewTickets(store Store, ttl time.Duration) *Tickets {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Tickets{store: store, ttl: ttl, now: time.Now}
}

func (t *Tickets) Issue(ctx context.Context, identity auth.Identity) (string, time.Time, error) {
	if strings.TrimSpace(identity.ParticipantID) == "" {
		return "", time.Time{}, auth.ErrInvalidToken
	}
	ticket := util.NewToken("tkt", 24)
	now := t.now()
	expiresAt := now.Add(t.ttl)
	data := TicketData{
		ParticipantID: identity.ParticipantID,
		DisplayName:   identity.DisplayName,
		CreatedAt:     now.UTC(),
	}
	if err := t.store.Save(ctx, auth.HashToken(ticket), data, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return ticket, expiresAt, nil
}

// Redeem consumes the ticket. A second redeem of the same ticket fails.
func (t *Tickets) Redeem(ctx context.Context, ticket string) (auth.Identity, error) {
	ticket = strings.TrimSpace(ticket)
	if ticket == "" {
		return auth.Identity{}, ErrTicketNotFound
	}
	data, err := t.store.Take(ctx, auth.HashToken(ticket))
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{ParticipantID: data.ParticipantID, DisplayName: data.DisplayName}, nil
}

func (t *Tickets) Ping(ctx context.Context) error {
	return t.store.Ping(ctx)
}

// MemoryStore keeps tickets in process memory; used when no Redis is configured.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	tickets map[string]memoryTicket
}

type memoryTicket struct {
	data      TicketData
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, tickets: map[string]memoryTicket{}}
}

func (m *MemoryStore) Save(_ context.Context, ticketHash string, data TicketData, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for hash, ticket := range m.tickets {
		if !ticket.expiresAt.After(now) {
			delete(m.tickets, hash)
		}
	}
	m.tickets[ticketHash] = memoryTicket{data: data, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) Take(_ context.Context, ticketHash string) (TicketData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[ticketHash]
	if !ok {
		return TicketData{}, ErrTicketNotFound
	}
	delete(m.tickets, ticketHash)
	if !ticket.expiresAt.After(m.now()) {
		return TicketData{}, ErrTicketNotFound
	}
	return ticket.data, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)

func expiryTTL(expiresAt time.Time) (time.Duration, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0, fmt.Errorf("ticket already expired at %s", expiresAt.Format(time.RFC3339))
	}
	return ttl, nil
}
