// Package presence turns registry membership changes into relay events.
package presence

import (
	"collabhub/api/internal/registry"
	"collabhub/api/internal/relay"
)

type EventType string

const (
	TypeJoined     EventType = "joined"
	TypeLeft       EventType = "left"
	TypeFileOpened EventType = "file-opened"
)

// Event is the payload of every presence notification. ActiveRoster is the
// branch membership at the moment the event was emitted.
type Event struct {
	Type         EventType          `json:"type"`
	Participant  registry.Session   `json:"participant"`
	ActiveRoster []registry.Session `json:"activeRoster"`
}

type Notifier interface {
	Notify(key registry.BranchKey, kind relay.EventKind, payload any, opts ...relay.Option) int
}

// Broadcaster is a registry.Observer. It forwards synchronously so the
// registry's per-branch ordering carries through to every subscriber.
type Broadcaster struct {
	notifier Notifier
}

var _ registry.Observer = (*Broadcaster)(nil)

func NewBroadcaster(notifier Notifier) *Broadcaster {
	return &Broadcaster{notifier: notifier}
}

func (b *Broadcaster) Observe(change registry.Change) {
	var (
		kind      relay.EventKind
		eventType EventType
	)
	switch change.Kind {
	case registry.ChangeJoined:
		kind, eventType = relay.KindPresenceJoined, TypeJoined
	case registry.ChangeLeft:
		kind, eventType = relay.KindPresenceLeft, TypeLeft
	case registry.ChangeFileOpened:
		kind, eventType = relay.KindPresenceUpdated, TypeFileOpened
	default:
		// cursor moves are relayed by the live edit channel
		return
	}
	roster := change.Roster
	if roster == nil {
		roster = []registry.Session{}
	}
	b.notifier.Notify(change.Session.Key(), kind, Event{
		Type:         eventType,
		Participant:  change.Session,
		ActiveRoster: roster,
	}, relay.From(change.Session.ID))
}
