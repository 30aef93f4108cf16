// Package liveedit relays unsaved keystrokes and cursor positions between
// sessions looking at the same file. Nothing here is stored: the last edit
// a viewer received is the only copy, and storage only changes through the
// review gate.
package liveedit

import (
	"fmt"

	"collabhub/api/internal/filestore"
	"collabhub/api/internal/registry"
	"collabhub/api/internal/relay"
)

type Sessions interface {
	SetActiveFile(sessionID, filePath string) (registry.Session, error)
	SetCursor(sessionID string, cursor registry.Cursor) (registry.Session, error)
	Viewers(sessionID, filePath string) (registry.Session, []registry.Session, error)
}

type Notifier interface {
	Notify(key registry.BranchKey, kind relay.EventKind, payload any, opts ...relay.Option) int
}

type EditEvent struct {
	ProjectID           string           `json:"projectId"`
	BranchName          string           `json:"branchName"`
	FilePath            string           `json:"filePath"`
	Content             string           `json:"content"`
	OriginParticipantID string           `json:"originParticipantId"`
	OriginSessionID     string           `json:"originSessionId"`
	DisplayName         string           `json:"displayName"`
	Cursor              *registry.Cursor `json:"cursorPosition,omitempty"`
}

type CursorEvent struct {
	ProjectID     string          `json:"projectId"`
	BranchName    string          `json:"branchName"`
	FilePath      string          `json:"filePath"`
	Position      registry.Cursor `json:"position"`
	ParticipantID string          `json:"participantId"`
	SessionID     string          `json:"sessionId"`
	DisplayName   string          `json:"displayName"`
}

type Channel struct {
	sessions Sessions
	notifier Notifier
}

func New(sessions Sessions, notifier Notifier) *Channel {
	return &Channel{sessions: sessions, notifier: notifier}
}

// Open switches the file a session is viewing. Edits on other files stop
// reaching it from this point on.
func (c *Channel) Open(sessionID, filePath string) (registry.Session, error) {
	cleaned, err := filestore.CleanPath(filePath)
	if err != nil {
		return registry.Session{}, err
	}
	return c.sessions.SetActiveFile(sessionID, cleaned)
}

// PublishEdit sends content to every other session of the origin's branch
// that has filePath open. It returns the number of sessions reached.
func (c *Channel) PublishEdit(sessionID, filePath, content string, cursor *registry.Cursor) (int, error) {
	cleaned, err := filestore.CleanPath(filePath)
	if err != nil {
		return 0, err
	}
	if cursor != nil {
		if err := validCursor(*cursor); err != nil {
			return 0, err
		}
		if _, err := c.sessions.SetCursor(sessionID, *cursor); err != nil {
			return 0, err
		}
	}
	origin, viewers, err := c.sessions.Viewers(sessionID, cleaned)
	if err != nil {
		return 0, err
	}
	if len(viewers) == 0 {
		return 0, nil
	}
	event := EditEvent{
		ProjectID:           origin.ProjectID,
		BranchName:          origin.BranchName,
		FilePath:            cleaned,
		Content:             content,
		OriginParticipantID: origin.ParticipantID,
		OriginSessionID:     origin.ID,
		DisplayName:         origin.DisplayName,
	}
	if cursor != nil {
		position := *cursor
		event.Cursor = &position
	}
	return c.notifier.Notify(origin.Key(), relay.KindEdit, event, relay.From(origin.ID), relay.To(sessionIDs(viewers)...)), nil
}

// PublishCursor relays only the position, tagged with the origin's display
// name, to the sessions viewing filePath.
func (c *Channel) PublishCursor(sessionID, filePath string, position registry.Cursor) (int, error) {
	cleaned, err := filestore.CleanPath(filePath)
	if err != nil {
		return 0, err
	}
	if err := validCursor(position); err != nil {
		return 0, err
	}
	if _, err := c.sessions.SetCursor(sessionID, position); err != nil {
		return 0, err
	}
	origin, viewers, err := c.sessions.Viewers(sessionID, cleaned)
	if err != nil {
		return 0, err
	}
	if len(viewers) == 0 {
		return 0, nil
	}
	event := CursorEvent{
		ProjectID:     origin.ProjectID,
		BranchName:    origin.BranchName,
		FilePath:      cleaned,
		Position:      position,
		ParticipantID: origin.ParticipantID,
		SessionID:     origin.ID,
		DisplayName:   origin.DisplayName,
	}
	return c.notifier.Notify(origin.Key(), relay.KindCursor, event, relay.From(origin.ID), relay.To(sessionIDs(viewers)...)), nil
}

func validCursor(cursor registry.Cursor) error {
	if cursor.LineNumber < 0 || cursor.Column < 0 {
		return fmt.Errorf("%w: negative cursor position", registry.ErrInvalidInput)
	}
	return nil
}

func sessionIDs(sessions []registry.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	return ids
}
