package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidInput = errors.New("invalid session request")
)

// BranchKey names one presence topic.
type BranchKey struct {
	ProjectID string `json:"projectId"`
	Branch    string `json:"branch"`
}

func (k BranchKey) String() string {
	return k.ProjectID + "@" + k.Branch
}

type Participant struct {
	ID          string `json:"participantId"`
	DisplayName string `json:"displayName"`
}

type Cursor struct {
	LineNumber int `json:"lineNumber"`
	Column     int `json:"column"`
}

// Session is one participant's live connection state on a branch.
type Session struct {
	ID              string    `json:"sessionId"`
	ParticipantID   string    `json:"participantId"`
	DisplayName     string    `json:"displayName"`
	ProjectID       string    `json:"projectId"`
	BranchName      string    `json:"branchName"`
	ActiveFilePath  string    `json:"activeFilePath,omitempty"`
	LastKnownCursor *Cursor   `json:"lastKnownCursor,omitempty"`
	JoinedAt        time.Time `json:"joinedAt"`
}

func (s Session) Key() BranchKey {
	return BranchKey{ProjectID: s.ProjectID, Branch: s.BranchName}
}

type ChangeKind string

const (
	ChangeJoined      ChangeKind = "joined"
	ChangeLeft        ChangeKind = "left"
	ChangeFileOpened  ChangeKind = "file-opened"
	ChangeCursorMoved ChangeKind = "cursor-moved"
)

// Change describes one registry mutation. Roster is the branch membership
// right after the mutation, in join order.
type Change struct {
	Kind    ChangeKind
	Session Session
	Roster  []Session
}

// Observer is told about every mutation. Calls for one branch never overlap
// and arrive in mutation order, so an observer that forwards synchronously
// preserves that order. Observers must not call back into the Registry.
type Observer interface {
	Observe(change Change)
}

type ObserverFunc func(change Change)

func (f ObserverFunc) Observe(change Change) { f(change) }

type branchState struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

func (b *branchState) roster() []Session {
	items := make([]Session, 0, len(b.order))
	for _, id := range b.order {
		items = append(items, copySession(b.sessions[id]))
	}
	return items
}

// Registry tracks live sessions per branch. The top-level lock only guards the
// branch and session indexes; session state is guarded per branch.
type Registry struct {
	mu       sync.RWMutex
	branches map[BranchKey]*branchState
	index    map[string]BranchKey
	observer Observer
	now      func() time.Time
}

func New(observer Observer) *Registry {
	if observer == nil {
		observer = ObserverFunc(func(Change) {})
	}
	return &Registry{
		branches: map[BranchKey]*branchState{},
		index:    map[string]BranchKey{},
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Join(participant Participant, projectID, branch string) (Session, error) {
	session, _, err := r.JoinAs(uuid.NewString(), participant, projectID, branch)
	return session, err
}

// JoinAs admits a session under a caller-chosen id and returns the branch
// roster as of the join, in join order.
func (r *Registry) JoinAs(sessionID string, participant Participant, projectID, branch string) (Session, []Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	participant.ID = strings.TrimSpace(participant.ID)
	projectID = strings.TrimSpace(projectID)
	branch = strings.TrimSpace(branch)
	if sessionID == "" || participant.ID == "" || projectID == "" || branch == "" {
		return Session{}, nil, fmt.Errorf("%w: participant, project and branch are required", ErrInvalidInput)
	}
	if strings.TrimSpace(participant.DisplayName) == "" {
		participant.DisplayName = participant.ID
	}

	session := &Session{
		ID:            sessionID,
		ParticipantID: participant.ID,
		DisplayName:   participant.DisplayName,
		ProjectID:     projectID,
		BranchName:    branch,
	}
	key := session.Key()

	r.mu.Lock()
	if _, taken := r.index[sessionID]; taken {
		r.mu.Unlock()
		return Session{}, nil, fmt.Errorf("%w: session %s already joined", ErrInvalidInput, sessionID)
	}
	state, ok := r.branches[key]
	if !ok {
		state = &branchState{sessions: map[string]*Session{}}
		r.branches[key] = state
	}
	r.index[sessionID] = key
	state.mu.Lock()
	r.mu.Unlock()
	defer state.mu.Unlock()

	session.JoinedAt = r.now()
	state.sessions[sessionID] = session
	state.order = append(state.order, sessionID)
	roster := state.roster()
	r.observer.Observe(Change{Kind: ChangeJoined, Session: copySession(session), Roster: roster})
	return copySession(session), state.roster(), nil
}

// Leave removes a session. Leaving an unknown or already removed session is a
// no-op and reports false.
func (r *Registry) Leave(sessionID string) (Session, bool) {
	r.mu.Lock()
	key, ok := r.index[sessionID]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	state := r.branches[key]
	delete(r.index, sessionID)
	state.mu.Lock()
	r.mu.Unlock()

	session := state.sessions[sessionID]
	delete(state.sessions, sessionID)
	for i, id := range state.order {
		if id == sessionID {
			state.order = append(state.order[:i], state.order[i+1:]...)
			break
		}
	}
	empty := len(state.order) == 0
	r.observer.Observe(Change{Kind: ChangeLeft, Session: copySession(session), Roster: state.roster()})
	state.mu.Unlock()

	if empty {
		r.dropIfEmpty(key, state)
	}
	return copySession(session), true
}

// dropIfEmpty forgets a branch whose last session left, unless a join has
// reused it since.
func (r *Registry) dropIfEmpty(key BranchKey, state *branchState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.branches[key] != state {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.order) == 0 {
		delete(r.branches, key)
	}
}

// SetActiveFile records the file a session has open. An empty path closes it.
func (r *Registry) SetActiveFile(sessionID, filePath string) (Session, error) {
	return r.update(sessionID, ChangeFileOpened, func(session *Session) {
		session.ActiveFilePath = filePath
	})
}

func (r *Registry) SetCursor(sessionID string, cursor Cursor) (Session, error) {
	return r.update(sessionID, ChangeCursorMoved, func(session *Session) {
		position := cursor
		session.LastKnownCursor = &position
	})
}

func (r *Registry) update(sessionID string, kind ChangeKind, mutate func(*Session)) (Session, error) {
	state, err := r.lockBranchOf(sessionID)
	if err != nil {
		return Session{}, err
	}
	defer state.mu.Unlock()

	session, ok := state.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	mutate(session)
	snapshot := copySession(session)
	r.observer.Observe(Change{Kind: kind, Session: snapshot, Roster: state.roster()})
	return snapshot, nil
}

func (r *Registry) Get(sessionID string) (Session, error) {
	state, err := r.lockBranchOf(sessionID)
	if err != nil {
		return Session{}, err
	}
	defer state.mu.Unlock()

	session, ok := state.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return copySession(session), nil
}

// ListActive returns the sessions joined to a branch in join order.
func (r *Registry) ListActive(projectID, branch string) []Session {
	r.mu.RLock()
	state, ok := r.branches[BranchKey{ProjectID: projectID, Branch: branch}]
	if !ok {
		r.mu.RUnlock()
		return []Session{}
	}
	state.mu.Lock()
	r.mu.RUnlock()
	defer state.mu.Unlock()
	return state.roster()
}

// Viewers returns the origin session and every other session on the same
// branch with filePath open, read from one snapshot.
func (r *Registry) Viewers(sessionID, filePath string) (Session, []Session, error) {
	state, err := r.lockBranchOf(sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	defer state.mu.Unlock()

	origin, ok := state.sessions[sessionID]
	if !ok {
		return Session{}, nil, ErrNotFound
	}
	viewers := make([]Session, 0)
	for _, id := range state.order {
		if id == sessionID {
			continue
		}
		if peer := state.sessions[id]; peer.ActiveFilePath == filePath {
			viewers = append(viewers, copySession(peer))
		}
	}
	return copySession(origin), viewers, nil
}

// Count reports the number of live sessions across every branch.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// lockBranchOf returns the branch state holding sessionID with its lock held.
func (r *Registry) lockBranchOf(sessionID string) (*branchState, error) {
	r.mu.RLock()
	key, ok := r.index[sessionID]
	if !ok {
		r.mu.RUnlock()
		return nil, ErrNotFound
	}
	state := r.branches[key]
	state.mu.Lock()
	r.mu.RUnlock()
	return state, nil
}

func copySession(session *Session) Session {
	out := *session
	if session.LastKnownCursor != nil {
		cursor := *session.LastKnownCursor
		out.LastKnownCursor = &cursor
	}
	return out
}
