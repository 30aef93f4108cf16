package registry

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) Observe(change Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func ids(sessions []Session) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ID)
	}
	return out
}

func TestJoinListLeave(t *testing.T) {
	rec := &recorder{}
	reg := New(rec)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	reg.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	owner, err := reg.Join(Participant{ID: "owner", DisplayName: "Olive"}, "p1", "main")
	if err != nil {
		t.Fatalf("Join(owner) error = %v", err)
	}
	collab, err := reg.Join(Participant{ID: "collab", DisplayName: "Casey"}, "p1", "main")
	if err != nil {
		t.Fatalf("Join(collab) error = %v", err)
	}
	if _, err := reg.Join(Participant{ID: "other", DisplayName: "Oz"}, "p1", "feature"); err != nil {
		t.Fatalf("Join(other branch) error = %v", err)
	}

	active := reg.ListActive("p1", "main")
	if got := ids(active); len(got) != 2 || got[0] != owner.ID || got[1] != collab.ID {
		t.Fatalf("ListActive() = %v, want join order", got)
	}
	if !active[0].JoinedAt.Before(active[1].JoinedAt) {
		t.Fatalf("expected ascending join times: %v", active)
	}

	if _, ok := reg.Leave(owner.ID); !ok {
		t.Fatal("Leave(owner) reported unknown session")
	}
	if _, ok := reg.Leave(owner.ID); ok {
		t.Fatal("second Leave(owner) should be a no-op")
	}
	if got := ids(reg.ListActive("p1", "main")); len(got) != 1 || got[0] != collab.ID {
		t.Fatalf("ListActive() after leave = %v", got)
	}
	if reg.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", reg.Count())
	}

	changes := rec.snapshot()
	if len(changes) != 4 {
		t.Fatalf("expected 4 observed changes, got %d", len(changes))
	}
	if changes[1].Kind != ChangeJoined || len(changes[1].Roster) != 2 {
		t.Fatalf("unexpected join change %+v", changes[1])
	}
	left := changes[3]
	if left.Kind != ChangeLeft || left.Session.ID != owner.ID || len(left.Roster) != 1 || left.Roster[0].ID != collab.ID {
		t.Fatalf("unexpected leave change %+v", left)
	}
}

func TestUnknownSession(t *testing.T) {
	reg := New(nil)
	if _, err := reg.SetActiveFile("missing", "/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetActiveFile() error = %v", err)
	}
	if _, err := reg.SetCursor("missing", Cursor{LineNumber: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetCursor() error = %v", err)
	}
	if _, err := reg.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v", err)
	}
	if _, _, err := reg.Viewers("missing", "/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Viewers() error = %v", err)
	}
	if _, err := reg.Join(Participant{ID: "u"}, "", "main"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Join() without project error = %v", err)
	}
}

func TestUpdatesAndViewers(t *testing.T) {
	rec := &recorder{}
	reg := New(rec)
	a, _ := reg.Join(Participant{ID: "a", DisplayName: "Ann"}, "p1", "main")
	b, _ := reg.Join(Participant{ID: "b", DisplayName: "Bo"}, "p1", "main")
	c, _ := reg.Join(Participant{ID: "c", DisplayName: "Cy"}, "p1", "main")

	for _, id := range []string{a.ID, b.ID} {
		if _, err := reg.SetActiveFile(id, "/f.txt"); err != nil {
			t.Fatalf("SetActiveFile() error = %v", err)
		}
	}
	if _, err := reg.SetActiveFile(c.ID, "/other.txt"); err != nil {
		t.Fatalf("SetActiveFile() error = %v", err)
	}
	updated, err := reg.SetCursor(a.ID, Cursor{LineNumber: 3, Column: 7})
	if err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	if updated.LastKnownCursor == nil || updated.LastKnownCursor.LineNumber != 3 {
		t.Fatalf("cursor not stored: %+v", updated)
	}

	origin, viewers, err := reg.Viewers(a.ID, "/f.txt")
	if err != nil {
		t.Fatalf("Viewers() error = %v", err)
	}
	if origin.ID != a.ID || len(viewers) != 1 || viewers[0].ID != b.ID {
		t.Fatalf("Viewers() = %v, %v", origin, ids(viewers))
	}

	// snapshots are copies
	updated.LastKnownCursor.LineNumber = 99
	stored, _ := reg.Get(a.ID)
	if stored.LastKnownCursor.LineNumber != 3 {
		t.Fatal("caller mutated registry state through a snapshot")
	}

	last := rec.snapshot()
	if kind := last[len(last)-1].Kind; kind != ChangeCursorMoved {
		t.Fatalf("last change kind = %q", kind)
	}
}

func TestRejoinAfterBranchEmpties(t *testing.T) {
	rec := &recorder{}
	reg := New(rec)
	first, _ := reg.Join(Participant{ID: "a"}, "p1", "main")
	reg.Leave(first.ID)
	second, _ := reg.Join(Participant{ID: "a"}, "p1", "main")

	if second.ID == first.ID {
		t.Fatal("expected a fresh session id")
	}
	if got := ids(reg.ListActive("p1", "main")); len(got) != 1 || got[0] != second.ID {
		t.Fatalf("ListActive() = %v", got)
	}
	changes := rec.snapshot()
	if changes[1].Kind != ChangeLeft || len(changes[1].Roster) != 0 {
		t.Fatalf("expected empty roster on last leave, got %+v", changes[1])
	}
	if changes[0].Session.DisplayName != "a" {
		t.Fatalf("display name should default to participant id, got %q", changes[0].Session.DisplayName)
	}
}

func TestLastLeaveDoesNotBlockOtherBranches(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	reg := New(ObserverFunc(func(change Change) {
		if change.Kind == ChangeLeft && change.Session.ProjectID == "p1" {
			once.Do(func() { close(entered) })
			<-release
		}
	}))
	first, _ := reg.Join(Participant{ID: "a"}, "p1", "main")

	left := make(chan struct{})
	go func() {
		reg.Leave(first.ID)
		close(left)
	}()
	<-entered

	joined := make(chan error, 1)
	go func() {
		_, err := reg.Join(Participant{ID: "b"}, "p2", "main")
		joined <- err
	}()
	select {
	case err := <-joined:
		if err != nil {
			t.Fatalf("Join() error = %v", err)
		}
	case <-time.After(time.Second):
		close(release)
		t.Fatal("join on another branch waited for a slow observer")
	}

	sameBranch := make(chan Session, 1)
	go func() {
		session, _ := reg.Join(Participant{ID: "c"}, "p1", "main")
		sameBranch <- session
	}()
	close(release)
	<-left
	rejoined := <-sameBranch

	if got := ids(reg.ListActive("p1", "main")); len(got) != 1 || got[0] != rejoined.ID {
		t.Fatalf("ListActive() = %v, want [%s]", got, rejoined.ID)
	}
	reg.Leave(rejoined.ID)
	reg.mu.RLock()
	_, kept := reg.branches[BranchKey{ProjectID: "p1", Branch: "main"}]
	reg.mu.RUnlock()
	if kept {
		t.Fatal("empty branch state was not dropped")
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	// observer calls for one branch must never overlap
	type branchLog struct {
		inFlight int
	}
	var mu sync.Mutex
	logs := map[BranchKey]*branchLog{}
	overlap := false
	reg := New(ObserverFunc(func(change Change) {
		key := change.Session.Key()
		mu.Lock()
		entry, ok := logs[key]
		if !ok {
			entry = &branchLog{}
			logs[key] = entry
		}
		entry.inFlight++
		if entry.inFlight > 1 {
			overlap = true
		}
		mu.Unlock()
		runtime.Gosched()
		mu.Lock()
		entry.inFlight--
		mu.Unlock()
	}))

	const branches = 4
	const perBranch = 25
	var wg sync.WaitGroup
	keep := make(chan string, branches*perBranch)
	for b := 0; b < branches; b++ {
		for i := 0; i < perBranch; i++ {
			wg.Add(1)
			go func(b, i int) {
				defer wg.Done()
				session, err := reg.Join(Participant{ID: fmt.Sprintf("u-%d-%d", b, i)}, "p1", fmt.Sprintf("branch-%d", b))
				if err != nil {
					t.Errorf("Join() error = %v", err)
					return
				}
				_, _ = reg.SetActiveFile(session.ID, "/f.txt")
				if i%2 == 0 {
					reg.Leave(session.ID)
					reg.Leave(session.ID)
					return
				}
				keep <- session.ID
			}(b, i)
		}
	}
	wg.Wait()
	close(keep)

	remaining := map[string]bool{}
	for id := range keep {
		remaining[id] = true
	}
	total := 0
	for b := 0; b < branches; b++ {
		active := reg.ListActive("p1", fmt.Sprintf("branch-%d", b))
		for i := 1; i < len(active); i++ {
			if active[i].JoinedAt.Before(active[i-1].JoinedAt) {
				t.Fatalf("branch-%d roster not in join order", b)
			}
		}
		for _, s := range active {
			if !remaining[s.ID] {
				t.Fatalf("ghost session %s in branch-%d", s.ID, b)
			}
		}
		total += len(active)
	}
	if total != len(remaining) || reg.Count() != len(remaining) {
		t.Fatalf("expected %d live sessions, listed %d, counted %d", len(remaining), total, reg.Count())
	}

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Fatal("observer calls overlapped within a branch")
	}
}

func TestJoinAsReturnsRosterAndRejectsDuplicates(t *testing.T) {
	reg := New(nil)
	if _, err := reg.Join(Participant{ID: "a"}, "p1", "main"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	session, roster, err := reg.JoinAs("fixed-id", Participant{ID: "b", DisplayName: "Bo"}, "p1", "main")
	if err != nil {
		t.Fatalf("JoinAs() error = %v", err)
	}
	if session.ID != "fixed-id" || len(roster) != 2 || roster[1].ID != "fixed-id" {
		t.Fatalf("JoinAs() = %+v, roster %v", session, ids(roster))
	}
	if _, _, err := reg.JoinAs("fixed-id", Participant{ID: "c"}, "p1", "feature"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("duplicate JoinAs() error = %v", err)
	}
}
