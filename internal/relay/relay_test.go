package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabhub/api/internal/registry"
)

var mainBranch = registry.BranchKey{ProjectID: "p1", Branch: "main"}

func drain(sub *Subscription) []Event {
	var events []Event
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return events
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestNotifyFanOutAndSelfExclusion(t *testing.T) {
	r := New(8)
	a := r.Subscribe(mainBranch, "a", SubscribeOptions{})
	b := r.Subscribe(mainBranch, "b", SubscribeOptions{})
	other := r.Subscribe(registry.BranchKey{ProjectID: "p1", Branch: "feature"}, "c", SubscribeOptions{})
	defer a.Close()
	defer b.Close()
	defer other.Close()

	delivered := r.Notify(mainBranch, KindEdit, "hello", From("a"))
	assert.Equal(t, 1, delivered)
	assert.Empty(t, drain(a), "origin must not receive its own edit")
	assert.Empty(t, drain(other), "other branches are independent")

	events := drain(b)
	require.Len(t, events, 1)
	assert.Equal(t, KindEdit, events[0].Kind)
	assert.Equal(t, "a", events[0].Origin)
	assert.Equal(t, "hello", events[0].Payload)

	assert.Equal(t, 2, r.Notify(mainBranch, KindChangeSubmitted, "chg_1"))
	assert.Equal(t, 0, r.Notify(registry.BranchKey{ProjectID: "nobody", Branch: "main"}, KindEdit, "x"))
}

func TestNotifyTo(t *testing.T) {
	r := New(8)
	a := r.Subscribe(mainBranch, "a", SubscribeOptions{})
	b := r.Subscribe(mainBranch, "b", SubscribeOptions{})
	c := r.Subscribe(mainBranch, "c", SubscribeOptions{})

	assert.Equal(t, 1, r.Notify(mainBranch, KindCursor, "pos", From("a"), To("a", "c")))
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
	assert.Len(t, drain(c), 1)
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	r := New(2)
	slow := r.Subscribe(mainBranch, "slow", SubscribeOptions{})
	fast := r.Subscribe(mainBranch, "fast", SubscribeOptions{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			r.Notify(mainBranch, KindEdit, i)
			drain(fast)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full subscriber")
	}

	events := drain(slow)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, uint64(3), r.Dropped())

	// after a drop the next event reveals the gap
	r.Notify(mainBranch, KindEdit, "late")
	events = drain(slow)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(6), events[0].Seq)
}

func TestAfterJoinWaitsForOwnJoinAnnouncement(t *testing.T) {
	r := New(8)
	existing := r.Subscribe(mainBranch, "old", SubscribeOptions{})
	joiner := r.Subscribe(mainBranch, "new", SubscribeOptions{AfterJoin: true})

	r.Notify(mainBranch, KindPresenceJoined, "someone else", From("third"))
	assert.Empty(t, drain(joiner), "events before the join are withheld")

	r.Notify(mainBranch, KindPresenceJoined, "new joined", From("new"))
	assert.Empty(t, drain(joiner), "the joiner never sees its own join")
	assert.Len(t, drain(existing), 2)

	r.Notify(mainBranch, KindChangeSubmitted, "chg")
	events := drain(joiner)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
}

func TestCloseAndReplace(t *testing.T) {
	r := New(4)
	first := r.Subscribe(mainBranch, "a", SubscribeOptions{})
	second := r.Subscribe(mainBranch, "a", SubscribeOptions{})

	_, ok := <-first.C
	assert.False(t, ok, "replaced subscription must be closed")

	first.Close()
	assert.Equal(t, []string{"a"}, r.Subscribers(mainBranch), "closing a replaced subscription keeps the new one")

	second.Close()
	second.Close()
	_, ok = <-second.C
	assert.False(t, ok)
	assert.Empty(t, r.Subscribers(mainBranch))
}

func TestPerSubscriberOrderUnderConcurrentNotify(t *testing.T) {
	r := New(1024)
	sub := r.Subscribe(mainBranch, "watcher", SubscribeOptions{})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Notify(mainBranch, KindCursor, i)
			}
		}()
	}
	wg.Wait()

	events := drain(sub)
	require.Len(t, events, 400)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Seq)
	}
}
