package notify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubscribeAndReceive(t *testing.T) {
	n := New(zap.NewNop())
	sub := n.Subscribe("s1", "default")

	n.WorkItemUpdate("default", []string{"a", "b"})

	ev := <-sub.Events()
	assert.Equal(t, MethodWorkItemUpdate, ev.Method)
	assert.Equal(t, "default", ev.Params.Namespace)
	assert.Equal(t, []string{"a", "b"}, ev.Params.ChangedIDs)
	assert.False(t, sub.NeedsResync())
}

func TestNamespaceRouting(t *testing.T) {
	n := New(zap.NewNop())
	a := n.Subscribe("s1", "team-a")
	b := n.Subscribe("s2", "team-b")

	n.WorkItemUpdate("team-a", []string{"x"})

	ev := <-a.Events()
	assert.Equal(t, "team-a", ev.Params.Namespace)
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event for team-b: %+v", ev)
	default:
	}
}

func TestEmptyChangeSetIsNotEmitted(t *testing.T) {
	n := New(zap.NewNop())
	sub := n.Subscribe("s1", "default")

	n.WorkItemUpdate("default", nil)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestPerNamespaceOrdering(t *testing.T) {
	n := New(zap.NewNop())
	sub := n.Subscribe("s1", "default")

	for i := 0; i < 10; i++ {
		n.WorkItemUpdate("default", []string{fmt.Sprintf("id-%d", i)})
	}
	for i := 0; i < 10; i++ {
		ev := <-sub.Events()
		assert.Equal(t, []string{fmt.Sprintf("id-%d", i)}, ev.Params.ChangedIDs)
	}
}

func TestSlowConsumerDropsOldestAndFlagsResync(t *testing.T) {
	n := New(zap.NewNop())
	sub := n.Subscribe("s1", "default")

	for i := 0; i < BufferSize+3; i++ {
		n.WorkItemUpdate("default", []string{fmt.Sprintf("id-%d", i)})
	}

	// The three oldest events were dropped to admit the newest.
	ev := <-sub.Events()
	assert.Equal(t, []string{"id-3"}, ev.Params.ChangedIDs)
	assert.True(t, sub.NeedsResync())
	assert.False(t, sub.NeedsResync(), "flag clears on read")

	// Drain: the newest event is still present.
	var last Event
	for i := 0; i < BufferSize-1; i++ {
		last = <-sub.Events()
	}
	assert.Equal(t, []string{fmt.Sprintf("id-%d", BufferSize+2)}, last.Params.ChangedIDs)
}

func TestResubscribeReplacesFeed(t *testing.T) {
	n := New(zap.NewNop())
	old := n.Subscribe("s1", "default")
	fresh := n.Subscribe("s1", "default")

	_, ok := <-old.Events()
	assert.False(t, ok, "old feed is closed")

	n.WorkItemUpdate("default", []string{"x"})
	ev := <-fresh.Events()
	assert.Equal(t, []string{"x"}, ev.Params.ChangedIDs)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	n := New(zap.NewNop())
	sub := n.Subscribe("s1", "default")
	n.Unsubscribe("s1")
	n.Unsubscribe("s1")

	_, ok := <-sub.Events()
	require.False(t, ok)

	// Emitting after unsubscribe is a no-op.
	n.WorkItemUpdate("default", []string{"x"})
}
