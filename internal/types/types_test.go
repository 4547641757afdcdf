package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validItem() *WorkItem {
	w := &WorkItem{
		ID:        "0d4b3f9a-6f34-4bb3-9a57-0f8f3e1f0aa1",
		Namespace: "default",
		Type:      TypeTask,
		Title:     "Fix login redirect",
	}
	w.SetDefaults()
	return w
}

func TestWorkItemValidate(t *testing.T) {
	require.NoError(t, validItem().Validate())

	t.Run("title required", func(t *testing.T) {
		w := validItem()
		w.Title = ""
		require.Error(t, w.Validate())
	})

	t.Run("title too long", func(t *testing.T) {
		w := validItem()
		w.Title = strings.Repeat("x", TitleMaxLen+1)
		err := w.Validate()
		require.Error(t, err)
		assert.Equal(t, CodeValidation, CodeOf(err))
	})

	t.Run("description boundary", func(t *testing.T) {
		w := validItem()
		w.Description = strings.Repeat("d", DescriptionMaxLen)
		require.NoError(t, w.Validate())
		w.Description += "d"
		err := w.Validate()
		require.Error(t, err)
		assert.Equal(t, CodeValidation, CodeOf(err))
	})

	t.Run("bad type", func(t *testing.T) {
		w := validItem()
		w.Type = "milestone"
		require.Error(t, w.Validate())
	})

	t.Run("bad status", func(t *testing.T) {
		w := validItem()
		w.Status = "paused"
		require.Error(t, w.Validate())
	})

	t.Run("too many acceptance criteria", func(t *testing.T) {
		w := validItem()
		for i := 0; i <= AcceptanceCriteriaMax; i++ {
			w.AcceptanceCriteria = append(w.AcceptanceCriteria, "criterion")
		}
		require.Error(t, w.Validate())
	})
}

func TestSetDefaults(t *testing.T) {
	w := &WorkItem{ID: "id", Namespace: "default", Type: TypeTask, Title: "t"}
	w.SetDefaults()
	assert.Equal(t, StatusNotStarted, w.Status)
	assert.Equal(t, PriorityMedium, w.Priority)
}

func TestSearchText(t *testing.T) {
	w := validItem()
	w.Description = "users bounce back to /login"
	assert.Equal(t, "Fix login redirect users bounce back to /login", w.SearchText())
}

func TestArchitectureItemValidate(t *testing.T) {
	item := &ArchitectureItem{
		ID:        "a1",
		Namespace: "default",
		Slug:      "auth-service",
		Title:     "Auth service",
	}
	require.NoError(t, item.Validate())

	t.Run("slug format", func(t *testing.T) {
		bad := *item
		bad.Slug = "Auth Service"
		require.Error(t, bad.Validate())
	})

	t.Run("slug length", func(t *testing.T) {
		bad := *item
		bad.Slug = strings.Repeat("a", SlugMaxLen+1)
		require.Error(t, bad.Validate())
	})

	t.Run("children limit", func(t *testing.T) {
		bad := *item
		for i := 0; i <= ChildrenSlugsMax; i++ {
			bad.ChildrenSlugs = append(bad.ChildrenSlugs, "c")
		}
		require.Error(t, bad.Validate())
	})
}

func TestTroubleshootSuccessRate(t *testing.T) {
	item := &TroubleshootItem{UsageCount: 0, SuccessCount: 0}
	assert.Zero(t, item.SuccessRate())

	item.UsageCount = 4
	item.SuccessCount = 3
	assert.InDelta(t, 0.75, item.SuccessRate(), 1e-9)
}

func TestTroubleshootCounterInvariant(t *testing.T) {
	item := &TroubleshootItem{
		ID:           "t1",
		Namespace:    "default",
		Slug:         "cors-preflight",
		Title:        "CORS preflight failures",
		UsageCount:   1,
		SuccessCount: 2,
	}
	require.Error(t, item.Validate())
}

func TestItemFilterMatches(t *testing.T) {
	w := validItem()
	w.Status = StatusInProgress
	w.ContextTags = []string{"backend", "auth"}

	inProgress := StatusInProgress
	blocked := StatusBlocked
	task := TypeTask

	assert.True(t, (*ItemFilter)(nil).Matches(w))
	assert.True(t, (&ItemFilter{Status: &inProgress}).Matches(w))
	assert.False(t, (&ItemFilter{Status: &blocked}).Matches(w))
	assert.True(t, (&ItemFilter{Type: &task}).Matches(w))
	assert.True(t, (&ItemFilter{Tags: []string{"auth"}}).Matches(w))
	assert.False(t, (&ItemFilter{Tags: []string{"frontend"}}).Matches(w))
}

func TestErrorCodes(t *testing.T) {
	err := NotFound("work item %s not found", "x")
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.True(t, Is(err, CodeNotFound))
	assert.False(t, Is(err, CodeValidation))

	wrapped := Wrap(CodeTimeout, err, "deadline hit")
	assert.Equal(t, CodeTimeout, CodeOf(wrapped))
}
