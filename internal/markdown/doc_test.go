package markdown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/types"
)

func TestWorkItemDocRoundTrip(t *testing.T) {
	stamp := time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)
	item := &types.WorkItem{
		ID:                 "0d4b3f9a-6f34-4bb3-9a57-0f8f3e1f0aa1",
		Namespace:          "default",
		Type:               types.TypeTask,
		Title:              "Fix login redirect",
		Description:        "Users bounce back to /login.\n\nRepro steps attached.",
		Status:             types.StatusInProgress,
		Priority:           types.PriorityHigh,
		Complexity:         "medium",
		ParentID:           "parent-id",
		OrderIndex:         2,
		AcceptanceCriteria: []string{"no redirect loop", "session survives refresh"},
		ContextTags:        []string{"auth", "frontend"},
		Notes:              "first line\nsecond line",
		CreatedAt:          stamp,
		UpdatedAt:          stamp.Add(time.Hour),
	}

	doc := EncodeWorkItem(item)
	dec, err := Decode(doc)
	require.NoError(t, err)
	require.Equal(t, KindWorkItem, dec.Kind)

	got := dec.WorkItem
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, item.Namespace, got.Namespace)
	assert.Equal(t, item.Type, got.Type)
	assert.Equal(t, item.Title, got.Title)
	assert.Equal(t, item.Description, got.Description)
	assert.Equal(t, item.Status, got.Status)
	assert.Equal(t, item.Priority, got.Priority)
	assert.Equal(t, item.ParentID, got.ParentID)
	assert.Equal(t, item.OrderIndex, got.OrderIndex)
	assert.Equal(t, item.AcceptanceCriteria, got.AcceptanceCriteria)
	assert.Equal(t, item.ContextTags, got.ContextTags)
	assert.Equal(t, item.Notes, got.Notes)
	assert.True(t, item.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, item.UpdatedAt.Equal(got.UpdatedAt))

	// Canonical documents re-encode byte-exact.
	assert.Equal(t, doc, EncodeWorkItem(got))
}

func TestWorkItemDocIgnoresDerivedHeader(t *testing.T) {
	item := &types.WorkItem{
		ID: "id-1", Namespace: "default", Type: types.TypeTask, Title: "t",
		SequenceNumber: "3.1", Progress: 0.75,
	}
	dec, err := Decode(EncodeWorkItem(item))
	require.NoError(t, err)
	assert.Empty(t, dec.WorkItem.SequenceNumber)
	assert.Zero(t, dec.WorkItem.Progress)
}

func TestArchitectureDocRoundTrip(t *testing.T) {
	stamp := time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)
	item := &types.ArchitectureItem{
		ID:            "a1",
		Namespace:     "default",
		Slug:          "auth-service",
		Title:         "Auth service",
		Requirements:  "# Overview\n\nIssues session tokens.",
		WhenToUse:     []string{"adding a login flow"},
		Keywords:      []string{"auth", "session"},
		ChildrenSlugs: []string{"token-issuer"},
		RelatedSlugs:  []string{"gateway"},
		LinkedEpicIDs: []string{"epic-1"},
		Tags:          []string{"backend"},
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}

	doc := EncodeArchitecture(item)
	dec, err := Decode(doc)
	require.NoError(t, err)
	require.Equal(t, KindArchitecture, dec.Kind)
	assert.Equal(t, item, dec.Architecture)
	assert.Equal(t, doc, EncodeArchitecture(dec.Architecture))
}

func TestTroubleshootDocRoundTrip(t *testing.T) {
	stamp := time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)
	item := &types.TroubleshootItem{
		ID:           "t1",
		Namespace:    "default",
		Slug:         "cors-preflight",
		Title:        "CORS preflight failures",
		Solutions:    "1. Check the allowlist.\n2. Echo requested headers.",
		UseCases:     []string{"browser blocks cross-origin request"},
		Keywords:     []string{"cors"},
		UsageCount:   7,
		SuccessCount: 5,
		CreatedAt:    stamp,
		UpdatedAt:    stamp,
	}

	doc := EncodeTroubleshoot(item)
	dec, err := Decode(doc)
	require.NoError(t, err)
	require.Equal(t, KindTroubleshoot, dec.Kind)
	assert.Equal(t, item, dec.Troubleshoot)
	assert.Equal(t, doc, EncodeTroubleshoot(dec.Troubleshoot))
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"no divider":       "id: x\ntype: work_item\n",
		"malformed header": "id x\n---\n",
		"missing type":     "id: x\n---\n",
		"unknown type":     "type: recipe\nid: x\n---\n",
		"missing id":       "type: work_item\nnamespace: default\n---\n",
		"missing ns":       "type: work_item\nid: x\n---\n",
		"missing slug":     "type: architecture\nnamespace: default\n---\n",
		"bad list":         "type: architecture\nslug: s\nnamespace: default\nkeywords: not-json\n---\n",
		"bad int":          "type: troubleshoot\nslug: s\nnamespace: default\nusage_count: many\n---\n",
		"bad stamp":        "type: work_item\nid: x\nnamespace: default\ncreated_at: yesterday\n---\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(doc))
			require.Error(t, err)
			assert.True(t, types.Is(err, types.CodeValidation))
		})
	}
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "work_item/abc.md", Filename(KindWorkItem, "abc"))
	assert.Equal(t, "architecture/auth-service.md", Filename(KindArchitecture, "auth-service"))
}
