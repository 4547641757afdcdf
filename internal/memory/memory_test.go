package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/embed"
	"github.com/taskmesh/taskmesh/internal/types"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

const testNS = "default"

func newStores(t *testing.T) (*ArchStore, *TroubleStore) {
	t.Helper()
	cat, err := vecstore.NewCatalog(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	eng := embed.NewHashEngine(32)
	return NewArchStore(cat, eng, zap.NewNop()), NewTroubleStore(cat, eng, zap.NewNop())
}

func archItem(slug, title string) *types.ArchitectureItem {
	return &types.ArchitectureItem{Slug: slug, Title: title}
}

func troubleItem(slug, title string) *types.TroubleshootItem {
	return &types.TroubleshootItem{Slug: slug, Title: title}
}

func TestArchCreateGetDelete(t *testing.T) {
	arch, _ := newStores(t)
	ctx := context.Background()

	item := archItem("auth-service", "Auth service")
	item.Requirements = "Issues and validates session tokens."
	created, err := arch.Create(ctx, testNS, item)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, testNS, created.Namespace)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := arch.Get(ctx, testNS, "auth-service")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.Item.ID)
	assert.Empty(t, got.Dangling)

	require.NoError(t, arch.Delete(ctx, testNS, "auth-service"))
	_, err = arch.Get(ctx, testNS, "auth-service")
	assert.True(t, types.Is(err, types.CodeNotFound))

	// Idempotent.
	require.NoError(t, arch.Delete(ctx, testNS, "auth-service"))
}

func TestArchDuplicateSlugRejected(t *testing.T) {
	arch, _ := newStores(t)
	ctx := context.Background()

	_, err := arch.Create(ctx, testNS, archItem("gateway", "Gateway"))
	require.NoError(t, err)
	_, err = arch.Create(ctx, testNS, archItem("gateway", "Gateway again"))
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeValidation))
}

func TestArchUpdatePreservesIdentity(t *testing.T) {
	arch, _ := newStores(t)
	ctx := context.Background()

	created, err := arch.Create(ctx, testNS, archItem("gateway", "Gateway"))
	require.NoError(t, err)

	updated, err := arch.Update(ctx, testNS, archItem("gateway", "API Gateway"))
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "API Gateway", updated.Title)

	_, err = arch.Update(ctx, testNS, archItem("missing", "Nope"))
	assert.True(t, types.Is(err, types.CodeNotFound))
}

func TestArchDanglingLinksFlagged(t *testing.T) {
	arch, _ := newStores(t)
	ctx := context.Background()

	item := archItem("gateway", "Gateway")
	item.ChildrenSlugs = []string{"router"}
	item.RelatedSlugs = []string{"auth-service"}
	_, err := arch.Create(ctx, testNS, item)
	require.NoError(t, err)

	got, err := arch.Get(ctx, testNS, "gateway")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"router", "auth-service"}, got.Dangling)

	// Writing the target resolves its flag.
	_, err = arch.Create(ctx, testNS, archItem("router", "Router"))
	require.NoError(t, err)
	got, err = arch.Get(ctx, testNS, "gateway")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth-service"}, got.Dangling)
}

func TestArchChildrenCycleRejected(t *testing.T) {
	arch, _ := newStores(t)
	ctx := context.Background()

	a := archItem("a", "A")
	a.ChildrenSlugs = []string{"b"}
	_, err := arch.Create(ctx, testNS, a)
	require.NoError(t, err)

	b := archItem("b", "B")
	b.ChildrenSlugs = []string{"a"}
	_, err = arch.Create(ctx, testNS, b)
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeCycle))
}

func TestArchListAndSearch(t *testing.T) {
	arch, _ := newStores(t)
	ctx := context.Background()

	one := archItem("auth-service", "Auth service")
	one.Requirements = "Handles login and token refresh."
	_, err := arch.Create(ctx, testNS, one)
	require.NoError(t, err)
	two := archItem("billing", "Billing pipeline")
	two.Requirements = "Aggregates invoices nightly."
	_, err = arch.Create(ctx, testNS, two)
	require.NoError(t, err)

	items, err := arch.List(ctx, testNS, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	found, err := arch.Search(ctx, testNS, "login token", 5)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, "auth-service", found[0].Slug)
}

func TestTroubleCreateGetDelete(t *testing.T) {
	_, trouble := newStores(t)
	ctx := context.Background()

	item := troubleItem("cors-preflight", "CORS preflight failures")
	item.Solutions = "Add the origin to the allowlist."
	created, err := trouble.Create(ctx, testNS, item)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := trouble.Get(ctx, testNS, "cors-preflight")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Zero(t, got.UsageCount)

	_, err = trouble.Create(ctx, testNS, troubleItem("cors-preflight", "dup"))
	assert.True(t, types.Is(err, types.CodeValidation))

	require.NoError(t, trouble.Delete(ctx, testNS, "cors-preflight"))
	_, err = trouble.Get(ctx, testNS, "cors-preflight")
	assert.True(t, types.Is(err, types.CodeNotFound))
}

func TestTroubleUpdatePreservesCounters(t *testing.T) {
	_, trouble := newStores(t)
	ctx := context.Background()

	_, err := trouble.Create(ctx, testNS, troubleItem("cors-preflight", "CORS"))
	require.NoError(t, err)
	_, err = trouble.RecordUse(ctx, testNS, "cors-preflight", "success")
	require.NoError(t, err)

	incoming := troubleItem("cors-preflight", "CORS preflight")
	incoming.UsageCount = 99 // caller-supplied counters are ignored
	updated, err := trouble.Update(ctx, testNS, incoming)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UsageCount)
	assert.Equal(t, 1, updated.SuccessCount)
	assert.Equal(t, "CORS preflight", updated.Title)
}

func TestTroubleRecordUse(t *testing.T) {
	_, trouble := newStores(t)
	ctx := context.Background()

	_, err := trouble.Create(ctx, testNS, troubleItem("cors-preflight", "CORS"))
	require.NoError(t, err)

	got, err := trouble.RecordUse(ctx, testNS, "cors-preflight", "success")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.Equal(t, 1, got.SuccessCount)

	got, err = trouble.RecordUse(ctx, testNS, "cors-preflight", "fail")
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.InDelta(t, 0.5, got.SuccessRate(), 1e-9)

	_, err = trouble.RecordUse(ctx, testNS, "cors-preflight", "maybe")
	assert.True(t, types.Is(err, types.CodeValidation))

	_, err = trouble.RecordUse(ctx, testNS, "missing", "success")
	assert.True(t, types.Is(err, types.CodeNotFound))
}

func TestTroubleList(t *testing.T) {
	_, trouble := newStores(t)
	ctx := context.Background()

	_, err := trouble.Create(ctx, testNS, troubleItem("one", "One"))
	require.NoError(t, err)
	_, err = trouble.Create(ctx, testNS, troubleItem("two", "Two"))
	require.NoError(t, err)

	items, err := trouble.List(ctx, testNS, 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
