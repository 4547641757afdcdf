package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/types"
)

func seedArchTree(t *testing.T, arch *ArchStore) {
	t.Helper()
	ctx := context.Background()

	root := archItem("platform", "Platform")
	root.Requirements = "The platform owns request routing. It also owns tenancy."
	root.ChildrenSlugs = []string{"gateway", "auth-service"}
	root.RelatedSlugs = []string{"runbook"}
	_, err := arch.Create(ctx, testNS, root)
	require.NoError(t, err)

	gateway := archItem("gateway", "Gateway")
	gateway.Requirements = "Terminates TLS. Routes by host header. Applies rate limits."
	gateway.WhenToUse = []string{"adding a public endpoint"}
	gateway.ChildrenSlugs = []string{"router"}
	_, err = arch.Create(ctx, testNS, gateway)
	require.NoError(t, err)

	auth := archItem("auth-service", "Auth service")
	auth.Requirements = "Issues session tokens. Validates refresh flows."
	_, err = arch.Create(ctx, testNS, auth)
	require.NoError(t, err)

	router := archItem("router", "Router")
	router.Requirements = "Maps paths to upstreams."
	_, err = arch.Create(ctx, testNS, router)
	require.NoError(t, err)

	runbook := archItem("runbook", "Runbook")
	runbook.Requirements = "Start here during incidents. Escalate after ten minutes."
	_, err = arch.Create(ctx, testNS, runbook)
	require.NoError(t, err)
}

func TestSmartContextFull(t *testing.T) {
	arch, _ := newStores(t)
	seedArchTree(t, arch)

	res, err := arch.SmartContext(context.Background(), testNS, "platform", 0, 0)
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, []string{"platform", "gateway", "auth-service", "router", "runbook"}, res.Visited)
	assert.Contains(t, res.Text, "# Platform")
	assert.Contains(t, res.Text, "## Gateway")
	assert.Contains(t, res.Text, "- adding a public endpoint")
	assert.Contains(t, res.Text, "> Runbook: Start here during incidents.")
}

func TestSmartContextDepthCap(t *testing.T) {
	arch, _ := newStores(t)
	seedArchTree(t, arch)

	res, err := arch.SmartContext(context.Background(), testNS, "platform", 0, 1)
	require.NoError(t, err)
	assert.Contains(t, res.Visited, "gateway")
	assert.NotContains(t, res.Visited, "router")
}

func TestSmartContextBudgetTruncates(t *testing.T) {
	arch, _ := newStores(t)
	seedArchTree(t, arch)

	res, err := arch.SmartContext(context.Background(), testNS, "platform", 5, 3)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	// The starting item is always included, even over budget.
	assert.Contains(t, res.Text, "# Platform")
	assert.NotContains(t, res.Visited, "runbook")
}

func TestSmartContextSummarizesPastBudget(t *testing.T) {
	arch, _ := newStores(t)
	ctx := context.Background()

	root := archItem("root", "Root")
	root.Requirements = strings.Repeat("Sentence one. ", 10)
	root.ChildrenSlugs = []string{"child"}
	_, err := arch.Create(ctx, testNS, root)
	require.NoError(t, err)

	child := archItem("child", "Child")
	child.Requirements = "First point. Second point. Third point. Fourth point."
	child.WhenToUse = []string{"never shown when summarizing"}
	child.Keywords = []string{"alpha", "beta"}
	_, err = arch.Create(ctx, testNS, child)
	require.NoError(t, err)

	// Budget fits the root and the child's summary, but not the child in
	// full.
	budget := estimateTokens("# Root\n\n"+root.Requirements+"\n") + 16
	res, err := arch.SmartContext(ctx, testNS, "root", budget, 3)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Visited, "child")
	assert.Contains(t, res.Text, "keywords: alpha, beta")
	assert.NotContains(t, res.Text, "never shown when summarizing")
	assert.NotContains(t, res.Text, "Third point")
}

func TestSmartContextMissingSlug(t *testing.T) {
	arch, _ := newStores(t)
	_, err := arch.SmartContext(context.Background(), testNS, "missing", 0, 0)
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeNotFound))
}

func TestSmartContextCancelledContext(t *testing.T) {
	arch, _ := newStores(t)
	seedArchTree(t, arch)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := arch.SmartContext(ctx, testNS, "platform", 0, 3)
	require.NoError(t, err)
	require.False(t, res.Truncated)

	cancel()
	res, err = arch.SmartContext(ctx, testNS, "platform", 0, 3)
	// Cancellation before the first read errors; mid-walk it yields a
	// truncated partial instead.
	if err == nil {
		assert.True(t, res.Truncated)
	}
}
