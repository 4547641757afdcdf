package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/embed"
	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/markdown"
	"github.com/taskmesh/taskmesh/internal/memory"
	"github.com/taskmesh/taskmesh/internal/namespace"
	"github.com/taskmesh/taskmesh/internal/notify"
	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/internal/types"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

type env struct {
	dispatcher *Dispatcher
	sessions   *session.Manager
	notifier   *notify.Notifier
	graph      *graph.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cat, err := vecstore.NewCatalog(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	eng := embed.NewHashEngine(32)
	g := graph.NewEngine(cat, eng, zap.NewNop())
	arch := memory.NewArchStore(cat, eng, zap.NewNop())
	trouble := memory.NewTroubleStore(cat, eng, zap.NewNop())
	sync := markdown.NewService(cat, g, arch, trouble, zap.NewNop())
	notifier := notify.New(zap.NewNop())
	sessions := session.NewManager(zap.NewNop())

	registry := BuildRegistry(g, arch, trouble, sync, notifier, t.TempDir())
	return &env{
		dispatcher: NewDispatcher(registry, sessions, zap.NewNop()),
		sessions:   sessions,
		notifier:   notifier,
		graph:      g,
	}
}

func (e *env) open(t *testing.T, ns string) *session.Session {
	t.Helper()
	var candidates []namespace.Candidate
	if ns != "" {
		candidates = []namespace.Candidate{{Source: namespace.SourcePath, Name: ns}}
	}
	sess, err := e.sessions.Open(candidates, types.ClientInfo{Name: "test"})
	require.NoError(t, err)
	return sess
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func (e *env) call(t *testing.T, sess *session.Session, tool string, payload any) any {
	t.Helper()
	result, err := e.dispatcher.Call(context.Background(), sess, tool, args(t, payload))
	require.NoError(t, err)
	return result
}

func TestRegistryOrder(t *testing.T) {
	e := newEnv(t)
	var names []string
	for _, tool := range e.dispatcher.Registry().List() {
		names = append(names, tool.Name())
		assert.NotEmpty(t, tool.Description())
		assert.Equal(t, "object", tool.InputSchema()["type"])
	}
	assert.Equal(t, []string{
		"manage_work_item", "get_work_item", "search_content", "get_hierarchy",
		"execute_work_item", "track_progress", "reorder_work_items", "sync_data", "memory",
	}, names)
}

func TestCallUnknownTool(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")
	_, err := e.dispatcher.Call(context.Background(), sess, "frobnicate", nil)
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeNotFound))
}

func TestBindingViolationClosesSession(t *testing.T) {
	e := newEnv(t)
	var torn []string
	e.dispatcher.OnBindingViolation(func(id string) { torn = append(torn, id) })

	sess := e.open(t, "team-a")
	_, err := e.dispatcher.Call(context.Background(), sess, "search_content",
		args(t, map[string]any{"namespace": "team-b", "query": ""}))
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeNamespaceBinding))

	_, ok := e.sessions.Get(sess.ID)
	assert.False(t, ok, "session must be closed")
	assert.Equal(t, []string{sess.ID}, torn)
}

func TestBindingMatchingNamespacePasses(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "team-a")
	e.call(t, sess, "search_content", map[string]any{"namespace": "team-a", "query": ""})

	_, ok := e.sessions.Get(sess.ID)
	assert.True(t, ok)
}

func TestManageWorkItemLifecycle(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")
	sub := e.notifier.Subscribe(sess.ID, sess.Namespace)

	created := e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "task", "title": "Fix login",
	}).(*types.WorkItem)
	assert.NotEmpty(t, created.ID)

	ev := <-sub.Events()
	assert.Contains(t, ev.Params.ChangedIDs, created.ID)

	updated := e.call(t, sess, "manage_work_item", map[string]any{
		"action": "update", "work_item_id": created.ID, "status": "in_progress",
	}).(*types.WorkItem)
	assert.Equal(t, types.StatusInProgress, updated.Status)
	<-sub.Events()

	result := e.call(t, sess, "manage_work_item", map[string]any{
		"action": "delete", "work_item_id": created.ID,
	}).(map[string]any)
	assert.Equal(t, []string{created.ID}, result["deleted_ids"])

	t.Run("update requires id", func(t *testing.T) {
		_, err := e.dispatcher.Call(context.Background(), sess, "manage_work_item",
			args(t, map[string]any{"action": "update"}))
		assert.True(t, types.Is(err, types.CodeValidation))
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := e.dispatcher.Call(context.Background(), sess, "manage_work_item",
			args(t, map[string]any{"action": "archive"}))
		assert.True(t, types.Is(err, types.CodeValidation))
	})
}

func TestGetWorkItem(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")

	parent := e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "story", "title": "Login flow",
	}).(*types.WorkItem)
	e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "task", "title": "Redirect fix", "parent_id": parent.ID,
	})

	byID := e.call(t, sess, "get_work_item", map[string]any{
		"work_item_id": parent.ID, "include_children": true, "format": "minimal",
	}).(map[string]any)
	item := byID["item"].(map[string]any)
	assert.Equal(t, parent.ID, item["id"])
	assert.Len(t, byID["children"], 1)

	byRef := e.call(t, sess, "get_work_item", map[string]any{
		"slug_or_keyword": "login flow",
	}).(map[string]any)
	assert.Equal(t, parent.ID, byRef["item"].(*types.WorkItem).ID)

	_, err := e.dispatcher.Call(context.Background(), sess, "get_work_item", args(t, map[string]any{}))
	assert.True(t, types.Is(err, types.CodeValidation))
}

func TestSearchContent(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")

	e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "task", "title": "Fix login redirect",
	})
	e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "task", "title": "Rotate credentials",
	})

	result := e.call(t, sess, "search_content", map[string]any{
		"query": "login redirect", "search_type": "keyword", "format": "summary",
	}).(map[string]any)
	results := result["results"].([]map[string]any)
	require.Len(t, results, 1)
	assert.Equal(t, 1, result["total_found"])

	listing := e.call(t, sess, "search_content", map[string]any{"query": ""}).(map[string]any)
	assert.Equal(t, 2, listing["total_found"])
}

func TestGetHierarchyDefaults(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")

	parent := e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "epic", "title": "Rollout",
	}).(*types.WorkItem)
	e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "task", "title": "Step", "parent_id": parent.ID,
	})

	result := e.call(t, sess, "get_hierarchy", map[string]any{}).(map[string]any)
	nodes := result["nodes"].([]*graph.TreeNode)
	require.Len(t, nodes, 1)
	assert.Equal(t, parent.ID, nodes[0].Item.ID)
	require.Len(t, nodes[0].Children, 1)

	empty := e.call(t, sess, "get_hierarchy", map[string]any{
		"relationship": "dependencies",
	}).(map[string]any)
	assert.Empty(t, empty["nodes"])
}

func TestTrackProgressAndAnalytics(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")

	item := e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "task", "title": "Step",
	}).(*types.WorkItem)

	tracked := e.call(t, sess, "track_progress", map[string]any{
		"action":       "track",
		"work_item_id": item.ID,
		"progress_data": map[string]any{
			"status": "in_progress", "notes": "started",
		},
	}).(*types.WorkItem)
	assert.Equal(t, types.StatusInProgress, tracked.Status)

	stats := e.call(t, sess, "track_progress", map[string]any{
		"action": "get_analytics",
	}).(*types.Statistics)
	assert.Equal(t, 1, stats.TotalItems)
	assert.Equal(t, 1, stats.ByStatus[types.StatusInProgress])
}

func TestReorderTool(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")

	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		item := e.call(t, sess, "manage_work_item", map[string]any{
			"action": "create", "work_item_type": "task", "title": title,
		}).(*types.WorkItem)
		ids = append(ids, item.ID)
	}

	result := e.call(t, sess, "reorder_work_items", map[string]any{
		"work_item_ids": []string{ids[2], ids[0], ids[1]},
	}).(map[string]any)
	order := result["order"].([]map[string]any)
	require.Len(t, order, 3)
	assert.Equal(t, ids[2], order[0]["id"])
	assert.Equal(t, "1", order[0]["sequence_number"])
}

func TestExecuteWorkItemTool(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")

	item := e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "task", "title": "Step",
	}).(*types.WorkItem)

	result := e.call(t, sess, "execute_work_item", map[string]any{
		"work_item_id": item.ID, "action": "execute", "mode": "sequential",
	}).(map[string]any)
	assert.Equal(t, item.ID, result["work_item_id"])
	exec := result["execution"].(*types.ExecutionRecord)
	assert.Equal(t, types.ExecRunning, exec.State)
}

func TestMemoryTool(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")

	created := e.call(t, sess, "memory", map[string]any{
		"memory_type": "architecture", "action": "create",
		"item": map[string]any{"slug": "gateway", "title": "Gateway", "ai_requirements": "Routes by host."},
	}).(*types.ArchitectureItem)
	assert.Equal(t, "gateway", created.Slug)

	read := e.call(t, sess, "memory", map[string]any{
		"memory_type": "architecture", "action": "read", "slug": "gateway",
	}).(*memory.ArchRead)
	assert.Equal(t, created.ID, read.Item.ID)

	ctxResult := e.call(t, sess, "memory", map[string]any{
		"memory_type": "architecture", "action": "get_context", "slug": "gateway",
	}).(*memory.ContextResult)
	assert.Contains(t, ctxResult.Text, "# Gateway")

	e.call(t, sess, "memory", map[string]any{
		"memory_type": "troubleshoot", "action": "create",
		"item": map[string]any{"slug": "cors", "title": "CORS failures", "ai_solutions": "Fix the allowlist."},
	})
	matches := e.call(t, sess, "memory", map[string]any{
		"memory_type": "troubleshoot", "action": "match", "query": "cors failures in the browser",
	}).([]memory.Match)
	require.NotEmpty(t, matches)
	assert.Equal(t, "cors", matches[0].Slug)

	used := e.call(t, sess, "memory", map[string]any{
		"memory_type": "troubleshoot", "action": "record_use", "slug": "cors", "outcome": "success",
	}).(*types.TroubleshootItem)
	assert.Equal(t, 1, used.UsageCount)

	t.Run("unknown memory type", func(t *testing.T) {
		_, err := e.dispatcher.Call(context.Background(), sess, "memory",
			args(t, map[string]any{"memory_type": "diary", "action": "list"}))
		assert.True(t, types.Is(err, types.CodeValidation))
	})
}

func TestSyncDataTool(t *testing.T) {
	e := newEnv(t)
	sess := e.open(t, "")

	item := e.call(t, sess, "manage_work_item", map[string]any{
		"action": "create", "work_item_type": "task", "title": "Exported",
	}).(*types.WorkItem)

	dir := t.TempDir()
	exported := e.call(t, sess, "sync_data", map[string]any{
		"action": "export", "dir": dir,
	}).(*markdown.ExportResult)
	assert.Equal(t, 1, exported.Counts[markdown.KindWorkItem])

	backup := e.call(t, sess, "sync_data", map[string]any{"action": "backup"}).(*markdown.BackupInfo)
	assert.FileExists(t, backup.Path)

	e.call(t, sess, "manage_work_item", map[string]any{
		"action": "delete", "work_item_id": item.ID,
	})
	restored := e.call(t, sess, "sync_data", map[string]any{
		"action": "restore", "path": backup.Path,
	}).(*markdown.ImportResult)
	require.NotNil(t, restored.WorkItems)
	assert.Equal(t, 1, restored.WorkItems.Created)

	t.Run("export requires dir", func(t *testing.T) {
		_, err := e.dispatcher.Call(context.Background(), sess, "sync_data",
			args(t, map[string]any{"action": "export"}))
		assert.True(t, types.Is(err, types.CodeValidation))
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	tool := &GetWorkItemTool{}
	r.Register(tool)
	assert.PanicsWithValue(t, fmt.Sprintf("dispatch: duplicate tool %s", tool.Name()), func() {
		r.Register(tool)
	})
}
