package dispatch

import (
	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/markdown"
	"github.com/taskmesh/taskmesh/internal/memory"
	"github.com/taskmesh/taskmesh/internal/notify"
)

// BuildRegistry wires the full tool surface.
func BuildRegistry(g *graph.Engine, arch *memory.ArchStore, trouble *memory.TroubleStore, sync *markdown.Service, notifier *notify.Notifier, backupDir string) *Registry {
	r := NewRegistry()
	r.Register(&ManageWorkItemTool{Graph: g, Notifier: notifier})
	r.Register(&GetWorkItemTool{Graph: g})
	r.Register(&SearchContentTool{Graph: g})
	r.Register(&GetHierarchyTool{Graph: g})
	r.Register(&ExecuteWorkItemTool{Graph: g, Notifier: notifier})
	r.Register(&TrackProgressTool{Graph: g, Notifier: notifier})
	r.Register(&ReorderTool{Graph: g, Notifier: notifier})
	r.Register(&SyncDataTool{Sync: sync, BackupDir: backupDir})
	r.Register(&MemoryTool{Arch: arch, Trouble: trouble, Sync: sync})
	return r
}
