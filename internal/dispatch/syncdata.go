package dispatch

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/markdown"
	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/internal/types"
)

// SyncDataTool implements sync_data: markdown export/import and
// tarball backup/restore.
type SyncDataTool struct {
	Sync      *markdown.Service
	BackupDir string
}

type syncArgs struct {
	Action string `json:"action"`
	// Dir is the document tree for export/import; Path is a tarball for
	// restore.
	Dir  string           `json:"dir,omitempty"`
	Path string           `json:"path,omitempty"`
	Mode graph.ImportMode `json:"mode,omitempty"`
}

func (t *SyncDataTool) Name() string { return "sync_data" }

func (t *SyncDataTool) Description() string {
	return "Export or import markdown documents, or create and restore namespace backups."
}

func (t *SyncDataTool) InputSchema() map[string]any {
	return schema(map[string]any{
		"action": map[string]any{"type": "string", "enum": []string{"export", "import", "backup", "restore"}},
		"dir":    map[string]any{"type": "string"},
		"path":   map[string]any{"type": "string"},
		"mode":   map[string]any{"type": "string", "enum": []string{"create_only", "update_only", "create_or_update", "replace"}},
	}, "action")
}

func (t *SyncDataTool) Execute(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var args syncArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ns := sess.Namespace

	switch args.Action {
	case "export":
		if args.Dir == "" {
			return nil, types.Validation("export requires dir")
		}
		return t.Sync.Export(ctx, ns, args.Dir)
	case "import":
		if args.Dir == "" {
			return nil, types.Validation("import requires dir")
		}
		mode := args.Mode
		if mode == "" {
			mode = graph.ImportCreateOrUpdate
		}
		return t.Sync.Import(ctx, ns, args.Dir, mode)
	case "backup":
		return t.Sync.BackupCreate(ctx, ns, t.BackupDir)
	case "restore":
		if args.Path == "" {
			return nil, types.Validation("restore requires path")
		}
		return t.Sync.BackupRestore(ctx, args.Path, ns)
	default:
		return nil, types.Validation("unknown action %q", args.Action)
	}
}
