package dispatch

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/markdown"
	"github.com/taskmesh/taskmesh/internal/memory"
	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/internal/types"
)

// MemoryTool implements the memory operation over both memory stores.
type MemoryTool struct {
	Arch    *memory.ArchStore
	Trouble *memory.TroubleStore
	Sync    *markdown.Service
}

type memoryArgs struct {
	MemoryType string `json:"memory_type"`
	Action     string `json:"action"`

	Slug  string          `json:"slug,omitempty"`
	Item  json.RawMessage `json:"item,omitempty"`
	Query string          `json:"query,omitempty"`
	Limit int             `json:"limit,omitempty"`

	// get_context
	TokenBudget int `json:"token_budget,omitempty"`
	MaxDepth    int `json:"max_depth,omitempty"`

	// record_use
	Outcome string `json:"outcome,omitempty"`

	// export / import
	Dir  string            `json:"dir,omitempty"`
	Mode memory.ImportMode `json:"mode,omitempty"`
}

func (t *MemoryTool) Name() string { return "memory" }

func (t *MemoryTool) Description() string {
	return "Manage architecture and troubleshoot memory: CRUD, search, smart context, problem matching, usage tracking."
}

func (t *MemoryTool) InputSchema() map[string]any {
	return schema(map[string]any{
		"memory_type":  map[string]any{"type": "string", "enum": []string{"architecture", "troubleshoot"}},
		"action":       map[string]any{"type": "string", "enum": []string{"create", "read", "update", "delete", "list", "search", "match", "get_context", "record_use", "export", "import"}},
		"slug":         map[string]any{"type": "string"},
		"item":         map[string]any{"type": "object"},
		"query":        map[string]any{"type": "string"},
		"limit":        map[string]any{"type": "integer"},
		"token_budget": map[string]any{"type": "integer"},
		"max_depth":    map[string]any{"type": "integer"},
		"outcome":      map[string]any{"type": "string", "enum": []string{"success", "fail"}},
		"dir":          map[string]any{"type": "string"},
		"mode":         map[string]any{"type": "string"},
	}, "memory_type", "action")
}

func (t *MemoryTool) Execute(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var args memoryArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	switch args.MemoryType {
	case "architecture":
		return t.architecture(ctx, sess.Namespace, args)
	case "troubleshoot":
		return t.troubleshoot(ctx, sess.Namespace, args)
	default:
		return nil, types.Validation("unknown memory_type %q", args.MemoryType)
	}
}

func (t *MemoryTool) architecture(ctx context.Context, ns string, args memoryArgs) (any, error) {
	switch args.Action {
	case "create", "update":
		var item types.ArchitectureItem
		if err := decode(args.Item, &item); err != nil {
			return nil, err
		}
		if args.Action == "create" {
			return t.Arch.Create(ctx, ns, &item)
		}
		return t.Arch.Update(ctx, ns, &item)
	case "read":
		return t.Arch.Get(ctx, ns, args.Slug)
	case "delete":
		if err := t.Arch.Delete(ctx, ns, args.Slug); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": args.Slug}, nil
	case "list":
		return t.Arch.List(ctx, ns, args.Limit)
	case "search":
		return t.Arch.Search(ctx, ns, args.Query, args.Limit)
	case "get_context":
		return t.Arch.SmartContext(ctx, ns, args.Slug, args.TokenBudget, args.MaxDepth)
	case "export", "import":
		return t.syncDocs(ctx, ns, args)
	default:
		return nil, types.Validation("action %q is not valid for architecture memory", args.Action)
	}
}

func (t *MemoryTool) troubleshoot(ctx context.Context, ns string, args memoryArgs) (any, error) {
	switch args.Action {
	case "create", "update":
		var item types.TroubleshootItem
		if err := decode(args.Item, &item); err != nil {
			return nil, err
		}
		if args.Action == "create" {
			return t.Trouble.Create(ctx, ns, &item)
		}
		return t.Trouble.Update(ctx, ns, &item)
	case "read":
		return t.Trouble.Get(ctx, ns, args.Slug)
	case "delete":
		if err := t.Trouble.Delete(ctx, ns, args.Slug); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": args.Slug}, nil
	case "list":
		return t.Trouble.List(ctx, ns, args.Limit)
	case "search", "match":
		return t.Trouble.MatchProblem(ctx, ns, args.Query, args.Limit)
	case "record_use":
		return t.Trouble.RecordUse(ctx, ns, args.Slug, args.Outcome)
	case "export", "import":
		return t.syncDocs(ctx, ns, args)
	default:
		return nil, types.Validation("action %q is not valid for troubleshoot memory", args.Action)
	}
}

// syncDocs delegates memory export/import to the markdown service. The
// document tree is shared across kinds; filtering by kind happens via
// the documents' type headers.
func (t *MemoryTool) syncDocs(ctx context.Context, ns string, args memoryArgs) (any, error) {
	if args.Dir == "" {
		return nil, types.Validation("%s requires dir", args.Action)
	}
	if args.Action == "export" {
		return t.Sync.Export(ctx, ns, args.Dir)
	}
	mode := args.Mode
	if mode == "" {
		mode = memory.ImportCreateOrUpdate
	}
	return t.Sync.Import(ctx, ns, args.Dir, graph.ImportMode(mode))
}
