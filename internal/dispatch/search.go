package dispatch

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/internal/types"
)

// SearchContentTool implements search_content.
type SearchContentTool struct {
	Graph *graph.Engine
}

type searchArgs struct {
	Query      string            `json:"query"`
	SearchType graph.SearchType  `json:"search_type,omitempty"`
	Filters    *types.ItemFilter `json:"filters,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Format     ItemFormat        `json:"format,omitempty"`
}

func (t *SearchContentTool) Name() string { return "search_content" }

func (t *SearchContentTool) Description() string {
	return "Search work items by semantic, keyword, or hybrid ranking. An empty hybrid query lists recent items."
}

func (t *SearchContentTool) InputSchema() map[string]any {
	return schema(map[string]any{
		"query":       map[string]any{"type": "string"},
		"search_type": map[string]any{"type": "string", "enum": []string{"semantic", "keyword", "hybrid"}},
		"filters":     map[string]any{"type": "object"},
		"limit":       map[string]any{"type": "integer"},
		"format":      map[string]any{"type": "string", "enum": []string{"minimal", "summary", "detailed"}},
	})
}

func (t *SearchContentTool) Execute(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var args searchArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	st := args.SearchType
	if st == "" {
		st = graph.SearchHybrid
	}
	results, total, err := t.Graph.Search(ctx, sess.Namespace, args.Query, st, args.Filters, args.Limit)
	if err != nil {
		return nil, err
	}
	rendered := make([]map[string]any, 0, len(results))
	for _, r := range results {
		rendered = append(rendered, map[string]any{
			"item":  renderItem(r.Item, args.Format),
			"score": r.Score,
		})
	}
	return map[string]any{"results": rendered, "total_found": total}, nil
}

// GetHierarchyTool implements get_hierarchy.
type GetHierarchyTool struct {
	Graph *graph.Engine
}

type hierarchyArgs struct {
	WorkItemID       string             `json:"work_item_id,omitempty"`
	Relationship     graph.Relationship `json:"relationship,omitempty"`
	MaxDepth         int                `json:"max_depth,omitempty"`
	IncludeCompleted *bool              `json:"include_completed,omitempty"`
	IncludeCancelled *bool              `json:"include_cancelled,omitempty"`
}

func (t *GetHierarchyTool) Name() string { return "get_hierarchy" }

func (t *GetHierarchyTool) Description() string {
	return "Walk the work-item tree: children, descendants, ancestors, full hierarchy, or blocked dependencies."
}

func (t *GetHierarchyTool) InputSchema() map[string]any {
	return schema(map[string]any{
		"work_item_id":      map[string]any{"type": "string"},
		"relationship":      map[string]any{"type": "string", "enum": []string{"children", "descendants", "ancestors", "full_hierarchy", "dependencies"}},
		"max_depth":         map[string]any{"type": "integer", "minimum": 1},
		"include_completed": map[string]any{"type": "boolean"},
		"include_cancelled": map[string]any{"type": "boolean"},
	})
}

func (t *GetHierarchyTool) Execute(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var args hierarchyArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.MaxDepth == 0 {
		args.MaxDepth = 3
	}
	includeCompleted := true
	if args.IncludeCompleted != nil {
		includeCompleted = *args.IncludeCompleted
	}
	includeCancelled := false
	if args.IncludeCancelled != nil {
		includeCancelled = *args.IncludeCancelled
	}
	nodes, err := t.Graph.Hierarchy(ctx, sess.Namespace, args.WorkItemID, args.Relationship, args.MaxDepth, includeCompleted, includeCancelled)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []*graph.TreeNode{}
	}
	return map[string]any{"nodes": nodes}, nil
}
