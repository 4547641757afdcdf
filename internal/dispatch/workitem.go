package dispatch

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/notify"
	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/internal/types"
)

// ItemFormat selects how much of an item a response carries.
type ItemFormat string

// Response formats.
const (
	FormatMinimal  ItemFormat = "minimal"
	FormatSummary  ItemFormat = "summary"
	FormatDetailed ItemFormat = "detailed"
)

// renderItem shapes a work item for the requested format.
func renderItem(item *types.WorkItem, format ItemFormat) any {
	switch format {
	case FormatMinimal:
		return map[string]any{
			"id":              item.ID,
			"title":           item.Title,
			"status":          item.Status,
			"sequence_number": item.SequenceNumber,
		}
	case FormatSummary:
		return map[string]any{
			"id":              item.ID,
			"title":           item.Title,
			"type":            item.Type,
			"status":          item.Status,
			"priority":        item.Priority,
			"progress":        item.Progress,
			"parent_id":       item.ParentID,
			"sequence_number": item.SequenceNumber,
		}
	default:
		return item
	}
}

// ManageWorkItemTool implements manage_work_item.
type ManageWorkItemTool struct {
	Graph    *graph.Engine
	Notifier *notify.Notifier
}

type manageArgs struct {
	Action         string `json:"action"`
	WorkItemID     string `json:"work_item_id,omitempty"`
	DeleteChildren bool   `json:"delete_children,omitempty"`

	Type types.ItemType `json:"work_item_type,omitempty"`

	// Create fields; for update, non-nil pointers apply.
	Title              *string         `json:"title,omitempty"`
	Description        *string         `json:"description,omitempty"`
	Status             *types.Status   `json:"status,omitempty"`
	Priority           *types.Priority `json:"priority,omitempty"`
	Complexity         *string         `json:"complexity,omitempty"`
	ParentID           *string         `json:"parent_id,omitempty"`
	AcceptanceCriteria *[]string       `json:"acceptance_criteria,omitempty"`
	ContextTags        *[]string       `json:"context_tags,omitempty"`
	Notes              *string         `json:"notes,omitempty"`
}

func (t *ManageWorkItemTool) Name() string { return "manage_work_item" }

func (t *ManageWorkItemTool) Description() string {
	return "Create, update, or delete a work item. Delete is idempotent and can cascade to children."
}

func (t *ManageWorkItemTool) InputSchema() map[string]any {
	return schema(map[string]any{
		"action":              map[string]any{"type": "string", "enum": []string{"create", "update", "delete"}},
		"work_item_id":        map[string]any{"type": "string"},
		"work_item_type":      map[string]any{"type": "string", "enum": []string{"initiative", "epic", "feature", "story", "task"}},
		"title":               map[string]any{"type": "string"},
		"description":         map[string]any{"type": "string"},
		"status":              map[string]any{"type": "string"},
		"priority":            map[string]any{"type": "string"},
		"complexity":          map[string]any{"type": "string"},
		"parent_id":           map[string]any{"type": "string"},
		"acceptance_criteria": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"context_tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"notes":               map[string]any{"type": "string"},
		"delete_children":     map[string]any{"type": "boolean"},
	}, "action")
}

func (t *ManageWorkItemTool) Execute(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var args manageArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ns := sess.Namespace

	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}

	switch args.Action {
	case "create":
		req := graph.CreateRequest{
			Type:        args.Type,
			Title:       str(args.Title),
			Description: str(args.Description),
			Complexity:  str(args.Complexity),
			ParentID:    str(args.ParentID),
			Notes:       str(args.Notes),
		}
		if args.Status != nil {
			req.Status = *args.Status
		}
		if args.Priority != nil {
			req.Priority = *args.Priority
		}
		if args.AcceptanceCriteria != nil {
			req.AcceptanceCriteria = *args.AcceptanceCriteria
		}
		if args.ContextTags != nil {
			req.ContextTags = *args.ContextTags
		}
		item, changed, err := t.Graph.Create(ctx, ns, req)
		if err != nil {
			return nil, err
		}
		t.Notifier.WorkItemUpdate(ns, append([]string{item.ID}, changed...))
		return item, nil

	case "update":
		if args.WorkItemID == "" {
			return nil, types.Validation("update requires work_item_id")
		}
		req := graph.UpdateRequest{
			Title:              args.Title,
			Description:        args.Description,
			Status:             args.Status,
			Priority:           args.Priority,
			Complexity:         args.Complexity,
			ParentID:           args.ParentID,
			AcceptanceCriteria: args.AcceptanceCriteria,
			ContextTags:        args.ContextTags,
			Notes:              args.Notes,
		}
		item, changed, err := t.Graph.Update(ctx, ns, args.WorkItemID, req)
		if err != nil {
			return nil, err
		}
		t.Notifier.WorkItemUpdate(ns, append([]string{item.ID}, changed...))
		return item, nil

	case "delete":
		if args.WorkItemID == "" {
			return nil, types.Validation("delete requires work_item_id")
		}
		deleted, changed, err := t.Graph.Delete(ctx, ns, args.WorkItemID, args.DeleteChildren)
		if err != nil {
			return nil, err
		}
		t.Notifier.WorkItemUpdate(ns, append(append([]string{}, deleted...), changed...))
		if deleted == nil {
			deleted = []string{}
		}
		return map[string]any{"deleted_ids": deleted}, nil

	default:
		return nil, types.Validation("unknown action %q", args.Action)
	}
}

// GetWorkItemTool implements get_work_item.
type GetWorkItemTool struct {
	Graph *graph.Engine
}

type getArgs struct {
	WorkItemID      string     `json:"work_item_id,omitempty"`
	SlugOrKeyword   string     `json:"slug_or_keyword,omitempty"`
	IncludeChildren bool       `json:"include_children,omitempty"`
	Format          ItemFormat `json:"format,omitempty"`
}

func (t *GetWorkItemTool) Name() string { return "get_work_item" }

func (t *GetWorkItemTool) Description() string {
	return "Fetch one work item by id or free-text reference, optionally with its children."
}

func (t *GetWorkItemTool) InputSchema() map[string]any {
	return schema(map[string]any{
		"work_item_id":     map[string]any{"type": "string"},
		"slug_or_keyword":  map[string]any{"type": "string"},
		"include_children": map[string]any{"type": "boolean"},
		"format":           map[string]any{"type": "string", "enum": []string{"minimal", "summary", "detailed"}},
	})
}

func (t *GetWorkItemTool) Execute(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var args getArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ns := sess.Namespace

	var item *types.WorkItem
	var err error
	switch {
	case args.WorkItemID != "":
		item, err = t.Graph.Get(ctx, ns, args.WorkItemID)
	case args.SlugOrKeyword != "":
		item, err = t.Graph.Resolve(ctx, ns, args.SlugOrKeyword)
	default:
		return nil, types.Validation("work_item_id or slug_or_keyword is required")
	}
	if err != nil {
		return nil, err
	}

	result := map[string]any{"item": renderItem(item, args.Format)}
	if args.IncludeChildren {
		children, err := t.Graph.Hierarchy(ctx, ns, item.ID, graph.RelChildren, 1, true, true)
		if err != nil {
			return nil, err
		}
		rendered := make([]any, 0, len(children))
		for _, c := range children {
			rendered = append(rendered, renderItem(c.Item, args.Format))
		}
		result["children"] = rendered
	}
	return result, nil
}

// ExecuteWorkItemTool implements execute_work_item. Execution here is
// advisory status tracking; nothing runs.
type ExecuteWorkItemTool struct {
	Graph    *graph.Engine
	Notifier *notify.Notifier
}

type executeArgs struct {
	WorkItemID string `json:"work_item_id"`
	Action     string `json:"action"`
	Mode       string `json:"mode,omitempty"`
}

func (t *ExecuteWorkItemTool) Name() string { return "execute_work_item" }

func (t *ExecuteWorkItemTool) Description() string {
	return "Track advisory execution state for a work item: execute, status, or cancel."
}

func (t *ExecuteWorkItemTool) InputSchema() map[string]any {
	return schema(map[string]any{
		"work_item_id": map[string]any{"type": "string"},
		"action":       map[string]any{"type": "string", "enum": []string{"execute", "status", "cancel"}},
		"mode":         map[string]any{"type": "string", "enum": []string{"sequential", "parallel", "dependency"}},
	}, "work_item_id", "action")
}

func (t *ExecuteWorkItemTool) Execute(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var args executeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	item, changed, err := t.Graph.Execute(ctx, sess.Namespace, args.WorkItemID, args.Action, args.Mode)
	if err != nil {
		return nil, err
	}
	t.Notifier.WorkItemUpdate(sess.Namespace, changed)
	return map[string]any{"work_item_id": item.ID, "execution": item.Execution}, nil
}

// TrackProgressTool implements track_progress.
type TrackProgressTool struct {
	Graph    *graph.Engine
	Notifier *notify.Notifier
}

type trackArgs struct {
	Action       string `json:"action"`
	WorkItemID   string `json:"work_item_id,omitempty"`
	ProgressData struct {
		Percent  *float64     `json:"percent,omitempty"`
		Status   types.Status `json:"status,omitempty"`
		Notes    string       `json:"notes,omitempty"`
		Blockers []string     `json:"blockers,omitempty"`
	} `json:"progress_data,omitempty"`
}

func (t *TrackProgressTool) Name() string { return "track_progress" }

func (t *TrackProgressTool) Description() string {
	return "Record leaf progress and blockers, or fetch namespace analytics."
}

func (t *TrackProgressTool) InputSchema() map[string]any {
	return schema(map[string]any{
		"action":       map[string]any{"type": "string", "enum": []string{"track", "get_analytics"}},
		"work_item_id": map[string]any{"type": "string"},
		"progress_data": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"percent":  map[string]any{"type": "number"},
				"status":   map[string]any{"type": "string"},
				"notes":    map[string]any{"type": "string"},
				"blockers": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
	}, "action")
}

func (t *TrackProgressTool) Execute(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var args trackArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ns := sess.Namespace

	switch args.Action {
	case "track":
		if args.WorkItemID == "" {
			return nil, types.Validation("track requires work_item_id")
		}
		item, changed, err := t.Graph.TrackProgress(ctx, ns, args.WorkItemID,
			args.ProgressData.Status, args.ProgressData.Percent,
			args.ProgressData.Notes, args.ProgressData.Blockers)
		if err != nil {
			return nil, err
		}
		t.Notifier.WorkItemUpdate(ns, append([]string{item.ID}, changed...))
		return item, nil
	case "get_analytics":
		return t.Graph.Statistics(ctx, ns)
	default:
		return nil, types.Validation("unknown action %q", args.Action)
	}
}

// ReorderTool implements reorder_work_items.
type ReorderTool struct {
	Graph    *graph.Engine
	Notifier *notify.Notifier
}

type reorderArgs struct {
	ParentID    string   `json:"parent_id,omitempty"`
	WorkItemIDs []string `json:"work_item_ids"`
}

func (t *ReorderTool) Name() string { return "reorder_work_items" }

func (t *ReorderTool) Description() string {
	return "Reorder a sibling group; the id list must be exactly the current sibling set."
}

func (t *ReorderTool) InputSchema() map[string]any {
	return schema(map[string]any{
		"parent_id":     map[string]any{"type": "string"},
		"work_item_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}, "work_item_ids")
}

func (t *ReorderTool) Execute(ctx context.Context, sess *session.Session, raw json.RawMessage) (any, error) {
	var args reorderArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ns := sess.Namespace
	siblings, changed, err := t.Graph.Reorder(ctx, ns, args.ParentID, args.WorkItemIDs)
	if err != nil {
		return nil, err
	}
	t.Notifier.WorkItemUpdate(ns, changed)

	order := make([]map[string]any, 0, len(siblings))
	for _, s := range siblings {
		order = append(order, map[string]any{
			"id":              s.ID,
			"order_index":     s.OrderIndex,
			"sequence_number": s.SequenceNumber,
		})
	}
	return map[string]any{"order": order}, nil
}
