package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/embed"
	"github.com/taskmesh/taskmesh/internal/types"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

// Engine mutates and queries the work-item graph. All mutations for a
// namespace are serialized by the store's write lock; embeddings are
// computed before entering the critical section so no network or model
// I/O happens under the lock.
type Engine struct {
	cat      *vecstore.Catalog
	embedder embed.Engine
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a graph engine over the given store and embedder.
func NewEngine(cat *vecstore.Catalog, embedder embed.Engine, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cat: cat, embedder: embedder, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the engine clock (tests only).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// CreateRequest carries the fields accepted by manage_work_item(create).
type CreateRequest struct {
	Type               types.ItemType `json:"type"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	Status             types.Status   `json:"status,omitempty"`
	Priority           types.Priority `json:"priority,omitempty"`
	Complexity         string         `json:"complexity,omitempty"`
	ParentID           string         `json:"parent_id,omitempty"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	ContextTags        []string       `json:"context_tags,omitempty"`
	Notes              string         `json:"notes,omitempty"`
}

// UpdateRequest carries the fields accepted by manage_work_item(update).
// Nil pointers leave the field unchanged; an empty-string ParentID clears
// the parent (the item becomes a root).
type UpdateRequest struct {
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

// Create validates, appends the item to its sibling group, and runs
// propagation from the new parent. Returns the created item and the ids
// of every node whose progress, status or position changed.
func (e *Engine) Create(ctx context.Context, ns string, req CreateRequest) (*types.WorkItem, []string, error) {
	now := e.now()
	item := &types.WorkItem{
		ID:                 uuid.NewString(),
		Namespace:          ns,
		Type:               req.Type,
		Title:              req.Title,
		Description:        req.Description,
		Status:             req.Status,
		Priority:           req.Priority,
		Complexity:         req.Complexity,
		ParentID:           req.ParentID,
		AcceptanceCriteria: req.AcceptanceCriteria,
		ContextTags:        req.ContextTags,
		Notes:              req.Notes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	item.SetDefaults()
	item.Progress = LeafProgress(item.Status)
	if err := item.Validate(); err != nil {
		return nil, nil, err
	}

	vec, err := e.embedText(ctx, item.SearchText())
	if err != nil {
		return nil, nil, err
	}

	db, err := e.cat.Namespace(ns)
	if err != nil {
		return nil, nil, err
	}

	var changed []string
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		v, err := loadView(tx)
		if err != nil {
			return err
		}
		if item.ParentID != "" {
			parent, ok := v.items[item.ParentID]
			if !ok {
				return types.NotFound("parent %s not found", item.ParentID)
			}
			if !AllowedChild(parent.Type, item.Type) {
				return types.Hierarchy("%s cannot be a child of %s", item.Type, parent.Type)
			}
		}
		item.OrderIndex = len(v.children(item.ParentID))
		v.items[item.ID] = item
		v.vectors[item.ID] = vec
		v.markDirty(item.ID)

		changed = v.propagate(item.ParentID, now)
		v.refreshSequences()
		return v.flush(tx, map[string][]float32{item.ID: vec})
	})
	if err != nil {
		return nil, nil, err
	}
	e.logger.Debug("work item created",
		zap.String("namespace", ns), zap.String("id", item.ID), zap.String("type", string(item.Type)))
	return item, changed, nil
}

// Update applies a partial update. Type changes are rejected; status
// changes on non-leaves are rejected unless the new status is cancelled
// (operator override). Reparenting revalidates hierarchy rules and
// rejects cycles.
func (e *Engine) Update(ctx context.Context, ns, id string, req UpdateRequest) (*types.WorkItem, []string, error) {
	db, err := e.cat.Namespace(ns)
	if err != nil {
		return nil, nil, err
	}

	// Embeddings are computed before the critical section. The final text
	// is read from a pre-transaction snapshot merged with the update; a
	// concurrent text edit would lose this race anyway under last-write-wins.
	var vec []float32
	textChanges := req.Title != nil || req.Description != nil
	if textChanges {
		rec, err := db.Get(ctx, vecstore.TableWorkItems, id)
		if err != nil {
			return nil, nil, err
		}
		var snapshot types.WorkItem
		if err := json.Unmarshal(rec.Payload, &snapshot); err != nil {
			return nil, nil, types.Wrap(types.CodeInternal, err, "decoding work item")
		}
		if req.Title != nil {
			snapshot.Title = *req.Title
		}
		if req.Description != nil {
			snapshot.Description = *req.Description
		}
		if vec, err = e.embedText(ctx, snapshot.SearchText()); err != nil {
			return nil, nil, err
		}
	}

	now := e.now()
	var updated *types.WorkItem
	var changed []string
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		v, err := loadView(tx)
		if err != nil {
			return err
		}
		item, ok := v.items[id]
		if !ok {
			return types.NotFound("work item %s not found", id)
		}

		oldParent := item.ParentID
		isLeaf := len(v.children(id)) == 0

		if req.Title != nil {
			item.Title = *req.Title
		}
		if req.Description != nil {
			item.Description = *req.Description
		}
		if req.Priority != nil {
			item.Priority = *req.Priority
		}
		if req.Complexity != nil {
			item.Complexity = *req.Complexity
		}
		if req.AcceptanceCriteria != nil {
			item.AcceptanceCriteria = *req.AcceptanceCriteria
		}
		if req.ContextTags != nil {
			item.ContextTags = *req.ContextTags
		}
		if req.Notes != nil {
			item.Notes = *req.Notes
		}

		if req.Status != nil {
			if !isLeaf && *req.Status != types.StatusCancelled {
				return types.Derived("status of a non-leaf item is derived from its children")
			}
			item.Status = *req.Status
			if isLeaf {
				item.Progress = LeafProgress(item.Status)
				item.ManuallyCancelled = false
			} else {
				// Operator cancellation pins the node.
				item.ManuallyCancelled = true
				item.Progress = ProgressCancelled
			}
		}

		if req.ParentID != nil && *req.ParentID != oldParent {
			newParent := *req.ParentID
			if newParent != "" {
				p, ok := v.items[newParent]
				if !ok {
					return types.NotFound("parent %s not found", newParent)
				}
				if v.isAncestor(newParent, id) {
					return types.E(types.CodeCycle, "moving %s under %s would create a cycle", id, newParent)
				}
				if !AllowedChild(p.Type, item.Type) {
					return types.Hierarchy("%s cannot be a child of %s", item.Type, p.Type)
				}
			}
			item.ParentID = newParent
			item.OrderIndex = len(v.children(newParent)) - 1 // appended; reindex fixes the exact value
		}

		if err := item.Validate(); err != nil {
			return err
		}
		item.UpdatedAt = now
		v.markDirty(id)

		if req.ParentID != nil && item.ParentID != oldParent {
			v.reindex(oldParent, now)
			v.reindex(item.ParentID, now)
			changed = append(changed, v.propagate(oldParent, now)...)
		}
		changed = append(changed, v.propagate(item.ParentID, now)...)
		v.refreshSequences()

		updated = item
		newVecs := map[string][]float32{}
		if vec != nil {
			newVecs[id] = vec
		}
		return v.flush(tx, newVecs)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, changed, nil
}

// Delete removes an item. With deleteChildren the whole subtree goes in
// one atomic operation; otherwise children are reparented to the root
// ordering. Deleting an absent id succeeds with an empty result.
func (e *Engine) Delete(ctx context.Context, ns, id string, deleteChildren bool) (deleted, changed []string, err error) {
	db, err := e.cat.Namespace(ns)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		v, err := loadView(tx)
		if err != nil {
			return err
		}
		item, ok := v.items[id]
		if !ok {
			return nil // idempotent
		}
		parentID := item.ParentID

		if deleteChildren {
			for _, d := range v.descendants(id) {
				deleted = append(deleted, d.ID)
			}
		} else {
			rootCount := len(v.children(""))
			for i, c := range v.children(id) {
				c.ParentID = ""
				c.OrderIndex = rootCount + i
				c.UpdatedAt = now
				v.markDirty(c.ID)
				changed = append(changed, c.ID)
			}
		}
		deleted = append(deleted, id)

		for _, did := range deleted {
			if err := tx.Delete(vecstore.TableWorkItems, did); err != nil {
				return err
			}
			delete(v.items, did)
			delete(v.vectors, did)
			delete(v.dirty, did)
		}

		v.reindex(parentID, now)
		changed = append(changed, v.propagate(parentID, now)...)
		v.refreshSequences()
		return v.flush(tx, nil)
	})
	if err != nil {
		return nil, nil, err
	}
	return deleted, changed, nil
}

// Reorder rewrites the order of one sibling group to the supplied
// permutation. The id set must match the current sibling set exactly.
func (e *Engine) Reorder(ctx context.Context, ns, parentID string, orderedIDs []string) ([]*types.WorkItem, []string, error) {
	db, err := e.cat.Namespace(ns)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	var siblings []*types.WorkItem
	var changed []string
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		v, err := loadView(tx)
		if err != nil {
			return err
		}
		if parentID != "" {
			if _, ok := v.items[parentID]; !ok {
				return types.NotFound("parent %s not found", parentID)
			}
		}
		current := v.children(parentID)
		if len(current) != len(orderedIDs) {
			return types.E(types.CodeOrderSet, "reorder set has %d ids, sibling group has %d", len(orderedIDs), len(current))
		}
		byID := make(map[string]*types.WorkItem, len(current))
		for _, c := range current {
			byID[c.ID] = c
		}
		seen := make(map[string]bool, len(orderedIDs))
		for _, oid := range orderedIDs {
			if seen[oid] {
				return types.E(types.CodeOrderSet, "duplicate id %s in reorder set", oid)
			}
			seen[oid] = true
			if _, ok := byID[oid]; !ok {
				return types.E(types.CodeOrderSet, "id %s is not in the sibling group", oid)
			}
		}

		for i, oid := range orderedIDs {
			c := byID[oid]
			if c.OrderIndex != i {
				c.OrderIndex = i
				c.UpdatedAt = now
				v.markDirty(c.ID)
				changed = append(changed, c.ID)
			}
		}
		changed = append(changed, v.refreshSequences()...)
		siblings = v.children(parentID)
		return v.flush(tx, nil)
	})
	if err != nil {
		return nil, nil, err
	}
	return siblings, dedupe(changed), nil
}

// TrackProgress records progress on an item. An explicit status is
// applied under leaf rules; a percent supplied alongside it overrides the
// leaf's derived progress value. Blockers are appended to notes.
func (e *Engine) TrackProgress(ctx context.Context, ns, id string, status types.Status, percent *float64, notes string, blockers []string) (*types.WorkItem, []string, error) {
	if percent != nil && (*percent < 0 || *percent > 1) {
		return nil, nil, types.Validation("percent must be within [0,1]")
	}
	db, err := e.cat.Namespace(ns)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	var updated *types.WorkItem
	var changed []string
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		v, err := loadView(tx)
		if err != nil {
			return err
		}
		item, ok := v.items[id]
		if !ok {
			return types.NotFound("work item %s not found", id)
		}
		isLeaf := len(v.children(id)) == 0

		if status != "" {
			if !status.IsValid() {
				return types.Validation("invalid status: %s", status)
			}
			if !isLeaf && status != types.StatusCancelled {
				return types.Derived("status of a non-leaf item is derived from its children")
			}
			item.Status = status
			if isLeaf {
				item.Progress = LeafProgress(status)
			} else {
				item.ManuallyCancelled = true
				item.Progress = ProgressCancelled
			}
		}
		if percent != nil {
			if !isLeaf {
				return types.Derived("progress of a non-leaf item is derived from its children")
			}
			item.Progress = *percent
		}
		if notes != "" {
			if item.Notes != "" {
				item.Notes += "\n"
			}
			item.Notes += notes
		}
		for _, b := range blockers {
			if item.Notes != "" {
				item.Notes += "\n"
			}
			item.Notes += "blocker: " + b
		}
		item.UpdatedAt = now
		v.markDirty(id)

		changed = v.propagate(item.ParentID, now)
		v.refreshSequences()
		updated = item
		return v.flush(tx, nil)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, changed, nil
}

// Execute maintains the advisory execution record. No code runs; the
// record just tracks an intent state machine.
func (e *Engine) Execute(ctx context.Context, ns, id, action, mode string) (*types.WorkItem, []string, error) {
	db, err := e.cat.Namespace(ns)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	var updated *types.WorkItem
	var changed []string
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		v, err := loadView(tx)
		if err != nil {
			return err
		}
		item, ok := v.items[id]
		if !ok {
			return types.NotFound("work item %s not found", id)
		}
		switch action {
		case "execute":
			rec := &types.ExecutionRecord{State: types.ExecRunning, Mode: mode, StartedAt: &now}
			item.Execution = rec
			if len(v.children(id)) == 0 && item.Status == types.StatusNotStarted {
				item.Status = types.StatusInProgress
				item.Progress = LeafProgress(item.Status)
			}
		case "status":
			if item.Execution == nil {
				item.Execution = &types.ExecutionRecord{State: types.ExecPending}
			}
		case "cancel":
			if item.Execution == nil || item.Execution.State != types.ExecRunning {
				return types.Validation("no running execution for %s", id)
			}
			item.Execution.State = types.ExecCancelled
			item.Execution.EndedAt = &now
		default:
			return types.Validation("unknown execute action: %q", action)
		}
		item.UpdatedAt = now
		v.markDirty(id)
		changed = v.propagate(item.ParentID, now)
		v.refreshSequences()
		updated = item
		return v.flush(tx, nil)
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, changed, nil
}

// embedText computes the embedding for non-empty text. Empty text yields
// a nil vector; such records participate in keyword search only.
func (e *Engine) embedText(ctx context.Context, text string) ([]float32, error) {
	if text == "" || e.embedder == nil {
		return nil, nil
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		e.logger.Warn("embedding failed; record will be keyword-only", zap.Error(err))
		return nil, nil
	}
	return vec, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
