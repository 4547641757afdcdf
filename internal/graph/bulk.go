package graph

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/types"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

// ImportMode selects how incoming records are reconciled with stored
// ones.
type ImportMode string

// Import modes.
const (
	ImportCreateOnly     ImportMode = "create_only"
	ImportUpdateOnly     ImportMode = "update_only"
	ImportCreateOrUpdate ImportMode = "create_or_update"
	ImportReplace        ImportMode = "replace"
)

// Valid reports whether the mode is one of the supported values.
func (m ImportMode) Valid() bool {
	switch m {
	case ImportCreateOnly, ImportUpdateOnly, ImportCreateOrUpdate, ImportReplace:
		return true
	}
	return false
}

// ImportError is one record's failure within a partially successful
// import.
type ImportError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ImportOutcome reports per-record counts for an import.
type ImportOutcome struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Deleted int           `json:"deleted"`
	Skipped int           `json:"skipped"`
	Errors  []ImportError `json:"errors,omitempty"`
}

// Import bulk-loads work items into a namespace, preserving ids. The
// whole batch is applied in one mutation; records that fail validation
// are reported in the outcome and skipped rather than failing the
// batch. Derived fields are recomputed after the batch is staged:
// sibling orders are compacted, sequence numbers reassigned, and
// progress and status re-derived bottom-up.
func (e *Engine) Import(ctx context.Context, ns string, items []*types.WorkItem, mode ImportMode) (*ImportOutcome, error) {
	if !mode.Valid() {
		return nil, types.Validation("unknown import mode %q", mode)
	}

	// Embeddings are computed before the store mutation begins.
	vectors := make(map[string][]float32, len(items))
	for _, item := range items {
		vec, err := e.embedText(ctx, item.SearchText())
		if err != nil {
			return nil, err
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		vectors[item.ID] = vec
	}

	db, err := e.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := &ImportOutcome{}

	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		v, err := loadView(tx)
		if err != nil {
			return err
		}

		fail := func(id string, err error) {
			out.Errors = append(out.Errors, ImportError{ID: id, Error: err.Error()})
		}

		// Stage accepted records. Mode gating and schema validation are
		// per-record; graph-shape validation runs over the staged set.
		imported := make(map[string]bool, len(items))
		staged := make(map[string]*types.WorkItem, len(items))
		for _, item := range items {
			imported[item.ID] = true
			item.Namespace = ns
			item.SetDefaults()
			if err := item.Validate(); err != nil {
				fail(item.ID, err)
				continue
			}
			_, exists := v.items[item.ID]
			switch {
			case exists && mode == ImportCreateOnly:
				fail(item.ID, types.E(types.CodeConflict, "work item %s already exists", item.ID))
				continue
			case !exists && mode == ImportUpdateOnly:
				out.Skipped++
				continue
			}
			staged[item.ID] = item
		}

		// Replace drops stored items absent from the import set, along
		// with any stored descendants they strand.
		if mode == ImportReplace {
			for id := range v.items {
				if !imported[id] {
					delete(v.items, id)
					delete(v.vectors, id)
					delete(v.dirty, id)
					if err := tx.Delete(vecstore.TableWorkItems, id); err != nil {
						return err
					}
					out.Deleted++
				}
			}
		}

		// Merge staged records, then validate edges against the merged
		// graph: parents must exist, type nesting must be legal, and the
		// parent chain must be acyclic. Offending records are rolled
		// back to their stored version (or dropped when new).
		stored := make(map[string]*types.WorkItem, len(staged))
		for id := range staged {
			if prev, ok := v.items[id]; ok {
				stored[id] = prev
			}
			v.items[id] = staged[id]
		}
		for _, id := range sortedKeys(staged) {
			item := v.items[id]
			if err := v.checkEdges(item); err != nil {
				fail(id, err)
				if prev, ok := stored[id]; ok {
					v.items[id] = prev
				} else {
					delete(v.items, id)
				}
				delete(staged, id)
			}
		}

		for id := range staged {
			if _, existed := stored[id]; existed {
				out.Updated++
			} else {
				out.Created++
			}
			v.markDirty(id)
		}

		// Recompute every derived field over the final graph.
		parents := map[string]bool{"": true}
		for _, item := range v.items {
			parents[item.ParentID] = true
		}
		for pid := range parents {
			v.reindex(pid, now)
		}
		v.refreshSequences()
		v.recomputeProgress(now)

		return v.flush(tx, vectors)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkEdges validates one item's parent link against the current view.
func (v *view) checkEdges(item *types.WorkItem) error {
	if item.ParentID == "" {
		return nil
	}
	parent, ok := v.items[item.ParentID]
	if !ok {
		return types.NotFound("parent %s not found", item.ParentID)
	}
	if !AllowedChild(parent.Type, item.Type) {
		return types.Hierarchy("%s cannot contain %s", parent.Type, item.Type)
	}
	// Walk upward; revisiting the item means its parent chain loops.
	seen := map[string]bool{item.ID: true}
	cur := item.ParentID
	for cur != "" {
		if seen[cur] {
			return types.E(types.CodeCycle, "parent chain of %s forms a cycle", item.ID)
		}
		seen[cur] = true
		node, ok := v.items[cur]
		if !ok {
			break
		}
		cur = node.ParentID
	}
	return nil
}

// recomputeProgress re-derives status and progress for the whole view
// bottom-up. Leaves take their status-mapped progress; interior nodes
// aggregate their children. Manually cancelled nodes are left alone.
func (v *view) recomputeProgress(now time.Time) {
	var walk func(id string)
	walk = func(id string) {
		node := v.items[id]
		kids := v.children(id)
		for _, c := range kids {
			walk(c.ID)
		}
		if node.ManuallyCancelled {
			return
		}
		var prog float64
		var status types.Status
		if len(kids) == 0 {
			prog, status = LeafProgress(node.Status), node.Status
		} else {
			prog, status = deriveNonLeaf(kids)
		}
		if math.Abs(node.Progress-prog) >= progressEpsilon || node.Status != status {
			node.Progress = prog
			node.Status = status
			node.UpdatedAt = now
			v.markDirty(node.ID)
		}
	}
	for _, root := range v.children("") {
		walk(root.ID)
	}
}

func sortedKeys(m map[string]*types.WorkItem) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
