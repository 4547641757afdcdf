package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/taskmesh/taskmesh/internal/types"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

// view is an in-memory snapshot of one namespace's work items, loaded
// inside a store transaction. All mutations operate on the view and are
// written back as a batch, so the invariants (dense order indexes,
// derived sequence numbers, propagation closure) hold atomically.
type view struct {
	items   map[string]*types.WorkItem
	vectors map[string][]float32 // preserved embeddings keyed by id
	dirty   map[string]bool
}

func loadView(tx *vecstore.Tx) (*view, error) {
	recs, err := tx.Scan(vecstore.TableWorkItems, nil, vecstore.OrderNone, 0)
	if err != nil {
		return nil, err
	}
	v := &view{
		items:   make(map[string]*types.WorkItem, len(recs)),
		vectors: make(map[string][]float32, len(recs)),
		dirty:   make(map[string]bool),
	}
	for _, rec := range recs {
		var item types.WorkItem
		if err := json.Unmarshal(rec.Payload, &item); err != nil {
			return nil, fmt.Errorf("decoding work item %s: %w", rec.ID, err)
		}
		v.items[item.ID] = &item
		v.vectors[item.ID] = rec.Vector
	}
	return v, nil
}

// children returns the items under parentID sorted by order index.
func (v *view) children(parentID string) []*types.WorkItem {
	var out []*types.WorkItem
	for _, item := range v.items {
		if item.ParentID == parentID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// markDirty records that an item must be written back.
func (v *view) markDirty(id string) { v.dirty[id] = true }

// reindex rewrites order indexes for one sibling group to a dense 0-based
// permutation, marking moved items dirty.
func (v *view) reindex(parentID string, now time.Time) {
	for i, c := range v.children(parentID) {
		if c.OrderIndex != i {
			c.OrderIndex = i
			c.UpdatedAt = now
			v.markDirty(c.ID)
		}
	}
}

// refreshSequences recomputes every sequence number by traversal. The
// stored value is a cache; any disagreement is resolved in favor of the
// derived value. Returns ids whose cached sequence changed.
func (v *view) refreshSequences() []string {
	var changed []string
	var walk func(parentID, prefix string)
	walk = func(parentID, prefix string) {
		for i, c := range v.children(parentID) {
			seq := fmt.Sprintf("%d", i+1)
			if prefix != "" {
				seq = prefix + "." + seq
			}
			if c.SequenceNumber != seq {
				c.SequenceNumber = seq
				changed = append(changed, c.ID)
				v.markDirty(c.ID)
			}
			walk(c.ID, seq)
		}
	}
	walk("", "")
	return changed
}

// progressEpsilon bounds float drift when comparing recomputed progress
// against the stored value.
const progressEpsilon = 1e-9

// propagate walks from the given parent to the root, recomputing progress
// and status at each step. The walk stops early once a node's computed
// values match its stored values. Nodes manually cancelled by operator
// action are never recomputed. Returns the ids of every changed node.
func (v *view) propagate(parentID string, now time.Time) []string {
	var changed []string
	cur := parentID
	for cur != "" {
		node, ok := v.items[cur]
		if !ok {
			break
		}
		if node.ManuallyCancelled {
			break
		}
		kids := v.children(node.ID)
		if len(kids) == 0 {
			// Node lost its last child; it is a leaf again.
			prog := LeafProgress(node.Status)
			if math.Abs(node.Progress-prog) < progressEpsilon {
				break
			}
			node.Progress = prog
			node.UpdatedAt = now
			changed = append(changed, node.ID)
			v.markDirty(node.ID)
			cur = node.ParentID
			continue
		}

		prog, status := deriveNonLeaf(kids)
		if math.Abs(node.Progress-prog) < progressEpsilon && node.Status == status {
			break
		}
		node.Progress = prog
		node.Status = status
		node.UpdatedAt = now
		changed = append(changed, node.ID)
		v.markDirty(node.ID)
		cur = node.ParentID
	}
	return changed
}

// isAncestor reports whether candidate is id itself or one of its
// ancestors. Used to reject reparent cycles.
func (v *view) isAncestor(candidate, id string) bool {
	cur := candidate
	for cur != "" {
		if cur == id {
			return true
		}
		node, ok := v.items[cur]
		if !ok {
			return false
		}
		cur = node.ParentID
	}
	return false
}

// descendants collects the subtree below id in depth-first order.
func (v *view) descendants(id string) []*types.WorkItem {
	var out []*types.WorkItem
	var walk func(pid string)
	walk = func(pid string) {
		for _, c := range v.children(pid) {
			out = append(out, c)
			walk(c.ID)
		}
	}
	walk(id)
	return out
}

// flush writes every dirty item back through the transaction. vectors
// holds freshly computed embeddings for items whose search text changed;
// other items keep their stored vector.
func (v *view) flush(tx *vecstore.Tx, newVectors map[string][]float32) error {
	ids := make([]string, 0, len(v.dirty))
	for id := range v.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		item, ok := v.items[id]
		if !ok {
			continue // deleted in the same mutation
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encoding work item %s: %w", id, err)
		}
		vec := v.vectors[id]
		if nv, ok := newVectors[id]; ok {
			vec = nv
		}
		rec := &vecstore.Record{
			ID:         id,
			Payload:    payload,
			SearchText: item.SearchText(),
			Vector:     vec,
			UpdatedAt:  item.UpdatedAt,
		}
		if err := tx.Upsert(vecstore.TableWorkItems, rec); err != nil {
			return err
		}
	}
	return nil
}
