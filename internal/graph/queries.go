package graph

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/types"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

// Default and maximum result limits for list-shaped responses.
const (
	DefaultLimit = 10
	MaxLimit     = 200
)

// ClampLimit normalizes a caller-supplied limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// SearchType selects the retrieval strategy.
type SearchType string

// Search types.
const (
	SearchSemantic SearchType = "semantic"
	SearchKeyword  SearchType = "keyword"
	SearchHybrid   SearchType = "hybrid"
)

// SearchResult pairs an item with its retrieval score.
type SearchResult struct {
	Item  *types.WorkItem `json:"item"`
	Score float64         `json:"score"`
}

// TreeNode is one node of a hierarchy response.
type TreeNode struct {
	Item      *types.WorkItem `json:"item"`
	Children  []*TreeNode     `json:"children,omitempty"`
	Depth     int             `json:"depth"`
	Truncated bool            `json:"truncated,omitempty"`
}

// Relationship selects what get_hierarchy returns.
type Relationship string

// Hierarchy relationships.
const (
	RelChildren      Relationship = "children"
	RelDescendants   Relationship = "descendants"
	RelAncestors     Relationship = "ancestors"
	RelFullHierarchy Relationship = "full_hierarchy"
	RelDependencies  Relationship = "dependencies"
)

// snapshot loads a read view of the namespace and derives sequence
// numbers in memory. Reads never write the cache back; writes refresh it.
func (e *Engine) snapshot(ctx context.Context, ns string) (*view, error) {
	db, err := e.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	recs, err := db.Scan(ctx, vecstore.TableWorkItems, nil, vecstore.OrderNone, 0)
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
			return nil, types.Wrap(types.CodeInternal, err, "decoding work item")
		}
		v.items[item.ID] = &item
		v.vectors[item.ID] = rec.Vector
	}
	v.refreshSequences()
	return v, nil
}

// Get returns an item by id with its derived sequence number.
func (e *Engine) Get(ctx context.Context, ns, id string) (*types.WorkItem, error) {
	v, err := e.snapshot(ctx, ns)
	if err != nil {
		return nil, err
	}
	item, ok := v.items[id]
	if !ok {
		return nil, types.NotFound("work item %s not found", id)
	}
	return item, nil
}

// Resolve finds one best item for a free-text reference. The resolver
// falls through UUID → exact title → title prefix → hybrid search, with
// ties broken by most recent update.
func (e *Engine) Resolve(ctx context.Context, ns, ref string) (*types.WorkItem, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return e.Get(ctx, ns, ref)
	}
	v, err := e.snapshot(ctx, ns)
	if err != nil {
		return nil, err
	}

	pick := func(match func(*types.WorkItem) bool) *types.WorkItem {
		var best *types.WorkItem
		for _, item := range v.items {
			if !match(item) {
				continue
			}
			if best == nil || item.UpdatedAt.After(best.UpdatedAt) {
				best = item
			}
		}
		return best
	}

	lowRef := strings.ToLower(ref)
	if item := pick(func(w *types.WorkItem) bool { return strings.EqualFold(w.Title, ref) }); item != nil {
		return item, nil
	}
	if item := pick(func(w *types.WorkItem) bool { return strings.HasPrefix(strings.ToLower(w.Title), lowRef) }); item != nil {
		return item, nil
	}

	results, _, err := e.Search(ctx, ns, ref, SearchHybrid, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, types.NotFound("no work item matches %q", ref)
	}
	return results[0].Item, nil
}

// Search runs semantic, keyword, or hybrid retrieval over work items.
// An empty query under hybrid means "list", ordered by updated_at desc.
// Returns the page of results and the total number of matches.
func (e *Engine) Search(ctx context.Context, ns, query string, st SearchType, filter *types.ItemFilter, limit int) ([]SearchResult, int, error) {
	limit = ClampLimit(limit)
	db, err := e.cat.Namespace(ns)
	if err != nil {
		return nil, 0, err
	}
	v, err := e.snapshot(ctx, ns)
	if err != nil {
		return nil, 0, err
	}

	sf := func(rec *vecstore.Record) bool {
		item, ok := v.items[rec.ID]
		return ok && filter.Matches(item)
	}

	toResults := func(scored []vecstore.Scored) []SearchResult {
		out := make([]SearchResult, 0, len(scored))
		for _, s := range scored {
			if item, ok := v.items[s.Record.ID]; ok {
				out = append(out, SearchResult{Item: item, Score: s.Score})
			}
		}
		return out
	}

	if query == "" {
		if st != SearchHybrid {
			return nil, 0, types.Validation("empty query requires search_type=hybrid")
		}
		all, err := db.Scan(ctx, vecstore.TableWorkItems, sf, vecstore.OrderUpdatedDesc, 0)
		if err != nil {
			return nil, 0, err
		}
		total := len(all)
		if len(all) > limit {
			all = all[:limit]
		}
		out := make([]SearchResult, 0, len(all))
		for _, rec := range all {
			if item, ok := v.items[rec.ID]; ok {
				out = append(out, SearchResult{Item: item})
			}
		}
		return out, total, nil
	}

	switch st {
	case SearchSemantic:
		qv, err := e.embedText(ctx, query)
		if err != nil {
			return nil, 0, err
		}
		scored, err := db.VectorTopK(ctx, vecstore.TableWorkItems, qv, limit, sf)
		if err != nil {
			return nil, 0, err
		}
		return toResults(scored), len(scored), nil
	case SearchKeyword:
		scored, err := db.KeywordTopK(ctx, vecstore.TableWorkItems, query, limit, sf)
		if err != nil {
			return nil, 0, err
		}
		return toResults(scored), len(scored), nil
	case SearchHybrid, "":
		qv, err := e.embedText(ctx, query)
		if err != nil {
			return nil, 0, err
		}
		scored, err := db.HybridTopK(ctx, vecstore.TableWorkItems, qv, query, limit, sf)
		if err != nil {
			return nil, 0, err
		}
		return toResults(scored), len(scored), nil
	default:
		return nil, 0, types.Validation("unknown search_type: %q", st)
	}
}

// Hierarchy answers get_hierarchy. maxDepth must be at least 1.
// "dependencies" returns the blocked items within the subtree, since
// blocking is the only dependency-like relation the graph models.
func (e *Engine) Hierarchy(ctx context.Context, ns, id string, rel Relationship, maxDepth int, includeCompleted, includeCancelled bool) ([]*TreeNode, error) {
	if maxDepth < 1 {
		return nil, types.Validation("max_depth must be at least 1")
	}
	v, err := e.snapshot(ctx, ns)
	if err != nil {
		return nil, err
	}

	var root *types.WorkItem
	if id != "" {
		item, ok := v.items[id]
		if !ok {
			return nil, types.NotFound("work item %s not found", id)
		}
		root = item
	}

	include := func(w *types.WorkItem) bool {
		if !includeCompleted && w.Status == types.StatusCompleted {
			return false
		}
		if !includeCancelled && w.Status == types.StatusCancelled {
			return false
		}
		return true
	}

	var build func(parentID string, depth int) []*TreeNode
	build = func(parentID string, depth int) []*TreeNode {
		var nodes []*TreeNode
		for _, c := range v.children(parentID) {
			if !include(c) {
				continue
			}
			node := &TreeNode{Item: c, Depth: depth}
			if depth+1 < maxDepth {
				node.Children = build(c.ID, depth+1)
			} else if len(v.children(c.ID)) > 0 {
				node.Truncated = true
			}
			nodes = append(nodes, node)
		}
		return nodes
	}

	switch rel {
	case RelChildren:
		if root == nil {
			return build("", 0), nil
		}
		var nodes []*TreeNode
		for _, c := range v.children(root.ID) {
			if include(c) {
				nodes = append(nodes, &TreeNode{Item: c, Depth: 0})
			}
		}
		return nodes, nil
	case RelDescendants:
		if root == nil {
			return nil, types.Validation("descendants requires work_item_id")
		}
		return build(root.ID, 0), nil
	case RelAncestors:
		if root == nil {
			return nil, types.Validation("ancestors requires work_item_id")
		}
		var nodes []*TreeNode
		cur := root.ParentID
		depth := 0
		for cur != "" && depth < maxDepth {
			p, ok := v.items[cur]
			if !ok {
				break
			}
			nodes = append(nodes, &TreeNode{Item: p, Depth: depth})
			cur = p.ParentID
			depth++
		}
		return nodes, nil
	case RelFullHierarchy, "":
		if root == nil {
			return build("", 0), nil
		}
		node := &TreeNode{Item: root, Depth: 0}
		if maxDepth > 1 {
			node.Children = build(root.ID, 1)
		} else if len(v.children(root.ID)) > 0 {
			node.Truncated = true
		}
		return []*TreeNode{node}, nil
	case RelDependencies:
		scope := func() []*types.WorkItem {
			if root == nil {
				var all []*types.WorkItem
				for _, item := range v.items {
					all = append(all, item)
				}
				return all
			}
			return append([]*types.WorkItem{root}, v.descendants(root.ID)...)
		}()
		var nodes []*TreeNode
		for _, item := range scope {
			if item.Status == types.StatusBlocked && include(item) {
				nodes = append(nodes, &TreeNode{Item: item, Depth: 0})
			}
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Item.SequenceNumber < nodes[j].Item.SequenceNumber })
		return nodes, nil
	default:
		return nil, types.Validation("unknown relationship: %q", rel)
	}
}

// Statistics aggregates namespace-level metrics for analytics responses.
func (e *Engine) Statistics(ctx context.Context, ns string) (*types.Statistics, error) {
	v, err := e.snapshot(ctx, ns)
	if err != nil {
		return nil, err
	}
	stats := &types.Statistics{
		ByStatus: make(map[types.Status]int),
		ByType:   make(map[types.ItemType]int),
	}
	var rootSum float64
	var roots int
	for _, item := range v.items {
		stats.TotalItems++
		stats.ByStatus[item.Status]++
		stats.ByType[item.Type]++
		if item.Status == types.StatusBlocked {
			stats.BlockedItems = append(stats.BlockedItems, item.ID)
		}
		if item.ParentID == "" {
			rootSum += item.Progress
			roots++
		}
	}
	if roots > 0 {
		stats.OverallProgress = rootSum / float64(roots)
	}
	sort.Strings(stats.BlockedItems)
	return stats, nil
}
