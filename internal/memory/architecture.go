// Package memory holds the architecture and troubleshoot memory stores
// and their smart-retrieval services: token-budgeted context assembly and
// usage-weighted problem matching.
package memory

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

// ArchStore manages architecture memory items, keyed by slug within a
// namespace.
type ArchStore struct {
	cat      *vecstore.Catalog
	embedder embed.Engine
	logger   *zap.Logger
	now      func() time.Time
}

// NewArchStore creates an architecture memory store.
func NewArchStore(cat *vecstore.Catalog, embedder embed.Engine, logger *zap.Logger) *ArchStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchStore{cat: cat, embedder: embedder, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ArchRead is an architecture item plus the link targets that do not
// exist yet. Dangling links are accepted on write (forward references)
// and flagged on read.
type ArchRead struct {
	Item     *types.ArchitectureItem `json:"item"`
	Dangling []string                `json:"dangling,omitempty"`
}

// Create stores a new architecture item. The slug must be unused.
func (s *ArchStore) Create(ctx context.Context, ns string, item *types.ArchitectureItem) (*types.ArchitectureItem, error) {
	item.ID = uuid.NewString()
	item.Namespace = ns
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	if err := item.Validate(); err != nil {
		return nil, err
	}

	vec, err := s.embed(ctx, item.SearchText())
	if err != nil {
		return nil, err
	}
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		if _, err := tx.Get(vecstore.TableArchitecture, item.Slug); err == nil {
			return types.Validation("slug %q already exists", item.Slug)
		}
		if err := checkAcyclic(tx, item.Slug, item.ChildrenSlugs); err != nil {
			return err
		}
		return upsertArch(tx, item, vec)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Update applies a full-record update. The slug is immutable; id,
// namespace and created_at are preserved.
func (s *ArchStore) Update(ctx context.Context, ns string, item *types.ArchitectureItem) (*types.ArchitectureItem, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	vec, err := s.embed(ctx, item.SearchText())
	if err != nil {
		return nil, err
	}
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	now := s.now()
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		existing, err := getArch(tx, item.Slug)
		if err != nil {
			return err
		}
		item.ID = existing.ID
		item.Namespace = existing.Namespace
		item.CreatedAt = existing.CreatedAt
		item.UpdatedAt = now
		if err := checkAcyclic(tx, item.Slug, item.ChildrenSlugs); err != nil {
			return err
		}
		return upsertArch(tx, item, vec)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Get returns the item for slug, flagging dangling link targets.
func (s *ArchStore) Get(ctx context.Context, ns, slug string) (*ArchRead, error) {
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	rec, err := db.Get(ctx, vecstore.TableArchitecture, slug)
	if err != nil {
		return nil, types.NotFound("architecture item %q not found", slug)
	}
	item, err := decodeArch(rec)
	if err != nil {
		return nil, err
	}

	var dangling []string
	for _, linked := range append(append([]string{}, item.ChildrenSlugs...), item.RelatedSlugs...) {
		if _, err := db.Get(ctx, vecstore.TableArchitecture, linked); err != nil {
			dangling = append(dangling, linked)
		}
	}
	return &ArchRead{Item: item, Dangling: dangling}, nil
}

// Delete removes the item for slug. Idempotent.
func (s *ArchStore) Delete(ctx context.Context, ns, slug string) error {
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return err
	}
	return db.Delete(ctx, vecstore.TableArchitecture, slug)
}

// List returns items ordered by most recent update.
func (s *ArchStore) List(ctx context.Context, ns string, limit int) ([]*types.ArchitectureItem, error) {
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	recs, err := db.Scan(ctx, vecstore.TableArchitecture, nil, vecstore.OrderUpdatedDesc, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ArchitectureItem, 0, len(recs))
	for _, rec := range recs {
		item, err := decodeArch(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Search runs hybrid retrieval over architecture items.
func (s *ArchStore) Search(ctx context.Context, ns, query string, limit int) ([]*types.ArchitectureItem, error) {
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	qv, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	scored, err := db.HybridTopK(ctx, vecstore.TableArchitecture, qv, query, limit, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ArchitectureItem, 0, len(scored))
	for _, sc := range scored {
		item, err := decodeArch(sc.Record)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *ArchStore) embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" || s.embedder == nil {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.Warn("embedding failed; record will be keyword-only", zap.Error(err))
		return nil, nil
	}
	return vec, nil
}

func upsertArch(tx *vecstore.Tx, item *types.ArchitectureItem, vec []float32) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return tx.Upsert(vecstore.TableArchitecture, &vecstore.Record{
		ID:         item.Slug,
		Payload:    payload,
		SearchText: item.SearchText(),
		Vector:     vec,
		UpdatedAt:  item.UpdatedAt,
	})
}

func getArch(tx *vecstore.Tx, slug string) (*types.ArchitectureItem, error) {
	rec, err := tx.Get(vecstore.TableArchitecture, slug)
	if err != nil {
		return nil, types.NotFound("architecture item %q not found", slug)
	}
	return decodeArch(rec)
}

func decodeArch(rec *vecstore.Record) (*types.ArchitectureItem, error) {
	var item types.ArchitectureItem
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "decoding architecture item")
	}
	return &item, nil
}

// checkAcyclic rejects children edges that would close a cycle through
// existing items. Dangling targets are ignored; they cannot complete a
// cycle until they exist, and their own write re-checks.
func checkAcyclic(tx *vecstore.Tx, slug string, children []string) error {
	// DFS from each proposed child following stored children edges.
	visited := map[string]bool{}
	var walk func(cur string) error
	walk = func(cur string) error {
		if cur == slug {
			return types.E(types.CodeCycle, "children link closes a cycle through %q", slug)
		}
		if visited[cur] {
			return nil
		}
		visited[cur] = true
		rec, err := tx.Get(vecstore.TableArchitecture, cur)
		if err != nil {
			return nil // dangling
		}
		item, err := decodeArch(rec)
		if err != nil {
			return err
		}
		for _, c := range item.ChildrenSlugs {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, c := range children {
		if err := walk(c); err != nil {
			return err
		}
	}
	return nil
}
