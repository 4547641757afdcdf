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

// TroubleStore manages troubleshoot memory items and their usage
// counters.
type TroubleStore struct {
	cat      *vecstore.Catalog
	embedder embed.Engine
	logger   *zap.Logger
	now      func() time.Time
}

// NewTroubleStore creates a troubleshoot memory store.
func NewTroubleStore(cat *vecstore.Catalog, embedder embed.Engine, logger *zap.Logger) *TroubleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TroubleStore{cat: cat, embedder: embedder, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Create stores a new troubleshoot item. The slug must be unused.
func (s *TroubleStore) Create(ctx context.Context, ns string, item *types.TroubleshootItem) (*types.TroubleshootItem, error) {
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
		if _, err := tx.Get(vecstore.TableTroubleshoot, item.Slug); err == nil {
			return types.Validation("slug %q already exists", item.Slug)
		}
		return upsertTrouble(tx, item, vec)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Update applies a full-record update; slug, id, namespace, created_at
// and usage counters are preserved from the stored record.
func (s *TroubleStore) Update(ctx context.Context, ns string, item *types.TroubleshootItem) (*types.TroubleshootItem, error) {
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
		existing, err := getTrouble(tx, item.Slug)
		if err != nil {
			return err
		}
		item.ID = existing.ID
		item.Namespace = existing.Namespace
		item.CreatedAt = existing.CreatedAt
		item.UsageCount = existing.UsageCount
		item.SuccessCount = existing.SuccessCount
		item.UpdatedAt = now
		if err := item.Validate(); err != nil {
			return err
		}
		return upsertTrouble(tx, item, vec)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Get returns the item for slug.
func (s *TroubleStore) Get(ctx context.Context, ns, slug string) (*types.TroubleshootItem, error) {
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	rec, err := db.Get(ctx, vecstore.TableTroubleshoot, slug)
	if err != nil {
		return nil, types.NotFound("troubleshoot item %q not found", slug)
	}
	return decodeTrouble(rec)
}

// Delete removes the item for slug. Idempotent.
func (s *TroubleStore) Delete(ctx context.Context, ns, slug string) error {
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return err
	}
	return db.Delete(ctx, vecstore.TableTroubleshoot, slug)
}

// List returns items ordered by most recent update.
func (s *TroubleStore) List(ctx context.Context, ns string, limit int) ([]*types.TroubleshootItem, error) {
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	recs, err := db.Scan(ctx, vecstore.TableTroubleshoot, nil, vecstore.OrderUpdatedDesc, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*types.TroubleshootItem, 0, len(recs))
	for _, rec := range recs {
		item, err := decodeTrouble(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// RecordUse increments the usage counters after a client consumed a
// match. outcome is "success" or "fail".
func (s *TroubleStore) RecordUse(ctx context.Context, ns, slug, outcome string) (*types.TroubleshootItem, error) {
	if outcome != "success" && outcome != "fail" {
		return nil, types.Validation("outcome must be 'success' or 'fail'")
	}
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var updated *types.TroubleshootItem
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		item, err := getTrouble(tx, slug)
		if err != nil {
			return err
		}
		item.UsageCount++
		if outcome == "success" {
			item.SuccessCount++
		}
		item.UpdatedAt = now
		updated = item
		// Vector unchanged: re-upsert with the stored embedding.
		rec, err := tx.Get(vecstore.TableTroubleshoot, slug)
		if err != nil {
			return err
		}
		return upsertTrouble(tx, item, rec.Vector)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *TroubleStore) embed(ctx context.Context, text string) ([]float32, error) {
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

func upsertTrouble(tx *vecstore.Tx, item *types.TroubleshootItem, vec []float32) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return tx.Upsert(vecstore.TableTroubleshoot, &vecstore.Record{
		ID:         item.Slug,
		Payload:    payload,
		SearchText: item.SearchText(),
		Vector:     vec,
		UpdatedAt:  item.UpdatedAt,
	})
}

func getTrouble(tx *vecstore.Tx, slug string) (*types.TroubleshootItem, error) {
	rec, err := tx.Get(vecstore.TableTroubleshoot, slug)
	if err != nil {
		return nil, types.NotFound("troubleshoot item %q not found", slug)
	}
	return decodeTrouble(rec)
}

func decodeTrouble(rec *vecstore.Record) (*types.TroubleshootItem, error) {
	var item types.TroubleshootItem
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "decoding troubleshoot item")
	}
	return &item, nil
}
