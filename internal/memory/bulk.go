package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/types"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

// ImportMode mirrors the work-item import modes for memory records.
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
	Slug  string `json:"slug"`
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

// Import bulk-loads architecture items, preserving ids and timestamps
// from the records. Records that fail validation are reported and
// skipped; the rest of the batch still applies.
func (s *ArchStore) Import(ctx context.Context, ns string, items []*types.ArchitectureItem, mode ImportMode) (*ImportOutcome, error) {
	if !mode.Valid() {
		return nil, types.Validation("unknown import mode %q", mode)
	}
	vectors := make(map[string][]float32, len(items))
	for _, item := range items {
		vec, err := s.embed(ctx, item.SearchText())
		if err != nil {
			return nil, err
		}
		vectors[item.Slug] = vec
	}
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := &ImportOutcome{}
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		imported := make(map[string]bool, len(items))
		for _, item := range items {
			imported[item.Slug] = true
			item.Namespace = ns
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			if item.CreatedAt.IsZero() {
				item.CreatedAt = now
			}
			if item.UpdatedAt.IsZero() {
				item.UpdatedAt = now
			}
			if err := item.Validate(); err != nil {
				out.Errors = append(out.Errors, ImportError{Slug: item.Slug, Error: err.Error()})
				continue
			}
			_, err := tx.Get(vecstore.TableArchitecture, item.Slug)
			exists := err == nil
			switch {
			case exists && mode == ImportCreateOnly:
				out.Errors = append(out.Errors, ImportError{Slug: item.Slug, Error: "slug already exists"})
				continue
			case !exists && mode == ImportUpdateOnly:
				out.Skipped++
				continue
			}
			if err := checkAcyclic(tx, item.Slug, item.ChildrenSlugs); err != nil {
				out.Errors = append(out.Errors, ImportError{Slug: item.Slug, Error: err.Error()})
				continue
			}
			if err := upsertArch(tx, item, vectors[item.Slug]); err != nil {
				return err
			}
			if exists {
				out.Updated++
			} else {
				out.Created++
			}
		}
		if mode == ImportReplace {
			recs, err := tx.Scan(vecstore.TableArchitecture, nil, vecstore.OrderNone, 0)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if !imported[rec.ID] {
					if err := tx.Delete(vecstore.TableArchitecture, rec.ID); err != nil {
						return err
					}
					out.Deleted++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Import bulk-loads troubleshoot items, preserving ids, timestamps, and
// usage counters from the records.
func (s *TroubleStore) Import(ctx context.Context, ns string, items []*types.TroubleshootItem, mode ImportMode) (*ImportOutcome, error) {
	if !mode.Valid() {
		return nil, types.Validation("unknown import mode %q", mode)
	}
	vectors := make(map[string][]float32, len(items))
	for _, item := range items {
		vec, err := s.embed(ctx, item.SearchText())
		if err != nil {
			return nil, err
		}
		vectors[item.Slug] = vec
	}
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := &ImportOutcome{}
	err = db.Update(ctx, func(tx *vecstore.Tx) error {
		imported := make(map[string]bool, len(items))
		for _, item := range items {
			imported[item.Slug] = true
			item.Namespace = ns
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			if item.CreatedAt.IsZero() {
				item.CreatedAt = now
			}
			if item.UpdatedAt.IsZero() {
				item.UpdatedAt = now
			}
			if err := item.Validate(); err != nil {
				out.Errors = append(out.Errors, ImportError{Slug: item.Slug, Error: err.Error()})
				continue
			}
			_, err := tx.Get(vecstore.TableTroubleshoot, item.Slug)
			exists := err == nil
			switch {
			case exists && mode == ImportCreateOnly:
				out.Errors = append(out.Errors, ImportError{Slug: item.Slug, Error: "slug already exists"})
				continue
			case !exists && mode == ImportUpdateOnly:
				out.Skipped++
				continue
			}
			if err := upsertTrouble(tx, item, vectors[item.Slug]); err != nil {
				return err
			}
			if exists {
				out.Updated++
			} else {
				out.Created++
			}
		}
		if mode == ImportReplace {
			recs, err := tx.Scan(vecstore.TableTroubleshoot, nil, vecstore.OrderNone, 0)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if !imported[rec.ID] {
					if err := tx.Delete(vecstore.TableTroubleshoot, rec.ID); err != nil {
						return err
					}
					out.Deleted++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
