package markdown

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/memory"
	"github.com/taskmesh/taskmesh/internal/types"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

// Service drives export and import between the stores and document
// trees on disk.
type Service struct {
	cat     *vecstore.Catalog
	graph   *graph.Engine
	arch    *memory.ArchStore
	trouble *memory.TroubleStore
	logger  *zap.Logger
}

// NewService creates a sync service over the given stores.
func NewService(cat *vecstore.Catalog, g *graph.Engine, arch *memory.ArchStore, trouble *memory.TroubleStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cat: cat, graph: g, arch: arch, trouble: trouble, logger: logger}
}

// ExportResult describes a completed export.
type ExportResult struct {
	Dir    string       `json:"dir"`
	Counts map[Kind]int `json:"counts"`
}

// Export writes every record in the namespace as a markdown document
// under dir, one subdirectory per entity kind.
func (s *Service) Export(ctx context.Context, ns, dir string) (*ExportResult, error) {
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	res := &ExportResult{Dir: dir, Counts: map[Kind]int{}}

	write := func(kind Kind, key string, doc []byte) error {
		path := filepath.Join(dir, string(kind), key+".md")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, doc, 0o644); err != nil {
			return err
		}
		res.Counts[kind]++
		return nil
	}

	recs, err := db.Scan(ctx, vecstore.TableWorkItems, nil, vecstore.OrderNone, 0)
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	for _, rec := range recs {
		var item types.WorkItem
		if err := json.Unmarshal(rec.Payload, &item); err != nil {
			return nil, types.Wrap(types.CodeInternal, err, "decoding work item %s", rec.ID)
		}
		if err := write(KindWorkItem, item.ID, EncodeWorkItem(&item)); err != nil {
			return nil, err
		}
	}

	recs, err = db.Scan(ctx, vecstore.TableArchitecture, nil, vecstore.OrderNone, 0)
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	for _, rec := range recs {
		var item types.ArchitectureItem
		if err := json.Unmarshal(rec.Payload, &item); err != nil {
			return nil, types.Wrap(types.CodeInternal, err, "decoding architecture item %s", rec.ID)
		}
		if err := write(KindArchitecture, item.Slug, EncodeArchitecture(&item)); err != nil {
			return nil, err
		}
	}

	recs, err = db.Scan(ctx, vecstore.TableTroubleshoot, nil, vecstore.OrderNone, 0)
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	for _, rec := range recs {
		var item types.TroubleshootItem
		if err := json.Unmarshal(rec.Payload, &item); err != nil {
			return nil, types.Wrap(types.CodeInternal, err, "decoding troubleshoot item %s", rec.ID)
		}
		if err := write(KindTroubleshoot, item.Slug, EncodeTroubleshoot(&item)); err != nil {
			return nil, err
		}
	}

	s.logger.Info("export complete",
		zap.String("namespace", ns),
		zap.String("dir", dir),
		zap.Int("work_items", res.Counts[KindWorkItem]),
		zap.Int("architecture", res.Counts[KindArchitecture]),
		zap.Int("troubleshoot", res.Counts[KindTroubleshoot]))
	return res, nil
}

// ImportResult aggregates the per-kind outcomes of one import.
type ImportResult struct {
	WorkItems    *graph.ImportOutcome  `json:"work_items,omitempty"`
	Architecture *memory.ImportOutcome `json:"architecture,omitempty"`
	Troubleshoot *memory.ImportOutcome `json:"troubleshoot,omitempty"`
	ParseErrors  []ParseError          `json:"parse_errors,omitempty"`
}

// ParseError reports a document that could not be decoded at all.
type ParseError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Import reads every .md document under dir and loads it into the
// namespace. mode is one of create_only, update_only, create_or_update,
// replace; replace deletes records absent from the import set. Records
// that fail are reported per kind; the rest still apply.
func (s *Service) Import(ctx context.Context, ns, dir string, mode graph.ImportMode) (*ImportResult, error) {
	if !mode.Valid() {
		return nil, types.Validation("unknown import mode %q", mode)
	}
	res := &ImportResult{}

	var workItems []*types.WorkItem
	var archItems []*types.ArchitectureItem
	var troubleItems []*types.TroubleshootItem

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		dec, err := Decode(data)
		if err != nil {
			res.ParseErrors = append(res.ParseErrors, ParseError{Path: path, Error: err.Error()})
			return nil
		}
		switch dec.Kind {
		case KindWorkItem:
			workItems = append(workItems, dec.WorkItem)
		case KindArchitecture:
			archItems = append(archItems, dec.Architecture)
		case KindTroubleshoot:
			troubleItems = append(troubleItems, dec.Troubleshoot)
		}
		return nil
	})
	if err != nil {
		return nil, types.Wrap(types.CodeValidation, err, "reading import dir %s", dir)
	}

	// A replace with no documents of a kind still clears that kind, so
	// every kind runs even when its slice is empty.
	if len(workItems) > 0 || mode == graph.ImportReplace {
		if res.WorkItems, err = s.graph.Import(ctx, ns, workItems, mode); err != nil {
			return nil, err
		}
	}
	memMode := memory.ImportMode(mode)
	if len(archItems) > 0 || mode == graph.ImportReplace {
		if res.Architecture, err = s.arch.Import(ctx, ns, archItems, memMode); err != nil {
			return nil, err
		}
	}
	if len(troubleItems) > 0 || mode == graph.ImportReplace {
		if res.Troubleshoot, err = s.trouble.Import(ctx, ns, troubleItems, memMode); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func sortRecords(recs []*vecstore.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
