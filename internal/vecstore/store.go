// Package vecstore is the vector-indexed entity store. Each namespace
// owns one SQLite database file under the data root; inside it, one table
// per entity kind. Records carry a JSON payload, a search_text field and
// an optional embedding vector stored as a JSON float array.
//
// Per-namespace mutations are serialized by a write mutex held across the
// SQLite transaction. This is the lock that makes order-index density and
// progress propagation safe; see the graph engine.
package vecstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/taskmesh/taskmesh/internal/namespace"
	"github.com/taskmesh/taskmesh/internal/types"
)

// Table names one logical entity table inside a namespace database.
type Table string

// Entity tables.
const (
	TableWorkItems    Table = "work_items"
	TableArchitecture Table = "architecture"
	TableTroubleshoot Table = "troubleshoot"
)

// Tables lists every entity table, in backup manifest order.
var Tables = []Table{TableWorkItems, TableArchitecture, TableTroubleshoot}

// Record is one stored row. Payload is the JSON-encoded entity; the store
// never interprets it. A nil Vector excludes the record from vector and
// hybrid ranking but not from keyword or scalar scans.
type Record struct {
	ID         string
	Payload    []byte
	SearchText string
	Vector     []float32
	UpdatedAt  time.Time
}

// Filter narrows scans and searches. A nil filter matches every record.
type Filter func(*Record) bool

// Order selects scan ordering.
type Order int

// Scan orderings.
const (
	OrderNone Order = iota
	OrderUpdatedDesc
)

// Catalog manages one database handle per namespace, opened lazily.
type Catalog struct {
	root   string
	logger *zap.Logger

	mu  sync.RWMutex
	dbs map[string]*DB
}

// NewCatalog creates a catalog rooted at dir. The directory is created if
// missing.
func NewCatalog(dir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}
	return &Catalog{root: dir, logger: logger, dbs: make(map[string]*DB)}, nil
}

// Root returns the data root directory.
func (c *Catalog) Root() string { return c.root }

// NamespaceDir returns the directory holding a namespace's data.
func (c *Catalog) NamespaceDir(ns string) string {
	return filepath.Join(c.root, ns)
}

// Namespace returns the database for ns, opening or creating it.
func (c *Catalog) Namespace(ns string) (*DB, error) {
	if err := namespace.Check(ns); err != nil {
		return nil, err
	}

	c.mu.RLock()
	db, ok := c.dbs[ns]
	c.mu.RUnlock()
	if ok {
		return db, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.dbs[ns]; ok {
		return db, nil
	}

	dir := c.NamespaceDir(ns)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating namespace dir: %w", err)
	}
	path := filepath.Join(dir, "entities.db")

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening namespace db: %w", err)
	}
	// One writer at a time; the write mutex does the real serialization.
	conn.SetMaxOpenConns(4)

	db = &DB{ns: ns, sql: conn, logger: c.logger.With(zap.String("namespace", ns))}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	c.dbs[ns] = db
	c.logger.Debug("opened namespace store", zap.String("namespace", ns), zap.String("path", path))
	return db, nil
}

// Namespaces lists every namespace with a data directory, open or not.
func (c *Catalog) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && namespace.Valid(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// CloseNamespace closes a namespace handle (needed before restore
// replaces its files on disk).
func (c *Catalog) CloseNamespace(ns string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.dbs[ns]
	if !ok {
		return nil
	}
	delete(c.dbs, ns)
	return db.sql.Close()
}

// Close closes every open namespace handle.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for ns, db := range c.dbs {
		if err := db.sql.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.dbs, ns)
	}
	return firstErr
}

// DB is a single namespace's store.
type DB struct {
	ns     string
	sql    *sql.DB
	logger *zap.Logger

	// writeMu serializes all mutations within the namespace.
	writeMu sync.Mutex
}

// Namespace returns the owning namespace name.
func (d *DB) Namespace() string { return d.ns }

const tableSchema = `CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	search_text TEXT NOT NULL DEFAULT '',
	vector TEXT,
	updated_at TEXT NOT NULL
)`

func (d *DB) migrate() error {
	for _, t := range Tables {
		if _, err := d.sql.Exec(fmt.Sprintf(tableSchema, t)); err != nil {
			return fmt.Errorf("creating table %s: %w", t, err)
		}
	}
	return nil
}

// Get returns a record by primary key, or ErrNotFound.
func (d *DB) Get(ctx context.Context, table Table, id string) (*Record, error) {
	row := d.sql.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, payload, search_text, vector, updated_at FROM %s WHERE id = ?", table), id)
	return scanRecord(row)
}

// Scan returns records matching filter, in the requested order, up to
// limit (0 = unlimited).
func (d *DB) Scan(ctx context.Context, table Table, filter Filter, order Order, limit int) ([]*Record, error) {
	return scanAll(ctx, d.sql, table, filter, order, limit)
}

// Count returns the number of rows in a table.
func (d *DB) Count(ctx context.Context, table Table) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	return n, err
}

// Upsert inserts or replaces a single record atomically.
func (d *DB) Upsert(ctx context.Context, table Table, rec *Record) error {
	return d.Update(ctx, func(tx *Tx) error {
		return tx.Upsert(table, rec)
	})
}

// Delete removes a record by primary key. Deleting an absent id is not an
// error; delete is idempotent at this layer.
func (d *DB) Delete(ctx context.Context, table Table, id string) error {
	return d.Update(ctx, func(tx *Tx) error {
		return tx.Delete(table, id)
	})
}

// Update runs fn inside the namespace write lock and a SQLite transaction.
// If fn returns an error or the context is cancelled, every change is
// rolled back. This is the serialization point for all namespace
// mutations; fn must not perform embedding or network I/O.
func (d *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return types.Wrap(types.CodeTimeout, err, "operation cancelled before write")
	}

	sqlTx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	tx := &Tx{ctx: ctx, tx: sqlTx}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			d.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return types.Wrap(types.CodeConflict, err, "commit failed")
	}
	return nil
}

// Tx exposes record operations inside a single transaction.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Upsert inserts or replaces a record by primary key.
func (t *Tx) Upsert(table Table, rec *Record) error {
	var vecJSON any
	if rec.Vector != nil {
		b, err := json.Marshal(rec.Vector)
		if err != nil {
			return fmt.Errorf("serializing vector: %w", err)
		}
		vecJSON = string(b)
	}
	_, err := t.tx.ExecContext(t.ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s (id, payload, search_text, vector, updated_at) VALUES (?, ?, ?, ?, ?)", table),
		rec.ID, string(rec.Payload), rec.SearchText, vecJSON, rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// Delete removes a record by primary key.
func (t *Tx) Delete(table Table, id string) error {
	_, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	return err
}

// Get reads a record within the transaction (read-your-writes).
func (t *Tx) Get(table Table, id string) (*Record, error) {
	row := t.tx.QueryRowContext(t.ctx,
		fmt.Sprintf("SELECT id, payload, search_text, vector, updated_at FROM %s WHERE id = ?", table), id)
	return scanRecord(row)
}

// Scan reads matching records within the transaction.
func (t *Tx) Scan(table Table, filter Filter, order Order, limit int) ([]*Record, error) {
	return scanAll(t.ctx, t.tx, table, filter, order, limit)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanAll(ctx context.Context, q querier, table Table, filter Filter, order Order, limit int) ([]*Record, error) {
	query := fmt.Sprintf("SELECT id, payload, search_text, vector, updated_at FROM %s", table)
	if order == OrderUpdatedDesc {
		query += " ORDER BY updated_at DESC, id ASC"
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		if filter != nil && !filter(rec) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func decodeRecord(id, payload, searchText string, vecJSON sql.NullString, updatedAt string) (*Record, error) {
	rec := &Record{ID: id, Payload: []byte(payload), SearchText: searchText}
	if vecJSON.Valid && vecJSON.String != "" {
		if err := json.Unmarshal([]byte(vecJSON.String), &rec.Vector); err != nil {
			return nil, fmt.Errorf("parsing vector for %s: %w", id, err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at for %s: %w", id, err)
	}
	rec.UpdatedAt = ts
	return rec, nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var id, payload, searchText, updatedAt string
	var vecJSON sql.NullString
	if err := row.Scan(&id, &payload, &searchText, &vecJSON, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, types.NotFound("record not found")
		}
		return nil, err
	}
	return decodeRecord(id, payload, searchText, vecJSON, updatedAt)
}

func scanRecordRows(rows *sql.Rows) (*Record, error) {
	var id, payload, searchText, updatedAt string
	var vecJSON sql.NullString
	if err := rows.Scan(&id, &payload, &searchText, &vecJSON, &updatedAt); err != nil {
		return nil, err
	}
	return decodeRecord(id, payload, searchText, vecJSON, updatedAt)
}
