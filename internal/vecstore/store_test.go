package vecstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/embed"
	"github.com/taskmesh/taskmesh/internal/types"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewCatalog(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := testCatalog(t).Namespace("default")
	require.NoError(t, err)
	return db
}

func rec(id, text string, vec []float32) *Record {
	return &Record{
		ID:         id,
		Payload:    []byte(`{"id":"` + id + `"}`),
		SearchText: text,
		Vector:     vec,
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestUpsertGetDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	in := rec("w1", "fix login redirect", []float32{0.6, 0.8})
	require.NoError(t, db.Upsert(ctx, TableWorkItems, in))

	got, err := db.Get(ctx, TableWorkItems, "w1")
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.JSONEq(t, string(in.Payload), string(got.Payload))
	assert.Equal(t, in.SearchText, got.SearchText)
	assert.Equal(t, in.Vector, got.Vector)

	require.NoError(t, db.Delete(ctx, TableWorkItems, "w1"))
	_, err = db.Get(ctx, TableWorkItems, "w1")
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeNotFound))

	// Deleting again is fine.
	require.NoError(t, db.Delete(ctx, TableWorkItems, "w1"))
}

func TestGetMissing(t *testing.T) {
	db := testDB(t)
	_, err := db.Get(context.Background(), TableArchitecture, "nope")
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeNotFound))
}

func TestNilVectorRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, TableTroubleshoot, rec("t1", "no vector here", nil)))
	got, err := db.Get(ctx, TableTroubleshoot, "t1")
	require.NoError(t, err)
	assert.Nil(t, got.Vector)
}

func TestScanOrderAndLimit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		r := rec(id, "item "+id, nil)
		r.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.Upsert(ctx, TableWorkItems, r))
	}

	recs, err := db.Scan(ctx, TableWorkItems, nil, OrderUpdatedDesc, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "a", recs[2].ID)

	limited, err := db.Scan(ctx, TableWorkItems, nil, OrderUpdatedDesc, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	filtered, err := db.Scan(ctx, TableWorkItems, func(r *Record) bool {
		return r.ID != "b"
	}, OrderNone, 0)
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
}

func TestCount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	n, err := db.Count(ctx, TableWorkItems)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, db.Upsert(ctx, TableWorkItems, rec("w1", "x", nil)))
	require.NoError(t, db.Upsert(ctx, TableWorkItems, rec("w2", "y", nil)))
	n, err = db.Count(ctx, TableWorkItems)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdateRollback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.Upsert(TableWorkItems, rec("w1", "x", nil)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.Get(ctx, TableWorkItems, "w1")
	assert.True(t, types.Is(err, types.CodeNotFound))
}

func TestUpdateReadYourWrites(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.Upsert(TableWorkItems, rec("w1", "x", nil)); err != nil {
			return err
		}
		got, err := tx.Get(TableWorkItems, "w1")
		if err != nil {
			return err
		}
		assert.Equal(t, "w1", got.ID)
		all, err := tx.Scan(TableWorkItems, nil, OrderNone, 0)
		if err != nil {
			return err
		}
		assert.Len(t, all, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateCancelledContext(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.Update(ctx, func(tx *Tx) error { return nil })
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeTimeout))
}

func TestNamespaceIsolation(t *testing.T) {
	cat := testCatalog(t)
	ctx := context.Background()

	a, err := cat.Namespace("team-a")
	require.NoError(t, err)
	b, err := cat.Namespace("team-b")
	require.NoError(t, err)

	require.NoError(t, a.Upsert(ctx, TableWorkItems, rec("w1", "only in a", nil)))

	_, err = b.Get(ctx, TableWorkItems, "w1")
	assert.True(t, types.Is(err, types.CodeNotFound))

	n, err := b.Count(ctx, TableWorkItems)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCatalogNamespaces(t *testing.T) {
	cat := testCatalog(t)

	_, err := cat.Namespace("team-b")
	require.NoError(t, err)
	_, err = cat.Namespace("team-a")
	require.NoError(t, err)

	names, err := cat.Namespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a", "team-b"}, names)
}

func TestCatalogRejectsInvalidNamespace(t *testing.T) {
	cat := testCatalog(t)
	_, err := cat.Namespace("Not Valid")
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeValidation))
}

func TestKeywordTopK(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, TableWorkItems, rec("w1", "login redirect loop on mobile", nil)))
	require.NoError(t, db.Upsert(ctx, TableWorkItems, rec("w2", "login page styling", nil)))
	require.NoError(t, db.Upsert(ctx, TableWorkItems, rec("w3", "database backup rotation", nil)))

	hits, err := db.KeywordTopK(ctx, TableWorkItems, "login redirect", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "w1", hits[0].Record.ID)
	assert.Equal(t, "w2", hits[1].Record.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestVectorTopK(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	eng := embed.NewHashEngine(64)

	texts := map[string]string{
		"w1": "fix login redirect loop",
		"w2": "login redirect broken after deploy",
		"w3": "rotate tls certificates",
	}
	for id, text := range texts {
		v, err := eng.Embed(ctx, text)
		require.NoError(t, err)
		require.NoError(t, db.Upsert(ctx, TableWorkItems, rec(id, text, v)))
	}
	// A record without a vector never ranks.
	require.NoError(t, db.Upsert(ctx, TableWorkItems, rec("w4", "login redirect", nil)))

	q, err := eng.Embed(ctx, "login redirect loop")
	require.NoError(t, err)

	hits, err := db.VectorTopK(ctx, TableWorkItems, q, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "w1", hits[0].Record.ID)
	for _, h := range hits {
		assert.NotEqual(t, "w4", h.Record.ID)
	}
}

func TestHybridTopKIncludesVectorlessRecords(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	eng := embed.NewHashEngine(64)

	v1, err := eng.Embed(ctx, "fix login redirect loop")
	require.NoError(t, err)
	require.NoError(t, db.Upsert(ctx, TableWorkItems, rec("w1", "fix login redirect loop", v1)))
	require.NoError(t, db.Upsert(ctx, TableWorkItems, rec("w2", "login redirect regression", nil)))

	q, err := eng.Embed(ctx, "login redirect")
	require.NoError(t, err)

	hits, err := db.HybridTopK(ctx, TableWorkItems, q, "login redirect", 10, nil)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, h := range hits {
		ids[h.Record.ID] = true
	}
	assert.True(t, ids["w1"])
	assert.True(t, ids["w2"], "keyword leg must surface vectorless records")
}

func TestHybridTopKFusesBothLegs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	eng := embed.NewHashEngine(64)

	texts := map[string]string{
		"w1": "login redirect loop",
		"w2": "redirect chain audit",
		"w3": "unrelated billing export",
	}
	for id, text := range texts {
		v, err := eng.Embed(ctx, text)
		require.NoError(t, err)
		require.NoError(t, db.Upsert(ctx, TableWorkItems, rec(id, text, v)))
	}

	q, err := eng.Embed(ctx, "login redirect loop")
	require.NoError(t, err)

	hits, err := db.HybridTopK(ctx, TableWorkItems, q, "login redirect loop", 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "w1", hits[0].Record.ID, "record winning both legs ranks first")
}
