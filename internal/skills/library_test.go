package skills

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/storage"
	"github.com/codebox-ai/codebox/internal/types"
)

func newTestLibrary(t *testing.T, embedder Embedder) (*Library, storage.SkillStore) {
	t.Helper()
	backend, err := storage.NewFile(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	lib, err := NewLibrary(context.Background(), backend.Skills(), embedder, logging.NewNop())
	require.NoError(t, err)
	return lib, backend.Skills()
}

func TestCreateGetRoundTrip(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()
	source := "// Greets a person\nfunction run(name, greeting = \"hello\") {\n  return greeting + \" \" + name;\n}\n"

	created, err := lib.Create(ctx, "greet", source, "Greets a person", false)
	require.NoError(t, err)
	require.Len(t, created.Parameters, 2)
	assert.Equal(t, "name", created.Parameters[0].Name)
	assert.False(t, created.Parameters[0].HasDefault)
	assert.Equal(t, "greeting", created.Parameters[1].Name)
	assert.True(t, created.Parameters[1].HasDefault)

	loaded, err := lib.Get("greet")
	require.NoError(t, err)
	assert.Equal(t, source, loaded.Source, "source must round-trip byte-for-byte")
}

func TestCreateValidation(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	_, err := lib.Create(ctx, "bad name", "function run() {}", "", false)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidRequest))

	_, err = lib.Create(ctx, "no_run", "function other() {}", "", false)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidRequest))

	_, err = lib.Create(ctx, "bad_syntax", "function run( {", "", false)
	assert.True(t, errdefs.IsKind(err, errdefs.KindSyntax))
}

func TestCreateDuplicate(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	_, err := lib.Create(ctx, "twice", "function run() { return 1; }", "", false)
	require.NoError(t, err)

	_, err = lib.Create(ctx, "twice", "function run() { return 2; }", "", false)
	assert.True(t, errdefs.IsKind(err, errdefs.KindDuplicateSkill))

	// Overwrite is explicit.
	updated, err := lib.Create(ctx, "twice", "function run() { return 2; }", "", true)
	require.NoError(t, err)
	assert.Contains(t, updated.Source, "return 2")
}

func TestDeleteIdempotent(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	_, err := lib.Create(ctx, "temp", "function run() {}", "", false)
	require.NoError(t, err)

	removed, err := lib.Delete(ctx, "temp")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = lib.Delete(ctx, "temp")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListAppearsAfterCreate(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	_, err := lib.Create(ctx, "visible", "function run() {}", "shows up", false)
	require.NoError(t, err)

	listed := lib.List()
	require.Len(t, listed, 1)
	assert.Equal(t, "visible", listed[0].Name)
	assert.Empty(t, listed[0].Source, "listings omit source")
}

func TestCorruptSourceListedNotCallable(t *testing.T) {
	lib, store := newTestLibrary(t, nil)
	ctx := context.Background()

	// Write a broken source directly into the store, bypassing validation.
	require.NoError(t, store.Put(ctx, &types.Skill{Name: "broken", Source: "function run( {"}))
	require.NoError(t, lib.Refresh(ctx))

	listed := lib.List()
	require.Len(t, listed, 1)
	assert.NotEmpty(t, listed[0].Error)

	_, _, err := lib.Program("broken")
	assert.True(t, errdefs.IsKind(err, errdefs.KindSkillError))
}

func TestSubstringSearchFallback(t *testing.T) {
	lib, _ := newTestLibrary(t, nil)
	ctx := context.Background()

	_, err := lib.Create(ctx, "fetch_json", "function run(url) {}", "download json documents", false)
	require.NoError(t, err)
	_, err = lib.Create(ctx, "parse_csv", "function run(text) {}", "parse csv rows", false)
	require.NoError(t, err)

	found, err := lib.Search(ctx, "json", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "fetch_json", found[0].Name)

	// Deterministic name ordering on ties.
	found, err = lib.Search(ctx, "s", 5)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "fetch_json", found[0].Name)
	assert.Equal(t, "parse_csv", found[1].Name)
}

// countingEmbedder wraps HashEmbedder and counts Embed calls to observe the
// cache.
type countingEmbedder struct {
	HashEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	c.calls++
	return c.HashEmbedder.Embed(ctx, texts)
}

func TestSemanticSearchAndVectorCache(t *testing.T) {
	embedder := &countingEmbedder{}
	backend, err := storage.NewFile(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	lib, err := NewLibrary(ctx, backend.Skills(), embedder, logging.NewNop())
	require.NoError(t, err)

	_, err = lib.Create(ctx, "alpha", "function run() {}", "first skill", false)
	require.NoError(t, err)
	_, err = lib.Create(ctx, "beta", "function run() {}", "second skill", false)
	require.NoError(t, err)
	callsAfterCreate := embedder.calls
	require.Positive(t, callsAfterCreate)

	found, err := lib.Search(ctx, "skill", 5)
	require.NoError(t, err)
	assert.Len(t, found, 2)
	// Identical queries rank identically.
	again, err := lib.Search(ctx, "skill", 5)
	require.NoError(t, err)
	require.Equal(t, len(found), len(again))
	for i := range found {
		assert.Equal(t, found[i].Name, again[i].Name)
	}

	// A fresh library over the same store reuses cached vectors.
	fresh := &countingEmbedder{}
	_, err = NewLibrary(ctx, backend.Skills(), fresh, logging.NewNop())
	require.NoError(t, err)
	assert.Zero(t, fresh.calls, "unchanged skills must not be re-embedded")
}

func TestVectorCacheInvalidatedOnChange(t *testing.T) {
	embedder := &countingEmbedder{}
	backend, err := storage.NewFile(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	lib, err := NewLibrary(ctx, backend.Skills(), embedder, logging.NewNop())
	require.NoError(t, err)
	_, err = lib.Create(ctx, "mutating", "function run() { return 1; }", "v1", false)
	require.NoError(t, err)

	// Overwriting with a new source re-embeds at create time and stores the
	// vectors under the new content hash, so the next load finds them current.
	_, err = lib.Create(ctx, "mutating", "function run() { return 2; }", "v1", true)
	require.NoError(t, err)

	fresh := &countingEmbedder{}
	_, err = NewLibrary(ctx, backend.Skills(), fresh, logging.NewNop())
	require.NoError(t, err)
	assert.Zero(t, fresh.calls, "cache was refreshed at create time")
}

func TestBindArgs(t *testing.T) {
	skill := &types.Skill{
		Name: "greet",
		Parameters: []types.SkillParameter{
			{Name: "name"},
			{Name: "greeting", HasDefault: true},
		},
	}

	args, err := BindArgs(skill, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, []any{"ada", nil}, args)

	_, err = BindArgs(skill, map[string]any{})
	assert.True(t, errdefs.IsKind(err, errdefs.KindMissingArgument))

	_, err = BindArgs(skill, map[string]any{"name": "ada", "extra": 1})
	assert.True(t, errdefs.IsKind(err, errdefs.KindUnknownArgument))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, Cosine(nil, []float64{1}))
	assert.Zero(t, Cosine([]float64{0, 0}, []float64{0, 0}))
}
