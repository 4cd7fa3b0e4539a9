package projectregistry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.json")
	r, err := New(path)
	require.NoError(t, err)
	return r
}

// ============================================================================
// Create / List / Get
// ============================================================================

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Create(ctx, "demo", "/work/demo")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	assert.Equal(t, "demo", p.Name)
	assert.Equal(t, "/work/demo", p.WorkingDir)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := r.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestRegistry_GetMissingReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(context.Background(), "nope")
	assert.Error(t, err)
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "a", "/work/a")
	require.NoError(t, err)
	_, err = r.Create(ctx, "b", "/work/b")
	require.NoError(t, err)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// ============================================================================
// Update / Delete
// ============================================================================

func TestRegistry_UpdatePartialFields(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Create(ctx, "demo", "/work/demo")
	require.NoError(t, err)

	updated, err := r.Update(ctx, p.ID, "renamed", "")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "/work/demo", updated.WorkingDir)
}

func TestRegistry_DeleteRemovesProject(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Create(ctx, "demo", "/work/demo")
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, p.ID))

	_, err = r.Get(ctx, p.ID)
	assert.Error(t, err)
}

func TestRegistry_DeleteMissingReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Delete(context.Background(), "nope")
	assert.Error(t, err)
}

// ============================================================================
// Persistence across instances
// ============================================================================

func TestRegistry_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	r1, err := New(path)
	require.NoError(t, err)

	p, err := r1.Create(context.Background(), "demo", "/work/demo")
	require.NoError(t, err)

	r2, err := New(path)
	require.NoError(t, err)
	got, err := r2.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
}
