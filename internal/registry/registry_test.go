package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/config"
)

type fakeStore struct {
	snap *catalog.RegistrySnapshot
}

func (f *fakeStore) LoadRegistrySnapshot(ctx context.Context) (*catalog.RegistrySnapshot, error) {
	return f.snap, nil
}

func TestRegistryLoadAndRefresh(t *testing.T) {
	store := &fakeStore{snap: &catalog.RegistrySnapshot{
		Documents: map[string]catalog.Document{"d1": {ID: "d1", Slug: "doc-one", Active: true}},
		BySlug:    map[string]string{"doc-one": "d1"},
		Owners:    map[string]catalog.Owner{},
	}}

	r, err := New(store, config.RegistryConfig{RefreshInterval: time.Hour}, config.RedisConfig{})
	require.NoError(t, err)
	require.Equal(t, StateUninitialized, r.Phase())

	require.NoError(t, r.Load(context.Background()))
	require.Equal(t, StateReady, r.Phase())

	d, ok := r.DocumentBySlug("doc-one")
	require.True(t, ok)
	require.Equal(t, "d1", d.ID)

	store.snap = &catalog.RegistrySnapshot{
		Documents: map[string]catalog.Document{"d2": {ID: "d2", Slug: "doc-two", Active: true}},
		BySlug:    map[string]string{"doc-two": "d2"},
		Owners:    map[string]catalog.Owner{},
	}
	require.NoError(t, r.Refresh(context.Background()))

	_, ok = r.DocumentBySlug("doc-one")
	require.False(t, ok, "stale document should be gone after refresh")
	_, ok = r.DocumentBySlug("doc-two")
	require.True(t, ok)
}
