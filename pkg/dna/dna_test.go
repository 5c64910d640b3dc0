package dna

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/fabric/pkg/capability"
)

func newRegistry() *Registry {
	return NewRegistry(capability.NewMemoryRowStore()).
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) })
}

func TestPromoteVersionsAndCurrent(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	v1, err := r.Promote(ctx, RegistryIntent, "org.content.parse", map[string]interface{}{"schema": "v1"}, "art-1", "curator")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsCurrentVersion)

	v2, err := r.Promote(ctx, RegistryIntent, "org.content.parse", map[string]interface{}{"schema": "v2"}, "art-2", "curator")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	current, err := r.Current(ctx, RegistryIntent, "org.content.parse")
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
	assert.Equal(t, "v2", current.Definition["schema"])

	old, err := r.Get(ctx, RegistryIntent, "org.content.parse", 1)
	require.NoError(t, err)
	assert.False(t, old.IsCurrentVersion)
	assert.Equal(t, "v1", old.Definition["schema"])

	versions, err := r.Versions(ctx, RegistryIntent, "org.content.parse")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
}

func TestRegistriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	_, err := r.Promote(ctx, RegistrySolution, "org.analytics", nil, "", "curator")
	require.NoError(t, err)

	_, err = r.Current(ctx, RegistryRealm, "org.analytics")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnknownRegistryRejected(t *testing.T) {
	r := newRegistry()
	_, err := r.Promote(context.Background(), RegistryName("bogus"), "x", nil, "", "curator")
	assert.ErrorIs(t, err, ErrUnknownRegistry)
}
