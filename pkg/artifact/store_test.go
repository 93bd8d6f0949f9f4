package artifact

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/pkg/core"
)

// Both local store implementations must satisfy the same Put/Get/Stat
// contract, so the behavioral tests run against each.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"fs":     fs,
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ref, err := store.Put(ctx, "web-service", "abc1234", strings.NewReader("binary bits"))
			require.NoError(t, err)
			assert.Equal(t, "web-service", ref.Name)
			assert.Equal(t, "abc1234", ref.VersionKey)
			assert.Len(t, ref.SHA256, 64)

			rc, err := store.Get(ctx, ref)
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "binary bits", string(data))
		})
	}
}

func TestStorePutIdempotent(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.Put(ctx, "app", "v1", strings.NewReader("same content"))
			require.NoError(t, err)

			second, err := store.Put(ctx, "app", "v1", strings.NewReader("same content"))
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

func TestStorePutConflict(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Put(ctx, "app", "v1", strings.NewReader("original"))
			require.NoError(t, err)

			_, err = store.Put(ctx, "app", "v1", strings.NewReader("tampered"))
			require.Error(t, err)
			assert.Equal(t, core.ErrCodeArtifactConflict, core.CodeOf(err))

			// The original content survives the rejected overwrite.
			info, err := store.Stat(ctx, "app", "v1")
			require.NoError(t, err)
			rc, err := store.Get(ctx, info.Ref)
			require.NoError(t, err)
			data, _ := io.ReadAll(rc)
			rc.Close()
			assert.Equal(t, "original", string(data))
		})
	}
}

func TestStoreGetByHashPrefix(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ref, err := store.Put(ctx, "app", "v1", strings.NewReader("content"))
			require.NoError(t, err)

			// Refs printed with String() carry a 12-char hash prefix.
			parsed, err := ParseRef(ref.String())
			require.NoError(t, err)
			rc, err := store.Get(ctx, parsed)
			require.NoError(t, err)
			rc.Close()

			// A wrong hash is a miss even when name and version exist.
			parsed.SHA256 = "0000000000000000"
			_, err = store.Get(ctx, parsed)
			require.Error(t, err)
			assert.Equal(t, core.ErrCodeArtifactNotFound, core.CodeOf(err))
		})
	}
}

func TestStoreStat(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ref, err := store.Put(ctx, "app", "v1", strings.NewReader("12345"))
			require.NoError(t, err)

			info, err := store.Stat(ctx, "app", "v1")
			require.NoError(t, err)
			assert.Equal(t, ref, info.Ref)
			assert.Equal(t, int64(5), info.SizeBytes)
			assert.False(t, info.UploadedAt.IsZero())
		})
	}
}

func TestStoreMissing(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, Ref{Name: "ghost", VersionKey: "v1"})
			require.Error(t, err)
			assert.Equal(t, core.ErrCodeArtifactNotFound, core.CodeOf(err))
			assert.True(t, core.IsNotFound(err))

			_, err = store.Stat(ctx, "ghost", "v1")
			require.Error(t, err)
			assert.Equal(t, core.ErrCodeArtifactNotFound, core.CodeOf(err))
		})
	}
}

func TestFSStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFSStore(dir)
	require.NoError(t, err)
	ref, err := first.Put(ctx, "app", "v1", strings.NewReader("persisted"))
	require.NoError(t, err)

	reopened, err := NewFSStore(dir)
	require.NoError(t, err)
	rc, err := reopened.Get(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "persisted", string(data))
}
