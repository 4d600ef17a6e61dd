package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesight/forgesight/internal/mlmodel"
)

func TestFSStore_PersistAndLoad(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("serialized model bytes")
	version := mlmodel.SemVer{Major: 1, Minor: 2}

	handle, err := store.Persist(data, mlmodel.FamilyPrintTime, version)
	require.NoError(t, err)
	assert.Contains(t, handle, "print_time")
	assert.Contains(t, handle, "1.2.0")

	loaded, err := store.Load(handle)
	require.NoError(t, err)
	assert.Equal(t, data, loaded)

	modTime, err := store.ModTime(handle)
	require.NoError(t, err)
	assert.False(t, modTime.IsZero())
}

func TestFSStore_Persist_Idempotent(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("same bytes")
	version := mlmodel.SemVer{Major: 1}

	first, err := store.Persist(data, mlmodel.FamilyDemandForecast, version)
	require.NoError(t, err)

	second, err := store.Persist(data, mlmodel.FamilyDemandForecast, version)
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical bytes yield the same handle")
}

func TestFSStore_Persist_RejectsEmpty(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Persist(nil, mlmodel.FamilyPrintTime, mlmodel.SemVer{Major: 1})
	assert.ErrorIs(t, err, ErrEmptyArtifact)
}

func TestFSStore_Load_NotFound(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("print_time/1.0.0/deadbeef.model")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	_, err = store.ModTime("print_time/1.0.0/deadbeef.model")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestFSStore_RejectsTraversalHandles(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, handle := range []string{"../outside.model", "/etc/passwd", "a/../../b"} {
		_, err := store.Load(handle)
		assert.ErrorIs(t, err, ErrInvalidHandle, "handle %q", handle)
	}
}
