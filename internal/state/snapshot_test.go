package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "state.json")
	return NewStore(path, time.Hour, zerolog.Nop()), path
}

func TestLoadAbsentSnapshotIsNil(t *testing.T) {
	store, _ := newTestStore(t)

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRoundTrip(t *testing.T) {
	store, path := newTestStore(t)

	require.NoError(t, store.SetSymbol("Main", "NQH5"))
	require.NoError(t, store.SetLastSignal("sig-7"))
	require.NoError(t, store.SetCircuits(map[string]string{"tab-1/CRITICAL": "OPEN"}))
	require.NoError(t, store.SetReadySessions([]string{"Main"}, map[string]int{"Main": 9301}))

	fresh := NewStore(path, time.Hour, zerolog.Nop())
	snap, err := fresh.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, "NQH5", snap.ActiveSymbols["Main"])
	assert.Equal(t, "sig-7", snap.LastSignalID)
	assert.Equal(t, "OPEN", snap.CircuitStates["tab-1/CRITICAL"])
	assert.Equal(t, []string{"Main"}, snap.ReadySessions)
	assert.Equal(t, 9301, snap.AccountPorts["Main"])
	assert.WithinDuration(t, time.Now(), snap.SavedAt, time.Minute)
}

func TestStaleSnapshotIgnored(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.SetSymbol("Main", "NQH5"))

	// Age the snapshot past maxAge.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	snap.SavedAt = time.Now().Add(-2 * time.Hour)
	aged, err := json.Marshal(&snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, aged, 0o644))

	fresh := NewStore(path, time.Hour, zerolog.Nop())
	loaded, err := fresh.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded, "stale snapshots must be treated as absent")
}

func TestCorruptSnapshotIgnored(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.SetSymbol("Main", "NQH5"))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	fresh := NewStore(path, time.Hour, zerolog.Nop())
	loaded, err := fresh.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.SetSymbol("Main", "NQH5"))
	require.NoError(t, store.SetSymbol("Main", "NQM5"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(path), entries[0].Name())
}

func TestSnapshotNeverContainsCredentials(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, store.SetReadySessions([]string{"Main"}, map[string]int{"Main": 9301}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "password")
	assert.NotContains(t, string(data), "username")
}
