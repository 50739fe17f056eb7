package emergency

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_maker/internal/core"
)

func TestStore_ExistsFalseWhenNoFile(t *testing.T) {
	s := New(t.TempDir())
	assert.False(t, s.Exists(1))
}

func TestStore_FilePathFormat(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	assert.Equal(t, filepath.Join(dir, ".001_emergency_stop"), s.path(1))
	assert.Equal(t, filepath.Join(dir, ".099_emergency_stop"), s.path(99))
	assert.Equal(t, filepath.Join(dir, ".999_emergency_stop"), s.path(999))
}

func TestStore_CreateThenExistsAndRead(t *testing.T) {
	s := New(t.TempDir())

	flag := core.EmergencyFlag{
		Timestamp: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		AccountID: 1,
		Symbol:    "DOGEUSDT",
		Reason:    "MM Rate exceeded threshold",
	}
	require.NoError(t, s.Create(1, flag))

	assert.True(t, s.Exists(1))

	read, err := s.Read(1)
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, "DOGEUSDT", read.Symbol)
	assert.Equal(t, "MM Rate exceeded threshold", read.Reason)
	assert.Equal(t, 1, read.AccountID)
}

func TestStore_ReadReturnsNilWhenAbsent(t *testing.T) {
	s := New(t.TempDir())

	read, err := s.Read(1)
	require.NoError(t, err)
	assert.Nil(t, read)
}

func TestStore_ReadCorruptFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, os.WriteFile(s.path(1), []byte("not valid json{"), 0o644))

	_, err := s.Read(1)
	assert.Error(t, err)

	// existence doesn't depend on parseability: a corrupt flag still blocks startup.
	assert.True(t, s.Exists(1))
}

func TestStore_CreateCreatesMissingDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s := New(dir)

	require.NoError(t, s.Create(1, core.EmergencyFlag{AccountID: 1, Reason: "test"}))
	assert.DirExists(t, dir)
	assert.True(t, s.Exists(1))
}

func TestStore_CreateLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Create(1, core.EmergencyFlag{AccountID: 1, Reason: "test"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestStore_RemoveExistingFile(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Create(1, core.EmergencyFlag{AccountID: 1, Reason: "test"}))
	require.True(t, s.Exists(1))

	require.NoError(t, s.Remove(1))
	assert.False(t, s.Exists(1))
}

func TestStore_RemoveNonexistentFileIsNoop(t *testing.T) {
	s := New(t.TempDir())
	assert.NoError(t, s.Remove(1))
}

func TestStore_MultipleAccountsAreIndependent(t *testing.T) {
	s := New(t.TempDir())

	for _, id := range []int{1, 2, 5, 10} {
		require.NoError(t, s.Create(id, core.EmergencyFlag{AccountID: id, Reason: "test"}))
	}

	assert.True(t, s.Exists(1))
	assert.True(t, s.Exists(2))
	assert.True(t, s.Exists(5))
	assert.True(t, s.Exists(10))
	assert.False(t, s.Exists(3))

	read5, err := s.Read(5)
	require.NoError(t, err)
	assert.Equal(t, 5, read5.AccountID)
}

func TestStore_CreateOverwritesExistingFlag(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Create(1, core.EmergencyFlag{AccountID: 1, Reason: "first incident"}))
	require.NoError(t, s.Create(1, core.EmergencyFlag{AccountID: 1, Reason: "second incident"}))

	read, err := s.Read(1)
	require.NoError(t, err)
	assert.Equal(t, "second incident", read.Reason)
}
