// File: internal/cache/backlog_test.go
// Author: momentics <momentics@gmail.com>

package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func collect(out *[]string) func([]byte) bool {
	return func(b []byte) bool {
		*out = append(*out, string(b))
		return true
	}
}

func failOn(bad string, out *[]string) func([]byte) bool {
	return func(b []byte) bool {
		if string(b) == bad {
			return false
		}
		*out = append(*out, string(b))
		return true
	}
}

func TestBacklogOrderAndDrain(t *testing.T) {
	b := New(DefaultMemLimit, zaptest.NewLogger(t))
	defer b.Close()

	assert.True(t, b.Empty())
	require.NoError(t, b.Cache([]byte("a")))
	require.NoError(t, b.Cache([]byte("b")))
	assert.False(t, b.Empty())
	assert.Equal(t, 2, b.Len())

	var got []string
	assert.True(t, b.FlushAll(collect(&got)))
	assert.Equal(t, []string{"a", "b"}, got)
	assert.True(t, b.Empty())
	assert.Equal(t, 0, b.MemBytes())
}

func TestBacklogPartialFailureMemory(t *testing.T) {
	b := New(DefaultMemLimit, zaptest.NewLogger(t))
	defer b.Close()
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, b.Cache([]byte(s)))
	}

	var got []string
	assert.False(t, b.FlushAll(failOn("b", &got)))
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 2, b.Len())

	got = nil
	assert.True(t, b.FlushAll(collect(&got)))
	assert.Equal(t, []string{"b", "c"}, got)
	assert.True(t, b.Empty())
}

func TestBacklogSpillsToDiskInOrder(t *testing.T) {
	dir := t.TempDir()
	// Room for two 4-byte records in memory.
	b := New(8, zaptest.NewLogger(t), WithDiskDir(dir))
	defer b.Close()

	in := []string{"r001", "r002", "r003", "r004", "r005"}
	for _, s := range in {
		require.NoError(t, b.Cache([]byte(s)))
	}
	assert.Equal(t, 8, b.MemBytes())
	assert.Equal(t, 3, b.disk.Len())

	var got []string
	assert.False(t, b.FlushAll(failOn("r004", &got)))
	assert.Equal(t, []string{"r001", "r002", "r003"}, got)

	// Memory has room again, but ordering keeps new records behind disk.
	require.NoError(t, b.Cache([]byte("r006")))
	assert.Equal(t, 0, b.MemBytes())

	got = nil
	assert.True(t, b.FlushAll(collect(&got)))
	assert.Equal(t, []string{"r004", "r005", "r006"}, got)
	assert.True(t, b.Empty())

	// Drained disk tier is truncated.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	info, err := os.Stat(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	require.NoError(t, b.Close())
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBacklogFallsBackToMemoryWithoutDisk(t *testing.T) {
	b := New(4, zaptest.NewLogger(t), WithDiskDir(filepath.Join(t.TempDir(), "missing")))
	defer b.Close()

	require.NoError(t, b.Cache([]byte("0123")))
	require.NoError(t, b.Cache([]byte("4567")))
	assert.Equal(t, 8, b.MemBytes())

	var got []string
	assert.True(t, b.FlushAll(collect(&got)))
	assert.Equal(t, []string{"0123", "4567"}, got)
}

func TestBacklogClear(t *testing.T) {
	b := New(2, zaptest.NewLogger(t), WithDiskDir(t.TempDir()))
	defer b.Close()
	require.NoError(t, b.Cache([]byte("xx")))
	require.NoError(t, b.Cache([]byte("yy")))
	b.Clear()
	assert.True(t, b.Empty())

	require.NoError(t, b.Cache([]byte("zz")))
	var got []string
	assert.True(t, b.FlushAll(collect(&got)))
	assert.Equal(t, []string{"zz"}, got)
}

func TestDiskStoreRecords(t *testing.T) {
	d := NewDiskStore(t.TempDir())
	defer d.Close()

	_, err := d.Peek()
	assert.Error(t, err)

	require.NoError(t, d.Append([]byte("first")))
	require.NoError(t, d.Append(nil))
	require.NoError(t, d.Append([]byte("third")))

	rec, err := d.Peek()
	require.NoError(t, err)
	assert.Equal(t, "first", string(rec))
	rec, err = d.Peek()
	require.NoError(t, err)
	assert.Equal(t, "first", string(rec), "peek must not consume")

	require.NoError(t, d.Advance())
	rec, err = d.Peek()
	require.NoError(t, err)
	assert.Empty(t, rec)
	require.NoError(t, d.Advance())
	rec, err = d.Peek()
	require.NoError(t, err)
	assert.Equal(t, "third", string(rec))
	require.NoError(t, d.Advance())
	assert.True(t, d.Empty())
}
