package kv

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/btreedb/mem"
)

func TestSha256Database(t *testing.T) {
	var db Sha256Database
	db.SetDevice(new(mem.Device))
	db.SetContentIdentifier("hashed")
	db.SetBlockSize(1024)
	created, err := db.Open()
	require.NoError(t, err)
	require.True(t, created)
	defer db.Close()
	require.Equal(t, sha256.Size, db.Database().KeySize())

	for _, key := range []string{"", "a", strings.Repeat("long key ", 100)} {
		existed, err := db.InsertString(key, []byte(key))
		require.NoError(t, err)
		require.False(t, existed)

		found, err := db.ContainsString(key)
		require.NoError(t, err)
		require.True(t, found, "key %q", key)

		val, found, err := db.Find([]byte(key))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, key, string(val))
	}

	removed, err := db.RemoveString("a")
	require.NoError(t, err)
	require.True(t, removed)
	found, err := db.Contains([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSha256DatabaseDistinctKeys(t *testing.T) {
	var db Sha256Database
	db.SetDevice(new(mem.Device))
	db.SetAutoCommit(false)
	_, err := db.Open()
	require.NoError(t, err)
	defer db.Close()

	const n = 2000
	for i := range n {
		existed, err := db.Insert(fmt.Appendf(nil, "entity/%d", i), fmt.Appendf(nil, "%d", i))
		require.NoError(t, err)
		require.False(t, existed, "collision at %d", i)
	}
	require.NoError(t, db.Commit())

	count, err := db.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(n), count)

	for i := range n {
		val, found, err := db.FindString(fmt.Sprintf("entity/%d", i))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprint(i), string(val))
	}
}
