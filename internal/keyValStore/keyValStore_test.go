package keyValStore

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newMemStore(t *testing.T) *KeyValStore {
	t.Helper()
	kv, err := NewKeyValStore(StoreConfig{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestWriteReadDelete(t *testing.T) {
	kv := newMemStore(t)

	require.NoError(t, kv.WriteBatch([]Entry{{Key: []byte("a"), Value: []byte("1")}}))
	v, err := kv.Read([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, kv.Delete([]byte("a"), []byte("never-written")))
	_, err = kv.Read([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestWriteBatchAndPrefix(t *testing.T) {
	kv := newMemStore(t)
	require.NoError(t, kv.WriteBatch([]Entry{
		{Key: []byte("p:2"), Value: []byte("two")},
		{Key: []byte("p:1"), Value: []byte("one")},
		{Key: []byte("q:1"), Value: []byte("other")},
	}))

	items, err := kv.GetItemsWithPrefix([]byte("p:"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, []byte("p:1"), items[0].Key)
	require.Equal(t, []byte("two"), items[1].Value)
}

func TestWriteIfAbsent(t *testing.T) {
	kv := newMemStore(t)
	batch := []Entry{{Key: []byte("guard"), Value: []byte("v1")}, {Key: []byte("child"), Value: []byte("c1")}}

	ok, err := kv.WriteIfAbsent([]byte("guard"), batch)
	require.NoError(t, err)
	require.True(t, ok)

	batch[1].Value = []byte("c2")
	ok, err = kv.WriteIfAbsent([]byte("guard"), batch)
	require.NoError(t, err)
	require.False(t, ok)

	v, err := kv.Read([]byte("child"))
	require.NoError(t, err)
	require.Equal(t, []byte("c1"), v)
}

func TestTTLExpires(t *testing.T) {
	kv := newMemStore(t)
	require.NoError(t, kv.WriteBatch([]Entry{{Key: []byte("s"), Value: []byte("x"), TTL: time.Second}}))
	_, err := kv.Read([]byte("s"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := kv.Read([]byte("s"))
		return err != nil
	}, 5*time.Second, 100*time.Millisecond)
}

func TestOnDiskStore(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewKeyValStore(StoreConfig{Paths: []string{dir}, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, kv.WriteBatch([]Entry{{Key: []byte("k"), Value: []byte("v")}}))
	require.NoError(t, kv.Close())

	kv, err = NewKeyValStore(StoreConfig{Paths: []string{dir}, Logger: quietLogger()})
	require.NoError(t, err)
	defer kv.Close()
	v, err := kv.Read([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	usage, err := kv.DiskUsage()
	require.NoError(t, err)
	require.Len(t, usage, 1)
	require.Equal(t, dir, usage[0].Path)
	require.Positive(t, usage[0].StoreBytes)
	require.NotZero(t, usage[0].Total)
}

func TestValidateConfig(t *testing.T) {
	_, err := NewKeyValStore(StoreConfig{Logger: quietLogger()})
	require.Error(t, err)

	_, err = NewKeyValStore(StoreConfig{Paths: []string{"/does/not/exist"}, Logger: quietLogger()})
	require.Error(t, err)

	_, err = NewKeyValStore(StoreConfig{Paths: []string{t.TempDir()}, MinimumFreeSpace: 1 << 30, Logger: quietLogger()})
	require.Error(t, err)
}

func TestDiskUsageInMemory(t *testing.T) {
	kv, err := NewKeyValStore(StoreConfig{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	defer kv.Close()
	usage, err := kv.DiskUsage()
	require.NoError(t, err)
	require.Empty(t, usage)
}
