package db

import (
	"path/filepath"
	"testing"

	"github.com/mezonai/blockclique/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]IterableProvider {
	t.Helper()
	mem, err := NewMemLevelDBProvider()
	require.NoError(t, err)
	onDisk, err := NewLevelDBProvider(t.TempDir())
	require.NoError(t, err)
	bolt, err := NewBoltProvider(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	badgerMem, err := NewMemBadgerProvider()
	require.NoError(t, err)
	all := map[string]IterableProvider{"memory": mem, "leveldb": onDisk, "bbolt": bolt, "badger": badgerMem}
	t.Cleanup(func() {
		for _, p := range all {
			p.Close()
		}
	})
	return all
}

func TestProviders_GetPutDelete(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			v, err := p.Get([]byte("missing"))
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, p.Put([]byte("k"), []byte("v")))
			v, err = p.Get([]byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), v)
			has, err := p.Has([]byte("k"))
			require.NoError(t, err)
			assert.True(t, has)

			require.NoError(t, p.Delete([]byte("k")))
			has, err = p.Has([]byte("k"))
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestProviders_BatchAndIterate(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Put([]byte("account:old"), []byte("x")))

			batch := p.Batch()
			batch.Put([]byte("account:b"), []byte("2"))
			batch.Put([]byte("account:a"), []byte("1"))
			batch.Put([]byte("meta:slot"), []byte("s"))
			batch.Delete([]byte("account:old"))
			require.NoError(t, batch.Write())

			var keys []string
			err := p.IteratePrefix([]byte("account:"), func(key, value []byte) bool {
				keys = append(keys, string(key))
				return true
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"account:a", "account:b"}, keys)

			keys = keys[:0]
			err = p.IteratePrefix([]byte("account:"), func(key, value []byte) bool {
				keys = append(keys, string(key))
				return false
			})
			require.NoError(t, err)
			assert.Len(t, keys, 1)
		})
	}
}

func TestProviders_BatchReset(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			batch := p.Batch()
			batch.Put([]byte("dropped"), []byte("1"))
			batch.Reset()
			batch.Put([]byte("kept"), []byte("1"))
			require.NoError(t, batch.Write())

			has, err := p.Has([]byte("dropped"))
			require.NoError(t, err)
			assert.False(t, has)
			has, err = p.Has([]byte("kept"))
			require.NoError(t, err)
			assert.True(t, has)
		})
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.LedgerConfig{Backend: "bbolt", Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p, err = NewProvider(config.LedgerConfig{Backend: "badger", Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = NewProvider(config.LedgerConfig{Backend: "sqlite"})
	assert.Error(t, err)
}

func TestNewPostgresProvider_RejectsTableName(t *testing.T) {
	_, err := NewPostgresProvider("postgres://localhost/ledger", "ledger; DROP TABLE x")
	assert.Error(t, err)
}
