package db

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBProvider implements IterableProvider for LevelDB
type LevelDBProvider struct {
	once sync.Once
	db   *leveldb.DB
	sync bool
}

// NewLevelDBProvider opens (or creates) a LevelDB directory. Batches are fsynced.
func NewLevelDBProvider(directory string) (*LevelDBProvider, error) {
	db, err := leveldb.OpenFile(directory, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb at %s", directory)
	}
	return &LevelDBProvider{db: db, sync: true}, nil
}

// NewMemLevelDBProvider runs LevelDB over in-memory storage
func NewMemLevelDBProvider() (*LevelDBProvider, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory leveldb")
	}
	return &LevelDBProvider{db: db}, nil
}

func (p *LevelDBProvider) writeOptions() *opt.WriteOptions {
	return &opt.WriteOptions{Sync: p.sync}
}

func (p *LevelDBProvider) Get(key []byte) ([]byte, error) {
	value, err := p.db.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "leveldb get %q", key)
	}
	return value, nil
}

func (p *LevelDBProvider) Put(key, value []byte) error {
	return errors.Wrapf(p.db.Put(key, value, p.writeOptions()), "leveldb put %q", key)
}

func (p *LevelDBProvider) Delete(key []byte) error {
	return errors.Wrapf(p.db.Delete(key, p.writeOptions()), "leveldb delete %q", key)
}

func (p *LevelDBProvider) Has(key []byte) (bool, error) {
	ok, err := p.db.Has(key, nil)
	return ok, errors.Wrapf(err, "leveldb has %q", key)
}

// Close closes the database once
func (p *LevelDBProvider) Close() error {
	var err error
	p.once.Do(func() {
		err = p.db.Close()
	})
	return err
}

func (p *LevelDBProvider) Batch() DatabaseBatch {
	return &LevelDBBatch{batch: new(leveldb.Batch), provider: p}
}

func (p *LevelDBProvider) IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error {
	iter := p.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		// iterator buffers are reused between steps
		key := bytes.Clone(iter.Key())
		value := bytes.Clone(iter.Value())
		if !callback(key, value) {
			break
		}
	}
	return errors.Wrap(iter.Error(), "leveldb iterate")
}

// LevelDBBatch implements DatabaseBatch for LevelDB
type LevelDBBatch struct {
	batch    *leveldb.Batch
	provider *LevelDBProvider
}

func (b *LevelDBBatch) Put(key, value []byte) {
	b.batch.Put(key, value)
}

func (b *LevelDBBatch) Delete(key []byte) {
	b.batch.Delete(key)
}

func (b *LevelDBBatch) Write() error {
	return errors.Wrap(b.provider.db.Write(b.batch, b.provider.writeOptions()), "leveldb batch write")
}

func (b *LevelDBBatch) Reset() {
	b.batch.Reset()
}
