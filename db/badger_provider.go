package db

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerProvider implements IterableProvider on a badger key-value store
type BadgerProvider struct {
	db *badger.DB
}

func NewBadgerProvider(directory string) (*BadgerProvider, error) {
	db, err := badger.Open(badger.DefaultOptions(directory).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %s", directory)
	}
	return &BadgerProvider{db: db}, nil
}

// NewMemBadgerProvider keeps everything in memory, for tests
func NewMemBadgerProvider() (*BadgerProvider, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory badger")
	}
	return &BadgerProvider{db: db}, nil
}

func (p *BadgerProvider) Get(key []byte) ([]byte, error) {
	var out []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, errors.Wrapf(err, "badger get %q", key)
}

func (p *BadgerProvider) Put(key, value []byte) error {
	err := p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return errors.Wrapf(err, "badger put %q", key)
}

func (p *BadgerProvider) Delete(key []byte) error {
	err := p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	return errors.Wrapf(err, "badger delete %q", key)
}

func (p *BadgerProvider) Has(key []byte) (bool, error) {
	v, err := p.Get(key)
	return v != nil, err
}

func (p *BadgerProvider) Close() error {
	return p.db.Close()
}

func (p *BadgerProvider) Batch() DatabaseBatch {
	return &BadgerBatch{db: p.db}
}

func (p *BadgerProvider) IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error {
	err := p.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		itr := txn.NewIterator(opt)
		defer itr.Close()
		for itr.Seek(prefix); itr.ValidForPrefix(prefix); itr.Next() {
			item := itr.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !callback(item.KeyCopy(nil), value) {
				break
			}
		}
		return nil
	})
	return errors.Wrap(err, "badger iterate")
}

// BadgerBatch applies its operations in a single read-write transaction, so
// a batch larger than the transaction limit fails as a whole
type BadgerBatch struct {
	db  *badger.DB
	ops []boltOp
}

func (b *BadgerBatch) Put(key, value []byte) {
	b.ops = append(b.ops, boltOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *BadgerBatch) Delete(key []byte) {
	b.ops = append(b.ops, boltOp{key: append([]byte(nil), key...), delete: true})
}

func (b *BadgerBatch) Write() error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, op := range b.ops {
			var err error
			if op.delete {
				err = txn.Delete(op.key)
			} else {
				err = txn.Set(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "badger batch write")
}

func (b *BadgerBatch) Reset() {
	b.ops = b.ops[:0]
}
