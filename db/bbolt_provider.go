package db

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var ledgerBucket = []byte("ledger")

// BoltProvider implements IterableProvider on a single bbolt bucket
type BoltProvider struct {
	db *bolt.DB
}

func NewBoltProvider(path string) (*BoltProvider, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bbolt at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create bbolt bucket")
	}
	return &BoltProvider{db: db}, nil
}

func (p *BoltProvider) Get(key []byte) ([]byte, error) {
	var out []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(ledgerBucket).Get(key); v != nil {
			// bbolt values are only valid inside the transaction
			out = bytes.Clone(v)
		}
		return nil
	})
	return out, errors.Wrapf(err, "bbolt get %q", key)
}

func (p *BoltProvider) Put(key, value []byte) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Put(key, value)
	})
	return errors.Wrapf(err, "bbolt put %q", key)
}

func (p *BoltProvider) Delete(key []byte) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Delete(key)
	})
	return errors.Wrapf(err, "bbolt delete %q", key)
}

func (p *BoltProvider) Has(key []byte) (bool, error) {
	v, err := p.Get(key)
	return v != nil, err
}

func (p *BoltProvider) Close() error {
	return p.db.Close()
}

func (p *BoltProvider) Batch() DatabaseBatch {
	return &BoltBatch{db: p.db}
}

func (p *BoltProvider) IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error {
	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ledgerBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !callback(bytes.Clone(k), bytes.Clone(v)) {
				break
			}
		}
		return nil
	})
	return errors.Wrap(err, "bbolt iterate")
}

type boltOp struct {
	key    []byte
	value  []byte
	delete bool
}

// BoltBatch buffers operations and applies them in one read-write transaction
type BoltBatch struct {
	db  *bolt.DB
	ops []boltOp
}

func (b *BoltBatch) Put(key, value []byte) {
	b.ops = append(b.ops, boltOp{key: bytes.Clone(key), value: bytes.Clone(value)})
}

func (b *BoltBatch) Delete(key []byte) {
	b.ops = append(b.ops, boltOp{key: bytes.Clone(key), delete: true})
}

func (b *BoltBatch) Write() error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ledgerBucket)
		for _, op := range b.ops {
			var err error
			if op.delete {
				err = bucket.Delete(op.key)
			} else {
				err = bucket.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "bbolt batch write")
}

func (b *BoltBatch) Reset() {
	b.ops = b.ops[:0]
}
