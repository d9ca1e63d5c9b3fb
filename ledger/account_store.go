package ledger

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"github.com/mezonai/blockclique/db"
	"github.com/mezonai/blockclique/jsonx"
	"github.com/mezonai/blockclique/types"
)

// storedEntry is the persisted form of a ledger entry. Balances are kept as
// decimal strings so every backend stores the same bytes.
type storedEntry struct {
	Balance string `json:"balance"`
	Rolls   uint64 `json:"rolls"`
}

func encodeEntry(entry *types.LedgerEntry) ([]byte, error) {
	balance := "0"
	if entry.Balance != nil {
		balance = entry.Balance.Dec()
	}
	return jsonx.Marshal(storedEntry{Balance: balance, Rolls: entry.Rolls})
}

func decodeEntry(data []byte) (*types.LedgerEntry, error) {
	var se storedEntry
	if err := jsonx.Unmarshal(data, &se); err != nil {
		return nil, err
	}
	balance, err := uint256.FromDecimal(se.Balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", se.Balance, err)
	}
	return &types.LedgerEntry{Balance: balance, Rolls: se.Rolls}, nil
}

// AccountStore is the final ledger on disk with a write-through LRU cache in front of it.
// It has a single writer; readers may run concurrently.
type AccountStore struct {
	dbProvider db.IterableProvider
	cache      *lru.Cache
}

func NewAccountStore(dbProvider db.IterableProvider, cacheCapacity int) (*AccountStore, error) {
	if dbProvider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	cache, err := lru.New(cacheCapacity)
	if err != nil {
		return nil, err
	}
	return &AccountStore{dbProvider: dbProvider, cache: cache}, nil
}

// GetByAddr returns the entry of addr, nil if it does not exist
func (as *AccountStore) GetByAddr(addr types.Address) (*types.LedgerEntry, error) {
	if cached, ok := as.cache.Get(addr); ok {
		return cached.(*types.LedgerEntry).Clone(), nil
	}

	data, err := as.dbProvider.Get(accountKey(string(addr)))
	if err != nil {
		return nil, fmt.Errorf("could not get account %s from db: %w", addr, err)
	}
	var entry *types.LedgerEntry
	if data != nil {
		if entry, err = decodeEntry(data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal account %s: %w", addr, err)
		}
	}
	as.cache.Add(addr, entry)
	return entry.Clone(), nil
}

// writeBatch stages changes plus extra raw keys in one atomic batch. The
// cache is only updated once the batch is durable.
func (as *AccountStore) writeBatch(changes types.LedgerChanges, extra map[string][]byte) error {
	batch := as.dbProvider.Batch()
	for _, addr := range changes.SortedAddresses() {
		entry := changes[addr]
		if entry.IsEmpty() {
			batch.Delete(accountKey(string(addr)))
			continue
		}
		data, err := encodeEntry(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal account %s: %w", addr, err)
		}
		batch.Put(accountKey(string(addr)), data)
	}
	for key, value := range extra {
		batch.Put([]byte(key), value)
	}
	if err := batch.Write(); err != nil {
		// the batch may have been partially seen by the backend; drop cached state for touched keys
		for addr := range changes {
			as.cache.Remove(addr)
		}
		return fmt.Errorf("failed to write batch of accounts to database: %w", err)
	}

	for addr, entry := range changes {
		if entry.IsEmpty() {
			as.cache.Add(addr, (*types.LedgerEntry)(nil))
		} else {
			as.cache.Add(addr, entry.Clone())
		}
	}
	return nil
}

// ForEach visits every stored entry. Order depends on the backend.
func (as *AccountStore) ForEach(fn func(addr types.Address, entry *types.LedgerEntry) bool) error {
	var decodeErr error
	err := as.dbProvider.IteratePrefix([]byte(PrefixAccount), func(key, value []byte) bool {
		entry, err := decodeEntry(value)
		if err != nil {
			decodeErr = fmt.Errorf("failed to unmarshal %s: %w", key, err)
			return false
		}
		return fn(types.Address(strings.TrimPrefix(string(key), PrefixAccount)), entry)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func (as *AccountStore) getMeta(key string) ([]byte, error) {
	return as.dbProvider.Get([]byte(key))
}

func (as *AccountStore) purgeCache() {
	as.cache.Purge()
}

func (as *AccountStore) Close() error {
	return as.dbProvider.Close()
}
