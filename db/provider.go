package db

// DatabaseProvider abstracts the key/value backend under the ledger's final store.
// Get returns (nil, nil) for a missing key.
type DatabaseProvider interface {
	// Get retrieves a value by key
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair
	Put(key, value []byte) error

	// Delete removes a key-value pair
	Delete(key []byte) error

	// Has checks if a key exists
	Has(key []byte) (bool, error)

	// Close closes the database connection
	Close() error

	// Batch returns a new batch for atomic operations
	Batch() DatabaseBatch
}

// IterableProvider extends DatabaseProvider with iteration capabilities
type IterableProvider interface {
	DatabaseProvider

	// IteratePrefix iterates over all key-value pairs with the given prefix in key order.
	// The callback function should return false to stop iteration
	IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error
}

// DatabaseBatch provides atomic batch operations. Write either applies every
// operation or none of them.
type DatabaseBatch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
}
