package db

// DatabaseProvider abstracts the low-level database operations
// This interface allows the store layer to work with different database
// backends without knowing the specific implementation details
type DatabaseProvider interface {
	// Get retrieves a value by key, nil when the key is absent
	Get(key []byte) ([]byte, error)

	// GetBatch retrieves multiple values by keys in a single operation
	GetBatch(keys [][]byte) (map[string][]byte, error)

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

// IterableProvider extends DatabaseProvider with ordered iteration
type IterableProvider interface {
	DatabaseProvider

	// IteratePrefix iterates in byte order over all key-value pairs with
	// the given prefix. The callback should return false to stop iteration.
	IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error

	// IterateRange iterates in byte order over keys in [start, limit).
	// A nil limit means no upper bound. The callback should return false
	// to stop iteration.
	IterateRange(start, limit []byte, callback func(key, value []byte) bool) error
}

// DatabaseBatch provides atomic batch operations
type DatabaseBatch interface {
	// Put adds a key-value pair to the batch
	Put(key, value []byte)

	// Delete adds a deletion to the batch
	Delete(key []byte)

	// Write commits all operations in the batch
	Write() error

	// Reset clears the batch
	Reset()
}

// batchOp is one buffered batch operation, shared by the backends that
// stage writes in memory before committing.
type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}
