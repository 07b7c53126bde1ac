package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"stablecore/storage"
)

// Manager provides a minimal typed key/value interface over the backing
// database. Module engines encode their stored records with RLP and keep
// keys un-hashed so prefix iteration stays possible.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVGet loads the RLP-encoded record stored under key into out. It returns
// false when no record exists.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, fmt.Errorf("state: manager not initialised")
	}
	data, err := m.db.Get(key)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut stores value under key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, encoded)
}

// KVDelete removes the record stored under key. Deleting a missing key is
// not an error.
func (m *Manager) KVDelete(key []byte) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	return m.db.Delete(key)
}

// KVIterate walks every record whose key starts with prefix. The callback
// receives the full key and the raw encoded value and returns true to
// continue.
func (m *Manager) KVIterate(prefix []byte, fn func(key, value []byte) bool) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	return m.db.IteratePrefix(prefix, fn)
}
