package state

import (
	"errors"
	"fmt"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"btcfi/storage"
)

var (
	headKey      = []byte("state/head")
	modulePrefix = []byte("module/")
)

// Head describes the last committed transition.
type Head struct {
	Height uint64
	Time   uint64
	Root   [32]byte
	Label  string
}

// Manager persists engine snapshots in a key-value store. Each committed
// transition writes every module blob and the head in a single batch.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided store.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func moduleKey(name string) []byte {
	buf := make([]byte, 0, len(modulePrefix)+len(name))
	buf = append(buf, modulePrefix...)
	return append(buf, name...)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Module returns the snapshot blob for name.
func (m *Manager) Module(name string) ([]byte, bool, error) {
	data, err := m.db.Get(moduleKey(name))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Modules lists the names of every stored snapshot.
func (m *Manager) Modules() ([]string, error) {
	keys, err := m.db.Keys(modulePrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k[len(modulePrefix):])
	}
	return names, nil
}

// Head returns the last committed head, if any.
func (m *Manager) Head() (Head, bool, error) {
	var head Head
	ok, err := m.KVGet(headKey, &head)
	return head, ok, err
}

// Commit writes blobs and head atomically. head.Root is overwritten with the
// root of blobs.
func (m *Manager) Commit(head Head, blobs map[string][]byte) (Head, error) {
	head.Root = Root(blobs)
	encodedHead, err := rlp.EncodeToBytes(&head)
	if err != nil {
		return Head{}, err
	}
	version, err := rlp.EncodeToBytes(uint64(StateVersion))
	if err != nil {
		return Head{}, err
	}
	batch := m.db.NewBatch()
	for name, blob := range blobs {
		batch.Put(moduleKey(name), blob)
	}
	batch.Put(headKey, encodedHead)
	batch.Put(stateVersionKey, version)
	if err := batch.Write(); err != nil {
		return Head{}, fmt.Errorf("state: commit height %d: %w", head.Height, err)
	}
	return head, nil
}

// Root hashes the blobs in name order. Each entry contributes its name and
// the keccak256 of its blob.
func Root(blobs map[string][]byte) [32]byte {
	names := make([]string, 0, len(blobs))
	for name := range blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([][]byte, 0, 2*len(names))
	for _, name := range names {
		parts = append(parts, []byte(name), ethcrypto.Keccak256(blobs[name]))
	}
	var root [32]byte
	copy(root[:], ethcrypto.Keccak256(parts...))
	return root
}
