// Package storage provides the node's persistence layer: a BadgerDB-backed
// key-value store for durable data (node identity, privacy settings,
// permanent infrastructure entries) and the geographic sharding store that
// holds the live network map.
package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v3"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("haimesh/storage")

// ErrKeyNotFound is returned for absent and expired keys.
var ErrKeyNotFound = fmt.Errorf("key not found")

// Key prefixes for the durable store.
const (
	MetaPrefix  = "meta:"
	InfraPrefix = "inf:"
	PeerPrefix  = "per:"
	TracePrefix = "trc:"
)

// MetaKey addresses a named singleton (identity, privacy settings).
func MetaKey(name string) []byte { return []byte(MetaPrefix + name) }

// InfraKey addresses a permanent infrastructure entry.
func InfraKey(key string) []byte { return []byte(InfraPrefix + key) }

// BadgerStore wraps BadgerDB v3 with the small surface the rest of the node
// needs. Safe for concurrent use.
type BadgerStore struct {
	db *badger.DB
	mu sync.RWMutex
}

// OpenBadger opens (or creates) the database under dataDir.
func OpenBadger(dataDir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dataDir, err)
	}
	log.Debugw("badger opened", "dir", dataDir)
	return &BadgerStore{db: db}, nil
}

// Close releases the database. Safe to call twice.
func (bs *BadgerStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.db == nil {
		return nil
	}
	err := bs.db.Close()
	bs.db = nil
	return err
}

// Get retrieves a value by key.
func (bs *BadgerStore) Get(key []byte) ([]byte, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	var value []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	return value, err
}

// Set stores a key-value pair.
func (bs *BadgerStore) Set(key, value []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes a key.
func (bs *BadgerStore) Delete(key []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Has checks whether a key exists.
func (bs *BadgerStore) Has(key []byte) (bool, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	err := bs.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ForEach walks every key under prefix, stopping on the first error.
func (bs *BadgerStore) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	return bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC triggers value-log garbage collection.
func (bs *BadgerStore) RunGC(discardRatio float64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.db.RunValueLogGC(discardRatio)
}

// Size returns the on-disk size.
func (bs *BadgerStore) Size() (int64, error) {
	lsm, vlog := bs.db.Size()
	return lsm + vlog, nil
}

// GetMeta fetches a named singleton, nil when never written. Implements the
// load half of privacy.SettingsStore semantics.
func (bs *BadgerStore) GetMeta(name string) ([]byte, error) {
	v, err := bs.Get(MetaKey(name))
	if err == ErrKeyNotFound {
		return nil, nil
	}
	return v, err
}

// SetMeta stores a named singleton.
func (bs *BadgerStore) SetMeta(name string, value []byte) error {
	return bs.Set(MetaKey(name), value)
}

// LoadSettings and SaveSettings satisfy privacy.SettingsStore.
// settingsMetaKey holds the serialized privacy settings.
const settingsMetaKey = "privacy_settings"

func (bs *BadgerStore) LoadSettings() ([]byte, error) { return bs.GetMeta(settingsMetaKey) }
func (bs *BadgerStore) SaveSettings(d []byte) error   { return bs.SetMeta(settingsMetaKey, d) }
