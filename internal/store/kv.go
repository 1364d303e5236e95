// Package store is the artefact store: content-addressed persistence of
// images, bounding boxes, texts, option dictionaries, models and the runs
// that produced them. It exclusively owns all persisted entities; drivers
// go through it for every cache lookup and every result write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a lazy lookup finds no stored entity.
var ErrNotFound = errors.New("store: not found")

const valueLogFileSize = 1024 * 1024 * 100

// Config configures the store.
type Config struct {
	// Path is the on-disk database directory. Ignored when InMemory is set.
	Path string
	// InMemory backs the store with badger's in-memory mode. Used by tests.
	InMemory bool
	// MinimumFreeGB is a free-space threshold checked at open.
	MinimumFreeGB uint
	// Logger is an optional structured logger.
	Logger *slog.Logger
}

// Store wraps the badger database holding all persisted entities.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// Open validates the configuration, checks free space and opens the
// database.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, fmt.Errorf("store: no database path configured")
		}
		if err := checkFreeSpace(config.Path, config.MinimumFreeGB); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(config.Path)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = valueLogFileSize
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: opening badger: %w", err)
	}
	config.Logger.Info("artefact store opened", "path", config.Path, "in_memory", config.InMemory)
	return &Store{db: db, log: config.Logger}, nil
}

// Close syncs and closes the database.
func (s *Store) Close() error {
	// badger's Sync panics on in-memory databases (no WAL to sync), so the
	// in-memory check has to gate the call rather than the error.
	if !s.db.Opts().InMemory {
		if err := s.db.Sync(); err != nil {
			s.log.Warn("db sync failed on close", "error", err)
		}
	}
	if err := s.db.RunValueLogGC(0.1); err != nil && err != badger.ErrNoRewrite && err != badger.ErrGCInMemoryMode {
		s.log.Warn("value log gc failed on close", "error", err)
	}
	return s.db.Close()
}

// key joins parts into a namespaced badger key. Parts must not contain the
// separator; EnsureModel enforces this for model names, all other parts are
// hashes, uuids or iso codes.
func key(parts ...string) []byte {
	return []byte(strings.Join(parts, ":"))
}

func (s *Store) getJSON(k []byte, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	return err
}

func (s *Store) setJSON(k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encoding %T: %w", v, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, data)
	})
}

func (s *Store) exists(k []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) delete(k []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// scanPrefix calls fn for every key/value pair under prefix.
func (s *Store) scanPrefix(prefix []byte, fn func(k, v []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// deletePrefix removes every key under prefix and returns the removed keys.
func (s *Store) deletePrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.scanPrefix(prefix, func(k, _ []byte) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return keys, err
}
