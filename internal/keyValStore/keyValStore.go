// Package keyValStore is the badger backed key/value store underneath the
// metadata store.
package keyValStore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrKeyNotFound is returned by Read for absent or expired keys.
var ErrKeyNotFound = errors.New("keyValStore: key not found")

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	// InMemory keeps everything in RAM; Paths are ignored.
	InMemory bool
	Logger   *logrus.Logger
}

// Entry is one key/value pair. A positive TTL makes the entry expire.
type Entry struct {
	Key   []byte
	Value []byte
	TTL   time.Duration
}

type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("keyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = newBadgerLogger(log)
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	k := &KeyValStore{
		config:   config,
		log:      log,
		badgerDB: db,
	}
	k.logDiskUsage()
	return k, nil
}

// StartTransactionCounter logs read and write operations per interval until
// ctx is done.
func (k *KeyValStore) StartTransactionCounter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				readOps := atomic.SwapUint64(&k.readCounter, 0)
				writeOps := atomic.SwapUint64(&k.writeCounter, 0)
				if readOps+writeOps == 0 {
					continue
				}
				k.log.WithFields(logrus.Fields{
					"reads":    readOps,
					"writes":   writeOps,
					"interval": interval,
				}).Debug("store operations")
			}
		}
	}()
}

// WriteBatch writes every entry in a single transaction: either all of
// them become visible or none does.
func (k *KeyValStore) WriteBatch(batch []Entry) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			atomic.AddUint64(&k.writeCounter, 1)
			e := badger.NewEntry(kv.Key, kv.Value)
			if kv.TTL > 0 {
				e = e.WithTTL(kv.TTL)
			}
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error writing batch: %w", err)
	}
	return nil
}

// WriteIfAbsent writes batch unless guard already exists, atomically.
func (k *KeyValStore) WriteIfAbsent(guard []byte, batch []Entry) (bool, error) {
	written := false
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		atomic.AddUint64(&k.readCounter, 1)
		_, err := txn.Get(guard)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for _, kv := range batch {
			atomic.AddUint64(&k.writeCounter, 1)
			e := badger.NewEntry(kv.Key, kv.Value)
			if kv.TTL > 0 {
				e = e.WithTTL(kv.TTL)
			}
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		written = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("error writing batch: %w", err)
	}
	return written, nil
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %s: %w", key, err)
	}
	return value, nil
}

// Delete removes keys in one transaction. Missing keys are ignored.
func (k *KeyValStore) Delete(keys ...[]byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			atomic.AddUint64(&k.writeCounter, 1)
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error deleting keys: %w", err)
	}
	return nil
}

func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		k.log.Warnf("clean before close: %v", err)
	}
	return k.badgerDB.Close()
}

func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Info("DB Flattened")

	// clean badgerDB
	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}

// GetItemsWithPrefix returns all keys and values with the given prefix in
// key order.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([]Entry, error) {
	var items []Entry
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			items = append(items, Entry{Key: item.KeyCopy(nil), Value: v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating prefix %s: %w", prefix, err)
	}
	return items, nil
}

// badgerLogger routes badger's internal logging into logrus, demoting its
// chatty info output to debug.
type badgerLogger struct {
	log *logrus.Logger
}

func newBadgerLogger(log *logrus.Logger) badgerLogger {
	return badgerLogger{log: log}
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf("badger: "+f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf("badger: "+f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf("badger: "+f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Tracef("badger: "+f, v...) }
