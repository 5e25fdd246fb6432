package tkv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

var DefaultCacheTTL = 1 * time.Minute

const (
	sequencePrefix = "seq/"

	// Restore loads through badger's batched writer; this bounds its in-flight batches.
	restorePendingWrites = 256
)

type tkv struct {
	logger          *slog.Logger
	appCtx          context.Context
	db              *data
	defaultCacheTTL time.Duration

	seqMu sync.Mutex
}

var _ TKV = &tkv{}

// ErrInvalidState is returned when an operation encounters data in an unexpected format.
type ErrInvalidState struct {
	Key    string
	Reason string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("invalid state for key '%s': %s", e.Key, e.Reason)
}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.AppCtx == nil {
		config.AppCtx = context.Background()
	}

	var dbOpts badger.Options
	if config.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		valuesDir := filepath.Join(config.Directory, "values")
		if err := os.MkdirAll(valuesDir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		dbOpts = badger.DefaultOptions(valuesDir)
	}

	badgerLogLevel := badger.INFO
	if config.BadgerLogLevel == slog.LevelDebug {
		badgerLogLevel = badger.DEBUG
	} else if config.BadgerLogLevel == slog.LevelInfo {
		badgerLogLevel = badger.INFO
	} else if config.BadgerLogLevel == slog.LevelWarn {
		badgerLogLevel = badger.WARNING
	} else if config.BadgerLogLevel == slog.LevelError {
		badgerLogLevel = badger.ERROR
	} else {
		config.Logger.Warn("Unknown badger log level, defaulting to info", "level", config.BadgerLogLevel)
	}

	dbOpts = dbOpts.
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](config.CacheTTL),

		// Reads must not extend an entry's life; cached values here are
		// sessions and have a hard expiry.
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &tkv{
		logger: config.Logger.WithGroup("tkv"),
		appCtx: config.AppCtx,
		db: &data{
			store: db,
			cache: cache,
		},
		defaultCacheTTL: config.CacheTTL,
	}, nil
}

func (t *tkv) Close() error {
	var firstErr error

	if t.db.cache != nil {
		t.db.cache.Stop()
		t.logger.Info("ttl cache stopped")
	}

	if err := t.db.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		firstErr = &ErrInternal{Err: err}
	}

	return firstErr
}

func (t *tkv) Get(key string) (string, error) {
	var value []byte
	err := t.db.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (t *tkv) Set(key string, value string) error {
	return t.db.store.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Delete(key string) error {
	return t.db.store.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Iterate(prefix string, offset int, limit int) ([]string, error) {
	var keys []string
	err := t.db.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		collected := 0

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (t *tkv) Scan(prefix string) ([]TKVBatchEntry, error) {
	var entries []TKVBatchEntry
	err := t.db.store.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			entries = append(entries, TKVBatchEntry{
				Key:   string(item.KeyCopy(nil)),
				Value: string(value),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// -------------------------- CACHE

func (t *tkv) CacheGet(key string) (string, error) {
	item := t.db.cache.Get(key)
	if item == nil {
		t.logger.Debug("Cache miss", "key", key)
		return "", &ErrKeyNotFound{Key: key}
	}
	if item.IsExpired() {
		t.logger.Debug("Cache item expired", "key", key)
		t.db.cache.Delete(key)
		return "", &ErrKeyNotFound{Key: key}
	}
	return item.Value(), nil
}

func (t *tkv) CacheSet(key string, value string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = t.defaultCacheTTL
	}
	t.db.cache.Set(key, value, ttl)
	return nil
}

func (t *tkv) CacheDelete(key string) error {
	t.db.cache.Delete(key)
	return nil
}

// -------------------------- BATCH

func (t *tkv) BatchSet(entries []TKVBatchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// A transaction rather than a WriteBatch: callers rely on the entries
	// becoming visible together.
	return t.db.store.Update(func(txn *badger.Txn) error {
		for _, entry := range entries {
			if entry.Key == "" {
				t.logger.Warn("BatchSet encountered an entry with an empty key, skipping.")
				continue
			}
			if err := txn.Set([]byte(entry.Key), []byte(entry.Value)); err != nil {
				return &ErrInternal{Err: fmt.Errorf("failed to set key '%s' in batch: %w", entry.Key, err)}
			}
		}
		return nil
	})
}

func (t *tkv) BatchDelete(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	return t.db.store.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if key == "" {
				t.logger.Warn("BatchDelete encountered an empty key, skipping.")
				continue
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return &ErrInternal{Err: fmt.Errorf("failed to delete key '%s' in batch: %w", key, err)}
			}
		}
		return nil
	})
}

// -------------------------- SEQUENCES

func (t *tkv) NextID(name string) (int64, error) {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()

	key := []byte(sequencePrefix + name)
	var next int64
	err := t.db.store.Update(func(txn *badger.Txn) error {
		current, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		next = current + 1
		if err := txn.Set(key, []byte(strconv.FormatInt(next, 10))); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (t *tkv) ObserveID(name string, id int64) error {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()

	key := []byte(sequencePrefix + name)
	return t.db.store.Update(func(txn *badger.Txn) error {
		current, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		if id <= current {
			return nil
		}
		if err := txn.Set(key, []byte(strconv.FormatInt(id, 10))); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func readCounter(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, &ErrInternal{Err: err}
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, &ErrInternal{Err: err}
	}
	current, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, &ErrInvalidState{Key: string(key), Reason: "counter is not an integer"}
	}
	return current, nil
}

// -------------------------- SNAPSHOT

func (t *tkv) Backup() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := t.db.store.Backup(&buf, 0); err != nil {
		return nil, &ErrInternal{Err: fmt.Errorf("backup failed: %w", err)}
	}
	t.logger.Debug("backup taken", "bytes", buf.Len())
	return buf.Bytes(), nil
}

func (t *tkv) Restore(dump []byte) error {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()

	if err := t.db.store.DropAll(); err != nil {
		return &ErrInternal{Err: fmt.Errorf("drop before restore failed: %w", err)}
	}
	if err := t.db.store.Load(bytes.NewReader(dump), restorePendingWrites); err != nil {
		return &ErrInternal{Err: fmt.Errorf("restore failed: %w", err)}
	}
	t.logger.Info("store restored from backup", "bytes", len(dump))
	return nil
}
