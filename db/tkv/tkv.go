package tkv

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string
	InMemory       bool // no files are written; Directory is ignored
	AppCtx         context.Context
	CacheTTL       time.Duration
}

type data struct {
	store *badger.DB
	cache *ttlcache.Cache[string, string]
}

type TKVBatchEntry struct {
	Key   string
	Value string
}
type TKVBatchHandler interface {
	BatchSet(entries []TKVBatchEntry) error
	BatchDelete(keys []string) error
}

type TKVDataHandler interface {
	Get(key string) (string, error)
	Iterate(prefix string, offset int, limit int) ([]string, error)
	Scan(prefix string) ([]TKVBatchEntry, error) // keys and values under prefix, in key order
	Set(key string, value string) error
	Delete(key string) error
}

type TKVCacheHandler interface {
	CacheGet(key string) (string, error)
	CacheSet(key string, value string, ttl time.Duration) error
	CacheDelete(key string) error
}

type TKVSequenceHandler interface {
	NextID(name string) (int64, error)     // allocate the next id of the named sequence, starting at 1
	ObserveID(name string, id int64) error // raise the sequence floor so NextID never returns id or below
}

type TKVSnapshotHandler interface {
	Backup() ([]byte, error)   // full dump of the store
	Restore(dump []byte) error // replace the whole store with a dump from Backup
}

type TKV interface {
	TKVDataHandler
	TKVCacheHandler
	TKVBatchHandler
	TKVSequenceHandler
	TKVSnapshotHandler

	Close() error
}
