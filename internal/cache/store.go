// ============================================================================
// Result Cache Persistence
// Responsibility:
// 1. Write-through storage of cache entries in BadgerDB
// 2. Full scan for warm loading on startup
// 3. Periodic value-log garbage collection
// ============================================================================

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const keyPrefix = "result/"

// StoreConfig configures the on-disk store.
type StoreConfig struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string

	// InMemory runs Badger without touching disk. Used in tests.
	InMemory bool

	// SyncWrites fsyncs every write. Slower but survives power loss.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. 0 disables GC.
	GCInterval time.Duration
}

// Store persists cache entries in BadgerDB.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// OpenStore opens (creating if needed) the Badger database and starts the
// GC loop.
func OpenStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:     db,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.gcLoop(ctx, cfg.GCInterval)
	return s, nil
}

// Put stores one entry under its fingerprint.
func (s *Store) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+e.Fingerprint), data)
	})
}

// Delete removes one entry. Deleting a missing key is not an error.
func (s *Store) Delete(fp string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + fp))
	})
}

// Scan calls fn for every stored entry. Entries that fail to decode are
// logged and skipped so one corrupt record cannot block startup.
func (s *Store) Scan(fn func(Entry)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					s.logger.Warn("skipping corrupt cache entry",
						"key", string(it.Item().Key()), "error", err)
					return nil
				}
				fn(e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	return s.db.Close()
}

func (s *Store) gcLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				s.logger.Warn("badger GC failed", "error", err)
			}
		}
	}
}

// badgerLogger routes Badger's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
