package keyValStore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ledger/internal/codec"
)

// maxConflictRetries bounds how often Update re-runs a
// transaction that lost a write-write race.
const maxConflictRetries = 32

// ErrTooManyConflicts is returned when a transaction keeps
// conflicting with concurrent writers.
var ErrTooManyConflicts = errors.New("keyValStore: too many transaction conflicts")

type StoreConfig struct {
	Paths            []string // only Paths[0] is used
	InMemory         bool     // keep everything in RAM, Paths is ignored
	MinimumFreeSpace int      // in GB
	SyncWrites       bool
	Logger           *logrus.Logger
}

type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	readCounter  atomic.Uint64
	writeCounter atomic.Uint64
	conflicts    atomic.Uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // 100MB value log files
	}
	opts.Logger = nil
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if !config.InMemory {
		if err := displayDiskUsage(log, config.Paths); err != nil {
			log.WithError(err).Warn("disk usage unavailable")
		}
	}

	return &KeyValStore{
		config:   config,
		log:      log,
		badgerDB: db,
	}, nil
}

// Txn is a store transaction. Values are CBOR encoded.
type Txn struct {
	txn   *badger.Txn
	store *KeyValStore
}

// Get decodes the value stored under key into v. It
// reports false when the key is absent.
func (t *Txn) Get(key []byte, v any) (bool, error) {
	t.store.readCounter.Add(1)
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(raw []byte) error {
		return codec.Unmarshal(raw, v)
	})
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", hex.EncodeToString(key), err)
	}
	return true, nil
}

// Has reports whether key is present.
func (t *Txn) Has(key []byte) (bool, error) {
	t.store.readCounter.Add(1)
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put encodes v and stores it under key.
func (t *Txn) Put(key []byte, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", hex.EncodeToString(key), err)
	}
	t.store.writeCounter.Add(1)
	return t.txn.Set(key, data)
}

// ScanPrefix calls fn with every key under prefix, in key
// order, until fn returns false.
func (t *Txn) ScanPrefix(prefix []byte, fn func(key []byte) bool) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		t.store.readCounter.Add(1)
		if !fn(it.Item().KeyCopy(nil)) {
			return
		}
	}
}

// Update runs fn in a read-write transaction. Conflicts
// with concurrent writers re-run fn on a fresh snapshot,
// so fn must not keep side effects outside the Txn.
func (k *KeyValStore) Update(ctx context.Context, fn func(tx *Txn) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := k.badgerDB.Update(func(txn *badger.Txn) error {
			return fn(&Txn{txn: txn, store: k})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		k.conflicts.Add(1)
		k.log.WithField("attempt", attempt+1).Debug("transaction conflict, retrying")
	}
	return ErrTooManyConflicts
}

// View runs fn in a read-only transaction over a single
// consistent snapshot.
func (k *KeyValStore) View(ctx context.Context, fn func(tx *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.badgerDB.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, store: k})
	})
}

// Counters returns the number of reads, writes and
// transaction conflicts since the store was opened.
func (k *KeyValStore) Counters() (reads, writes, conflicts uint64) {
	return k.readCounter.Load(), k.writeCounter.Load(), k.conflicts.Load()
}

// Backup streams every version at or above since to w and
// returns the since of the next incremental backup. Zero
// means a full backup.
func (k *KeyValStore) Backup(w io.Writer, since uint64) (uint64, error) {
	last, err := k.badgerDB.Backup(w, since)
	if err != nil {
		return 0, fmt.Errorf("backup: %w", err)
	}
	return last + 1, nil
}

// Load restores a stream written by Backup. It must not
// run concurrently with other writes.
func (k *KeyValStore) Load(r io.Reader) error {
	if err := k.badgerDB.Load(r, 256); err != nil {
		return fmt.Errorf("load backup: %w", err)
	}
	return nil
}

func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		k.log.WithError(err).Warn("clean before close failed")
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

	err = k.badgerDB.Flatten(runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Info("DB Flattened")

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
