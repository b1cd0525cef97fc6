package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
)

type badgerCounter struct {
	UploadCount int64 `json:"uploadCount,omitempty"`
}

// BadgerStore persists collections in an embedded badger database under
// "<collection>/<key>" keys. Read-modify-write calls run in badger update
// transactions, which abort with ErrConflict on concurrent writes and are retried.
type BadgerStore struct {
	db   *badger.DB
	opts Options
}

// NewBadgerStore opens a database at dir, or an in-memory one when dir is empty.
func NewBadgerStore(dir string, opts Options) (*BadgerStore, error) {
	opts = opts.withDefaults()
	dir = strings.TrimSpace(dir)
	bopts := badger.DefaultOptions(dir)
	if dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithLogger(badgerLogger{logger: opts.Logger.With().Str("backend", "badger").Logger()})
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db, opts: opts}, nil
}

func badgerKey(collection, key string) []byte {
	return []byte(collection + "/" + key)
}

func badgerPrefix(collection string) []byte {
	return []byte(collection + "/")
}

func badgerGet(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func badgerSet(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func isBadgerConflict(err error) bool {
	return errors.Is(err, badger.ErrConflict)
}

func (s *BadgerStore) update(ctx context.Context, operation string, fn func(txn *badger.Txn) error) error {
	return retryConflicts(ctx, operation, s.opts.ConflictTimeout, isBadgerConflict, func() error {
		return s.db.Update(fn)
	})
}

func (s *BadgerStore) CreateUpload(ctx context.Context, rec dotpaths.UploadRecord) (dotpaths.UploadRecord, error) {
	rec = prepareNewUpload(rec, s.opts)
	key := badgerKey(dotpaths.CollectionUploads, rec.ID)
	err := s.update(ctx, "create_upload", func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return uploadExistsError(rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return badgerSet(txn, key, rec)
	})
	if err != nil {
		return dotpaths.UploadRecord{}, err
	}
	return rec, nil
}

func (s *BadgerStore) GetUpload(_ context.Context, id string) (dotpaths.UploadRecord, error) {
	var rec dotpaths.UploadRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerGet(txn, badgerKey(dotpaths.CollectionUploads, id), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return dotpaths.UploadRecord{}, dotpaths.NotFoundError(dotpaths.CollectionUploads, id)
	}
	return rec, err
}

func (s *BadgerStore) UpdateUpload(ctx context.Context, id string, mutate func(*dotpaths.UploadRecord) error) (dotpaths.UploadRecord, dotpaths.UploadRecord, error) {
	var before, after dotpaths.UploadRecord
	key := badgerKey(dotpaths.CollectionUploads, id)
	err := s.update(ctx, "update_upload", func(txn *badger.Txn) error {
		before = dotpaths.UploadRecord{}
		if err := badgerGet(txn, key, &before); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return dotpaths.NotFoundError(dotpaths.CollectionUploads, id)
			}
			return err
		}
		after = before.Clone()
		if err := mutate(&after); err != nil {
			return err
		}
		after.ID = id
		return badgerSet(txn, key, after)
	})
	if err != nil {
		return dotpaths.UploadRecord{}, dotpaths.UploadRecord{}, err
	}
	return before, after, nil
}

func (s *BadgerStore) DeleteUpload(ctx context.Context, id string) (dotpaths.UploadRecord, error) {
	rec, deleted, err := s.DeleteUploadIf(ctx, id, nil)
	if err != nil {
		return dotpaths.UploadRecord{}, err
	}
	if !deleted {
		return dotpaths.UploadRecord{}, dotpaths.NotFoundError(dotpaths.CollectionUploads, id)
	}
	return rec, nil
}

func (s *BadgerStore) DeleteUploadIf(ctx context.Context, id string, pred func(dotpaths.UploadRecord) bool) (dotpaths.UploadRecord, bool, error) {
	var rec dotpaths.UploadRecord
	deleted := false
	key := badgerKey(dotpaths.CollectionUploads, id)
	err := s.update(ctx, "delete_upload", func(txn *badger.Txn) error {
		rec = dotpaths.UploadRecord{}
		deleted = false
		if err := badgerGet(txn, key, &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if pred != nil && !pred(rec.Clone()) {
			return nil
		}
		deleted = true
		return txn.Delete(key)
	})
	if err != nil {
		return dotpaths.UploadRecord{}, false, err
	}
	return rec, deleted, nil
}

func (s *BadgerStore) QueryUploads(_ context.Context, q dotpaths.UploadQuery) ([]dotpaths.UploadRecord, error) {
	out := make([]dotpaths.UploadRecord, 0)
	prefix := badgerPrefix(dotpaths.CollectionUploads)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec dotpaths.UploadRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if q.Match(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortUploads(out)
	return out, nil
}

func (s *BadgerStore) GetDotPath(_ context.Context, dot string) (dotpaths.DotPath, error) {
	var state dotpaths.DotPath
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerGet(txn, badgerKey(dotpaths.CollectionPaths, dot), &state)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return dotpaths.DotPath{}, dotpaths.NotFoundError(dotpaths.CollectionPaths, dot)
	}
	return state, err
}

func (s *BadgerStore) SaveDotPath(ctx context.Context, state dotpaths.DotPath, change dotpaths.PathChange) error {
	if state.Dot == "" {
		return dotpaths.InvalidInputError("dot path without dot key")
	}
	return s.update(ctx, "save_path", func(txn *badger.Txn) error {
		if err := badgerSet(txn, badgerKey(dotpaths.CollectionPaths, state.Dot), state); err != nil {
			return err
		}
		return badgerSet(txn, badgerKey(dotpaths.CollectionChanges, dotpaths.LatestChangeKey), change)
	})
}

func (s *BadgerStore) GetPathChange(_ context.Context) (dotpaths.PathChange, error) {
	var change dotpaths.PathChange
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerGet(txn, badgerKey(dotpaths.CollectionChanges, dotpaths.LatestChangeKey), &change)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return dotpaths.PathChange{}, dotpaths.NotFoundError(dotpaths.CollectionChanges, dotpaths.LatestChangeKey)
	}
	return change, err
}

func (s *BadgerStore) LookupCode(_ context.Context, code string) (int, error) {
	var dot int
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerGet(txn, badgerKey(dotpaths.CollectionCodes, code), &dot)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, dotpaths.NotFoundError(dotpaths.CollectionCodes, code)
	}
	return dot, err
}

func (s *BadgerStore) PutCodes(ctx context.Context, codes map[string]int) error {
	if err := validateCodes(codes); err != nil {
		return err
	}
	return s.update(ctx, "put_codes", func(txn *badger.Txn) error {
		for code, dot := range codes {
			if err := badgerSet(txn, badgerKey(dotpaths.CollectionCodes, code), dot); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) EnsureCounter(ctx context.Context, name string) (bool, error) {
	created := false
	key := badgerKey(dotpaths.CollectionCounters, name)
	err := s.update(ctx, "ensure_counter", func(txn *badger.Txn) error {
		created = false
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return badgerSet(txn, key, badgerCounter{})
	})
	return created, err
}

func (s *BadgerStore) GetCounter(_ context.Context, name string) (int64, error) {
	var c badgerCounter
	err := s.db.View(func(txn *badger.Txn) error {
		return badgerGet(txn, badgerKey(dotpaths.CollectionCounters, name), &c)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, dotpaths.MissingCounterError(name)
	}
	return c.UploadCount, err
}

func (s *BadgerStore) UpdateCounter(ctx context.Context, name string, fn func(current int64) (int64, error)) (int64, error) {
	var result int64
	key := badgerKey(dotpaths.CollectionCounters, name)
	err := s.update(ctx, "counter", func(txn *badger.Txn) error {
		var c badgerCounter
		if err := badgerGet(txn, key, &c); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return dotpaths.MissingCounterError(name)
			}
			return err
		}
		next, err := fn(c.UploadCount)
		if err != nil {
			return err
		}
		result = next
		return badgerSet(txn, key, badgerCounter{UploadCount: next})
	})
	return result, err
}

func (s *BadgerStore) ListKeys(_ context.Context, collection string, limit int) ([]string, error) {
	if !dotpaths.KnownCollection(collection) {
		return nil, dotpaths.InvalidInputError("unknown collection %q", collection)
	}
	prefix := badgerPrefix(collection)
	keys := make([]string, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, err
}

func (s *BadgerStore) DeleteBatch(ctx context.Context, collection string, keys []string) error {
	if !dotpaths.KnownCollection(collection) {
		return dotpaths.InvalidInputError("unknown collection %q", collection)
	}
	return s.update(ctx, "delete_batch", func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(badgerKey(collection, key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(strings.TrimSpace(format), args...)
}
