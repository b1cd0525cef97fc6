package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
)

var errMemoryCounterConflict = errors.New("memory counter version conflict")

type memoryCounter struct {
	value   int64
	version uint64
}

// MemoryStore keeps every collection in process memory. Counter updates use
// the same read, compute, compare-and-commit cycle as the durable backends.
type MemoryStore struct {
	opts Options

	mu       sync.Mutex
	uploads  map[string]dotpaths.UploadRecord
	paths    map[string]dotpaths.DotPath
	changes  map[string]dotpaths.PathChange
	codes    map[string]int
	counters map[string]memoryCounter
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:     opts.withDefaults(),
		uploads:  map[string]dotpaths.UploadRecord{},
		paths:    map[string]dotpaths.DotPath{},
		changes:  map[string]dotpaths.PathChange{},
		codes:    map[string]int{},
		counters: map[string]memoryCounter{},
	}
}

func (s *MemoryStore) CreateUpload(_ context.Context, rec dotpaths.UploadRecord) (dotpaths.UploadRecord, error) {
	rec = prepareNewUpload(rec, s.opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.uploads[rec.ID]; exists {
		return dotpaths.UploadRecord{}, uploadExistsError(rec.ID)
	}
	s.uploads[rec.ID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) GetUpload(_ context.Context, id string) (dotpaths.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.uploads[id]
	if !ok {
		return dotpaths.UploadRecord{}, dotpaths.NotFoundError(dotpaths.CollectionUploads, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateUpload(_ context.Context, id string, mutate func(*dotpaths.UploadRecord) error) (dotpaths.UploadRecord, dotpaths.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.uploads[id]
	if !ok {
		return dotpaths.UploadRecord{}, dotpaths.UploadRecord{}, dotpaths.NotFoundError(dotpaths.CollectionUploads, id)
	}
	after := before.Clone()
	if err := mutate(&after); err != nil {
		return dotpaths.UploadRecord{}, dotpaths.UploadRecord{}, err
	}
	after.ID = id
	s.uploads[id] = after.Clone()
	return before.Clone(), after, nil
}

func (s *MemoryStore) DeleteUpload(_ context.Context, id string) (dotpaths.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.uploads[id]
	if !ok {
		return dotpaths.UploadRecord{}, dotpaths.NotFoundError(dotpaths.CollectionUploads, id)
	}
	delete(s.uploads, id)
	return rec.Clone(), nil
}

func (s *MemoryStore) DeleteUploadIf(_ context.Context, id string, pred func(dotpaths.UploadRecord) bool) (dotpaths.UploadRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.uploads[id]
	if !ok {
		return dotpaths.UploadRecord{}, false, nil
	}
	if pred != nil && !pred(rec.Clone()) {
		return rec.Clone(), false, nil
	}
	delete(s.uploads, id)
	return rec.Clone(), true, nil
}

func (s *MemoryStore) QueryUploads(_ context.Context, q dotpaths.UploadQuery) ([]dotpaths.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dotpaths.UploadRecord, 0)
	for _, rec := range s.uploads {
		if q.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sortUploads(out)
	return out, nil
}

func (s *MemoryStore) GetDotPath(_ context.Context, dot string) (dotpaths.DotPath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.paths[dot]
	if !ok {
		return dotpaths.DotPath{}, dotpaths.NotFoundError(dotpaths.CollectionPaths, dot)
	}
	return state.Clone(), nil
}

func (s *MemoryStore) SaveDotPath(_ context.Context, state dotpaths.DotPath, change dotpaths.PathChange) error {
	if state.Dot == "" {
		return dotpaths.InvalidInputError("dot path without dot key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[state.Dot] = state.Clone()
	s.changes[dotpaths.LatestChangeKey] = change
	return nil
}

func (s *MemoryStore) GetPathChange(_ context.Context) (dotpaths.PathChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	change, ok := s.changes[dotpaths.LatestChangeKey]
	if !ok {
		return dotpaths.PathChange{}, dotpaths.NotFoundError(dotpaths.CollectionChanges, dotpaths.LatestChangeKey)
	}
	return change, nil
}

func (s *MemoryStore) LookupCode(_ context.Context, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dot, ok := s.codes[code]
	if !ok {
		return 0, dotpaths.NotFoundError(dotpaths.CollectionCodes, code)
	}
	return dot, nil
}

func (s *MemoryStore) PutCodes(_ context.Context, codes map[string]int) error {
	if err := validateCodes(codes); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, dot := range codes {
		s.codes[code] = dot
	}
	return nil
}

func (s *MemoryStore) EnsureCounter(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[name]; ok {
		return false, nil
	}
	s.counters[name] = memoryCounter{}
	return true, nil
}

func (s *MemoryStore) GetCounter(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[name]
	if !ok {
		return 0, dotpaths.MissingCounterError(name)
	}
	return c.value, nil
}

func (s *MemoryStore) UpdateCounter(ctx context.Context, name string, fn func(current int64) (int64, error)) (int64, error) {
	var result int64
	err := retryConflicts(ctx, "counter", s.opts.ConflictTimeout, isMemoryConflict, func() error {
		s.mu.Lock()
		read, ok := s.counters[name]
		s.mu.Unlock()
		if !ok {
			return dotpaths.MissingCounterError(name)
		}
		next, err := fn(read.value)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.counters[name]
		if !ok {
			return dotpaths.MissingCounterError(name)
		}
		if current.version != read.version {
			return errMemoryCounterConflict
		}
		s.counters[name] = memoryCounter{value: next, version: current.version + 1}
		result = next
		return nil
	})
	return result, err
}

func isMemoryConflict(err error) bool {
	return errors.Is(err, errMemoryCounterConflict)
}

func (s *MemoryStore) ListKeys(_ context.Context, collection string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	switch collection {
	case dotpaths.CollectionUploads:
		keys = mapKeys(s.uploads)
	case dotpaths.CollectionPaths:
		keys = mapKeys(s.paths)
	case dotpaths.CollectionChanges:
		keys = mapKeys(s.changes)
	case dotpaths.CollectionCodes:
		keys = mapKeys(s.codes)
	case dotpaths.CollectionCounters:
		keys = mapKeys(s.counters)
	default:
		return nil, dotpaths.InvalidInputError("unknown collection %q", collection)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *MemoryStore) DeleteBatch(_ context.Context, collection string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		switch collection {
		case dotpaths.CollectionUploads:
			delete(s.uploads, key)
		case dotpaths.CollectionPaths:
			delete(s.paths, key)
		case dotpaths.CollectionChanges:
			delete(s.changes, key)
		case dotpaths.CollectionCodes:
			delete(s.codes, key)
		case dotpaths.CollectionCounters:
			delete(s.counters, key)
		default:
			return dotpaths.InvalidInputError("unknown collection %q", collection)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sortUploads(recs []dotpaths.UploadRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
