package dotpaths

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/dotpaths/internal/logging"
)

// CodeResolver maps a secret code to a dot index.
type CodeResolver interface {
	Resolve(ctx context.Context, code string) (int, error)
}

type StoreCodeResolver struct {
	store CodeStore
}

func NewStoreCodeResolver(store CodeStore) *StoreCodeResolver {
	return &StoreCodeResolver{store: store}
}

func (r *StoreCodeResolver) Resolve(ctx context.Context, code string) (int, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, CodeNotFoundError(code)
	}
	dot, err := r.store.LookupCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, CodeNotFoundError(code)
		}
		return 0, err
	}
	return dot, nil
}

// ParseCodeFile accepts either an array whose index is the dot and whose
// element is the code, or an object of code to dot.
func ParseCodeFile(data []byte) (map[string]int, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, InvalidInputError("empty code file")
	}
	codes := map[string]int{}
	add := func(code string, dot int) error {
		code = strings.TrimSpace(code)
		if code == "" {
			return nil
		}
		if !ValidDot(dot) {
			return InvalidInputError("code %q maps to dot %d outside %d..%d", code, dot, MinDot, MaxDot)
		}
		if prev, exists := codes[code]; exists && prev != dot {
			return InvalidInputError("code %q maps to both dot %d and dot %d", code, prev, dot)
		}
		codes[code] = dot
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, InvalidInputError("code list: %v", err)
		}
		for dot, code := range list {
			if err := add(code, dot); err != nil {
				return nil, err
			}
		}
		return codes, nil
	}

	var table map[string]int
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, InvalidInputError("code table: %v", err)
	}
	for code, dot := range table {
		if err := add(code, dot); err != nil {
			return nil, err
		}
	}
	return codes, nil
}

// FileCodeResolver serves codes from a JSON file and reloads it when it changes.
type FileCodeResolver struct {
	path   string
	logger zerolog.Logger

	mu    sync.RWMutex
	codes map[string]int

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	wg        sync.WaitGroup
	reloaded  chan struct{}
}

func NewFileCodeResolver(path string, logger *zerolog.Logger) (*FileCodeResolver, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, InvalidInputError("code file path is required")
	}
	r := &FileCodeResolver{
		path:     filepath.Clean(path),
		logger:   logging.Component("codes"),
		reloaded: make(chan struct{}, 1),
	}
	if logger != nil {
		r.logger = *logger
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileCodeResolver) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read code file %s: %w", r.path, err)
	}
	codes, err := ParseCodeFile(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.codes = codes
	r.mu.Unlock()
	return nil
}

func (r *FileCodeResolver) Resolve(_ context.Context, code string) (int, error) {
	code = strings.TrimSpace(code)
	r.mu.RLock()
	dot, ok := r.codes[code]
	r.mu.RUnlock()
	if !ok || code == "" {
		return 0, CodeNotFoundError(code)
	}
	return dot, nil
}

func (r *FileCodeResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.codes)
}

// Codes returns a copy of the loaded table.
func (r *FileCodeResolver) Codes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.codes))
	for k, v := range r.codes {
		out[k] = v
	}
	return out
}

// Reloaded is signalled after every successful reload triggered by the watcher.
func (r *FileCodeResolver) Reloaded() <-chan struct{} {
	return r.reloaded
}

// Watch starts watching the file's directory so editor renames are seen too.
func (r *FileCodeResolver) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	r.watcher = watcher
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watchLoop()
	}()
	return nil
}

func (r *FileCodeResolver) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn().Err(err).Str("path", r.path).Msg("code file reload failed, keeping previous table")
				continue
			}
			r.logger.Info().Str("path", r.path).Int("codes", r.Len()).Msg("code file reloaded")
			select {
			case r.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn().Err(err).Msg("code file watcher error")
		}
	}
}

func (r *FileCodeResolver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.watcher != nil {
			err = r.watcher.Close()
		}
		r.wg.Wait()
	})
	return err
}
