package recipe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// Store loads named recipes from <base>/<name>.json and caches them until
// the file changes.
type Store struct {
	base string

	mu    sync.RWMutex
	cache map[string]*Recipe
	// gen counts invalidations per name; epoch counts full drops. A load
	// that saw either change is not cached.
	gen   map[string]uint64
	epoch uint64
	group singleflight.Group

	afterRead func(name string) // test hook
}

// NewStore returns a store rooted at base.
func NewStore(base string) *Store {
	return &Store{base: base, cache: make(map[string]*Recipe), gen: make(map[string]uint64)}
}

// Base returns the recipe directory.
func (s *Store) Base() string { return s.base }

// Get returns a private copy of the named recipe.
func (s *Store) Get(name string) (*Recipe, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecipe, name)
	}

	s.mu.RLock()
	r, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return r.Clone(), nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		s.mu.RLock()
		gen, epoch := s.gen[name], s.epoch
		s.mu.RUnlock()

		r, err := s.load(name)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.gen[name] == gen && s.epoch == epoch {
			s.cache[name] = r
		}
		s.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Recipe).Clone(), nil
}

func (s *Store) load(name string) (*Recipe, error) {
	path := filepath.Join(s.base, name+".json")
	data, err := os.ReadFile(path)
	if s.afterRead != nil {
		s.afterRead(name)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecipe, name)
	}
	if err != nil {
		return nil, fmt.Errorf("recipe: read %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("recipe %q: %w", name, err)
	}
	log.Debug("recipe loaded", "name", name, "steps", len(r.Steps))
	return r, nil
}

// Invalidate drops a cached recipe, or all of them when name is empty.
func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		s.cache = make(map[string]*Recipe)
		s.epoch++
		return
	}
	delete(s.cache, name)
	s.gen[name]++
}

// Watch invalidates cached recipes as their files change, until ctx ends.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("recipe: watch: %w", err)
	}
	if err := w.Add(s.base); err != nil {
		w.Close()
		return fmt.Errorf("recipe: watch %s: %w", s.base, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".json" {
					continue
				}
				name := strings.TrimSuffix(filepath.Base(event.Name), ".json")
				s.Invalidate(name)
				log.Debug("recipe changed", "name", name, "op", event.Op.String())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("recipe watcher error, dropping cache", "error", err)
				s.Invalidate("")
			}
		}
	}()
	return nil
}

func validName(name string) bool {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return false
	}
	return true
}
