package cache

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mevdschee/tqdbsync/logging"
)

// Flusher is anything that can drop all of its cached state
type Flusher interface {
	Clear()
}

// FlushFunc adapts a function to Flusher
type FlushFunc func()

func (f FlushFunc) Clear() { f() }

// Registry holds named caches that can be flushed by name
type Registry struct {
	mu     sync.RWMutex
	caches map[string]Flusher
	log    zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]Flusher), log: logging.New("cache")}
}

// Register adds or replaces a named cache
func (r *Registry) Register(name string, f Flusher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caches[name] = f
}

// Flush clears the named cache and reports whether it was registered
func (r *Registry) Flush(name string) bool {
	r.mu.RLock()
	f, ok := r.caches[name]
	r.mu.RUnlock()

	if !ok {
		r.log.Warn().Str("cache", name).Msg("No cache registered")
		return false
	}
	f.Clear()
	r.log.Info().Str("cache", name).Msg("Flushed cache")
	return true
}

// Names returns the registered cache names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
