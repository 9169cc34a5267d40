package trigger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/g960059/alarmsync/internal/model"
)

// Registry resolves the adapter of the target platform at startup.
type Registry struct {
	mu         sync.RWMutex
	byPlatform map[model.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		byPlatform: map[model.Platform]Adapter{},
	}
	for _, a := range adapters {
		_ = r.Register(a)
	}
	return r
}

// DefaultRegistry binds the Android adapter to module and the iOS adapter to center.
func DefaultRegistry(module AlarmModule, center NotificationCenter) *Registry {
	return NewRegistry(
		NewAndroid(module),
		NewIOS(center),
	)
}

func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	platform := adapter.Platform()
	if _, err := model.ParsePlatform(string(platform)); err != nil {
		return fmt.Errorf("register adapter: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byPlatform[platform]; exists {
		return fmt.Errorf("adapter already registered for platform=%s", platform)
	}
	r.byPlatform[platform] = adapter
	return nil
}

func (r *Registry) Resolve(platform model.Platform) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("no adapter registry")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byPlatform[platform]
	if !ok {
		return nil, model.NewError(model.KindConfiguration, "resolve adapter", fmt.Errorf("no adapter for platform=%s", platform))
	}
	return a, nil
}

func (r *Registry) Platforms() []model.Platform {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.byPlatform))
	for p := range r.byPlatform {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
