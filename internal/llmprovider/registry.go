package llmprovider

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ModelRegistry resolves a requested model name — possibly an alias, with
// arbitrary case or dash/underscore variation — to the canonical name and
// the LLMProvider that serves it. An unknown name falls back to the
// registry's configured default model with a logged warning, rather than
// failing the request outright.
type ModelRegistry struct {
	mu          sync.RWMutex
	providers   map[string]LLMProvider   // canonical model -> provider
	aliases     map[string]string        // normalized alias -> canonical model
	defaultName string
	log         *slog.Logger
}

// NewModelRegistry builds an empty registry. defaultName must be registered
// via Register before it is used as a fallback.
func NewModelRegistry(defaultName string, log *slog.Logger) *ModelRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &ModelRegistry{
		providers:   make(map[string]LLMProvider),
		aliases:     make(map[string]string),
		defaultName: defaultName,
		log:         log,
	}
}

// normalize lowercases and collapses dash/underscore variation so
// "Claude-Sonnet-4" and "claude_sonnet_4" resolve identically.
func normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, "_", "-")
	return s
}

// Register associates a provider with every model it exposes, and binds
// each model's own ID as an alias for itself.
func (r *ModelRegistry) Register(p LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range p.Models() {
		r.providers[m.ID] = p
		r.aliases[normalize(m.ID)] = m.ID
	}
}

// Alias registers an additional name that resolves to an already-registered
// canonical model ID.
func (r *ModelRegistry) Alias(alias, canonical string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[canonical]; !ok {
		return fmt.Errorf("llmprovider: cannot alias %q: %q is not registered", alias, canonical)
	}
	r.aliases[normalize(alias)] = canonical
	return nil
}

// Resolve maps name to its canonical model ID and owning provider. Unknown
// names fall back to the registry's default model with a logged warning.
func (r *ModelRegistry) Resolve(name string) (canonical string, provider LLMProvider, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if canon, ok := r.aliases[normalize(name)]; ok {
		return canon, r.providers[canon], nil
	}

	if r.defaultName == "" {
		return "", nil, fmt.Errorf("llmprovider: unknown model %q and no default configured", name)
	}
	canon, ok := r.aliases[normalize(r.defaultName)]
	if !ok {
		return "", nil, fmt.Errorf("llmprovider: unknown model %q and default %q is not registered", name, r.defaultName)
	}
	r.log.Warn("llmprovider: unknown model, falling back to default", "requested", name, "default", canon)
	return canon, r.providers[canon], nil
}

// Models lists every canonical model ID across all registered providers.
func (r *ModelRegistry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.providers))
	var out []Model
	for _, p := range r.providers {
		for _, m := range p.Models() {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}
