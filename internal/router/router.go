// Package router maps logical task roles to configured provider/model
// pairs, with fixed roles and runtime-switchable presets.
package router

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/hallabot/regubot/internal/config"
	"github.com/hallabot/regubot/internal/domain"
)

// Builder constructs a provider instance for a (provider, model) pair.
type Builder interface {
	Build(providerName, model string) (domain.Provider, error)
}

// RoleRouter resolves role names to provider instances. Fixed roles keep
// their binding across preset switches; preset roles follow the active
// preset. Provider instances are cached by "provider:model" and the cache
// is cleared on every preset switch.
type RoleRouter struct {
	builder Builder
	logger  *slog.Logger

	mu           sync.RWMutex
	fixed        map[string]config.RoleAssignment
	presets      map[string]map[string]config.RoleAssignment
	activePreset string
	cache        map[string]domain.Provider
}

// RoleInfo describes a resolved role binding for the admin surface.
type RoleInfo struct {
	Role     string `json:"role"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Fixed    bool   `json:"fixed"`
}

// New creates a role router from the roles config.
func New(cfg config.RolesConfig, builder Builder, logger *slog.Logger) (*RoleRouter, error) {
	active := cfg.ActivePreset
	if active == "" && len(cfg.Presets) > 0 {
		// Deterministic default when the operator didn't pick one
		names := make([]string, 0, len(cfg.Presets))
		for name := range cfg.Presets {
			names = append(names, name)
		}
		sort.Strings(names)
		active = names[0]
	}
	if active != "" {
		if _, ok := cfg.Presets[active]; !ok {
			return nil, domain.ErrPresetNotFound(active)
		}
	}

	return &RoleRouter{
		builder:      builder,
		logger:       logger,
		fixed:        cfg.Fixed,
		presets:      cfg.Presets,
		activePreset: active,
		cache:        make(map[string]domain.Provider),
	}, nil
}

// Resolve returns the provider instance and model id serving a role.
// Unknown roles are configuration errors and fail loudly.
func (r *RoleRouter) Resolve(role string) (domain.Provider, string, error) {
	r.mu.RLock()
	assignment, ok := r.lookupLocked(role)
	if !ok {
		r.mu.RUnlock()
		return nil, "", domain.ErrRoleNotFound(role)
	}
	key := assignment.Provider + ":" + assignment.Model
	if cached, hit := r.cache[key]; hit {
		r.mu.RUnlock()
		return cached, assignment.Model, nil
	}
	r.mu.RUnlock()

	instance, err := r.builder.Build(assignment.Provider, assignment.Model)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	// Another resolver may have raced us; keep the first instance.
	if cached, hit := r.cache[key]; hit {
		instance = cached
	} else {
		r.cache[key] = instance
	}
	r.mu.Unlock()

	return instance, assignment.Model, nil
}

// SwitchPreset activates a named preset and clears the instance cache.
func (r *RoleRouter) SwitchPreset(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.presets[name]; !ok {
		return domain.ErrPresetNotFound(name)
	}
	r.activePreset = name
	r.cache = make(map[string]domain.Provider)
	r.logger.Info("preset switched", slog.String("preset", name))
	return nil
}

// ActivePreset returns the currently active preset name.
func (r *RoleRouter) ActivePreset() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activePreset
}

// ListPresets returns all configured preset names, sorted.
func (r *RoleRouter) ListPresets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Roles returns the resolved binding of every known role.
func (r *RoleRouter) Roles() []RoleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var infos []RoleInfo
	for role, a := range r.fixed {
		infos = append(infos, RoleInfo{Role: role, Provider: a.Provider, Model: a.Model, Fixed: true})
		seen[role] = true
	}
	if active, ok := r.presets[r.activePreset]; ok {
		for role, a := range active {
			if seen[role] {
				continue
			}
			infos = append(infos, RoleInfo{Role: role, Provider: a.Provider, Model: a.Model})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Role < infos[j].Role })
	return infos
}

// lookupLocked resolves a role assignment. Fixed roles win over preset
// roles so safety-critical tasks cannot be remapped at runtime.
func (r *RoleRouter) lookupLocked(role string) (config.RoleAssignment, bool) {
	if a, ok := r.fixed[role]; ok {
		return a, true
	}
	if active, ok := r.presets[r.activePreset]; ok {
		if a, ok := active[role]; ok {
			return a, true
		}
	}
	return config.RoleAssignment{}, false
}
