package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/entitledhq/entitled/settings"

	"go.uber.org/zap"
)

var knownActions = map[AdminAction]bool{
	ActionApprove: true,
	ActionReject:  true,
	ActionRefund:  true,
}

// RegistryOptions contains the configuration for the provider Registry
type RegistryOptions struct {
	Settings *settings.Manager
	Logger   *zap.Logger
}

// Registry holds the registered payment providers and their immutable
// definitions. It is constructor-injected, never a package-level global.
type Registry struct {
	RegistryOptions

	mu          sync.RWMutex
	providers   map[string]Provider
	definitions map[string]Definition
	order       []string
}

// NewRegistry returns an empty provider Registry
func NewRegistry(option RegistryOptions) (*Registry, error) {
	if option.Settings == nil {
		return nil, fmt.Errorf("nil Settings is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Registry{
		RegistryOptions: option,
		providers:       make(map[string]Provider),
		definitions:     make(map[string]Definition),
		order:           make([]string, 0, 2),
	}, nil
}

// Register validates a provider implementation, merges its declared settings
// into the configuration resolver, verifies required settings resolve to
// non-empty values, and stores the definition. Any failure here is a fatal
// configuration error: the process must not start with an inconsistent
// registry.
func (r *Registry) Register(ctx context.Context, p Provider) error {
	if p == nil {
		return fmt.Errorf("nil Provider is invalid")
	}
	def := p.Definition()
	if len(def.Key) == 0 {
		return fmt.Errorf("provider definition has an empty key")
	}
	if len(def.Label) == 0 {
		return fmt.Errorf("provider %q has an empty label", def.Key)
	}
	for _, action := range def.AdminActions {
		if !knownActions[action] {
			return fmt.Errorf("provider %q declares unknown admin action %q", def.Key, action)
		}
	}

	r.mu.Lock()
	if _, ok := r.definitions[def.Key]; ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %q is already registered", def.Key)
	}
	r.mu.Unlock()

	descriptors := def.Settings
	hasEnabled := false
	for _, desc := range descriptors {
		if desc.Key == EnabledSetting {
			hasEnabled = true
			break
		}
	}
	if !hasEnabled {
		descriptors = append(descriptors, SettingDescriptor{
			Key:         EnabledSetting,
			Type:        SettingBool,
			Default:     "true",
			Description: "Whether this payment provider is offered for new payments",
		})
	}

	missing := make([]string, 0)
	for _, desc := range descriptors {
		fullKey := def.SettingKey(desc.Key)
		if err := r.Settings.SetDefault(ctx, settings.Setting{
			Key:         fullKey,
			Value:       desc.Default,
			Type:        string(desc.Type),
			Description: desc.Description,
		}); err != nil {
			return err
		}
		if desc.Required {
			value, err := r.Settings.Get(ctx, fullKey)
			if err != nil {
				return err
			}
			if len(value) == 0 {
				missing = append(missing, fullKey)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("provider %q is missing required settings: %s", def.Key, strings.Join(missing, ", "))
	}

	def.Settings = descriptors

	r.mu.Lock()
	defer r.mu.Unlock()
	// the early check released the lock for the settings merge, so a
	// concurrent registration of the same key must be caught again here
	if _, ok := r.definitions[def.Key]; ok {
		return fmt.Errorf("provider %q is already registered", def.Key)
	}
	r.providers[def.Key] = p
	r.definitions[def.Key] = def
	r.order = append(r.order, def.Key)

	r.Logger.Info("Registered payment provider",
		zap.String("Key", def.Key),
		zap.Bool("ManualResolution", def.ManualResolution),
	)
	return nil
}

// Find returns the definition of a registered provider
func (r *Registry) Find(key string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[key]
	return def, ok
}

// Provider returns the registered implementation behind a key
func (r *Registry) Provider(key string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[key]
	return p, ok
}

// All returns every registered definition in registration order
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, key := range r.order {
		defs = append(defs, r.definitions[key])
	}
	return defs
}

// Enabled returns the definitions whose enabled setting resolves truthy
func (r *Registry) Enabled(ctx context.Context) []Definition {
	all := r.All()
	enabled := make([]Definition, 0, len(all))
	for _, def := range all {
		if r.Settings.GetBool(ctx, def.SettingKey(EnabledSetting)) {
			enabled = append(enabled, def)
		}
	}
	return enabled
}

// SelectOption is a label/key pair for UI dropdowns
type SelectOption struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

// ForSelect returns label/key pairs of the enabled providers
func (r *Registry) ForSelect(ctx context.Context) []SelectOption {
	enabled := r.Enabled(ctx)
	options := make([]SelectOption, 0, len(enabled))
	for _, def := range enabled {
		options = append(options, SelectOption{
			Label: def.Label,
			Key:   def.Key,
		})
	}
	return options
}

// Reset removes all registered providers. Used for test isolation.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]Provider)
	r.definitions = make(map[string]Definition)
	r.order = make([]string, 0, 2)
}
