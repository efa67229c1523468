package integration

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrDuplicateDomain is returned when a domain is registered twice.
var ErrDuplicateDomain = errors.New("integration domain already registered")

// Info describes a compiled-in integration.
type Info struct {
	// Domain is the unique identifier config entries refer to.
	Domain string

	// Name is the human-readable integration name.
	Name string

	// Factory creates the integration.
	Factory Factory
}

// Registry holds the integrations compiled into the binary, keyed by domain.
type Registry struct {
	mu    sync.RWMutex
	infos map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{infos: make(map[string]Info)}
}

// Register adds an integration. Each domain may be registered once.
func (r *Registry) Register(info Info) error {
	if info.Domain == "" {
		return errors.New("integration domain cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("integration %s: factory cannot be nil", info.Domain)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.infos[info.Domain]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDomain, info.Domain)
	}
	r.infos[info.Domain] = info
	return nil
}

// Domains returns the registered domains in sorted order.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.infos))
	for domain := range r.infos {
		result = append(result, domain)
	}
	sort.Strings(result)
	return result
}

// CreateAll instantiates every registered integration in domain order.
// On failure, integrations already created are shut down.
func (r *Registry) CreateAll(ctx *Context) ([]Integration, error) {
	logger := zap.NewNop()
	if ctx != nil && ctx.Logger != nil {
		logger = ctx.Logger
	}

	r.mu.RLock()
	infos := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		infos = append(infos, info)
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Domain < infos[j].Domain })

	result := make([]Integration, 0, len(infos))
	for _, info := range infos {
		created, err := info.Factory(ctx)
		if err != nil {
			logger.Error("Failed to create integration",
				zap.String("domain", info.Domain),
				zap.Error(err))
			for i := len(result) - 1; i >= 0; i-- {
				result[i].Shutdown()
			}
			return nil, fmt.Errorf("failed to create integration %s: %w", info.Domain, err)
		}
		logger.Debug("Integration created",
			zap.String("domain", info.Domain),
			zap.String("name", info.Name))
		result = append(result, created)
	}
	return result, nil
}

var globalRegistry = NewRegistry()

// Register adds an integration to the global registry. Integration
// packages call it from init().
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// CreateAll creates all integrations from the global registry.
func CreateAll(ctx *Context) ([]Integration, error) {
	return globalRegistry.CreateAll(ctx)
}

// Domains returns all domains from the global registry.
func Domains() []string {
	return globalRegistry.Domains()
}
