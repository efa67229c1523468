package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrServiceNotFound is returned by Call for an unregistered service.
	ErrServiceNotFound = errors.New("service not found")

	// ErrEntityNotFound is returned when a service targets an unknown entity.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidServiceData is returned when service data is malformed.
	ErrInvalidServiceData = errors.New("invalid service data")
)

// ServiceCall is one invocation of a registered service.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
}

// EntityIDs returns the entity_id targets of the call. entity_id may be a
// single string or a list of strings.
func (c ServiceCall) EntityIDs() ([]string, error) {
	raw, ok := c.Data["entity_id"]
	if !ok {
		return nil, fmt.Errorf("%w: entity_id is required", ErrInvalidServiceData)
	}

	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: entity_id must be a string or list of strings", ErrInvalidServiceData)
			}
			ids = append(ids, s)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("%w: entity_id must be a string or list of strings", ErrInvalidServiceData)
	}
}

// ServiceHandler runs a service call.
type ServiceHandler func(ctx context.Context, call ServiceCall) error

// ServiceCallObserver is notified after every service call. Used for metrics.
type ServiceCallObserver func(domain, service string, err error)

// ServiceRegistry dispatches service calls by domain and service name.
type ServiceRegistry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]map[string]ServiceHandler
	observer ServiceCallObserver
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry(logger *zap.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		logger:   logger.Named("services"),
		handlers: make(map[string]map[string]ServiceHandler),
	}
}

// Register adds or replaces a service handler.
func (r *ServiceRegistry) Register(domain, service string, handler ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers[domain] == nil {
		r.handlers[domain] = make(map[string]ServiceHandler)
	}
	r.handlers[domain][service] = handler
	r.logger.Debug("Service registered", zap.String("domain", domain), zap.String("service", service))
}

// Has reports whether domain.service is registered.
func (r *ServiceRegistry) Has(domain, service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[domain][service]
	return ok
}

// Services returns the registered services of domain, sorted.
func (r *ServiceRegistry) Services(domain string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers[domain]))
	for name := range r.handlers[domain] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetObserver installs a hook called after every Call.
func (r *ServiceRegistry) SetObserver(observer ServiceCallObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = observer
}

// Call runs domain.service and waits for it to finish.
func (r *ServiceRegistry) Call(ctx context.Context, domain, service string, data map[string]interface{}) error {
	r.mu.RLock()
	handler, ok := r.handlers[domain][service]
	observer := r.observer
	r.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("%w: %s.%s", ErrServiceNotFound, domain, service)
		if observer != nil {
			observer(domain, service, err)
		}
		return err
	}

	if data == nil {
		data = map[string]interface{}{}
	}

	r.logger.Debug("Calling service",
		zap.String("domain", domain),
		zap.String("service", service),
		zap.Any("data", data))

	err := handler(ctx, ServiceCall{Domain: domain, Service: service, Data: data})
	if err != nil {
		r.logger.Error("Service call failed",
			zap.String("domain", domain),
			zap.String("service", service),
			zap.Error(err))
	}
	if observer != nil {
		observer(domain, service, err)
	}
	return err
}
