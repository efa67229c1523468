package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"garagecover/internal/clock"
	"garagecover/internal/configentry"
	"garagecover/pkg/integration"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrIntegrationNotFound is returned for a domain nobody registered.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrFlowNotSupported is returned when an integration has no config flow.
	ErrFlowNotSupported = errors.New("integration does not support config flows")

	// ErrEntryAlreadyLoaded is returned when setting up a loaded entry.
	ErrEntryAlreadyLoaded = errors.New("config entry already loaded")

	// ErrSetupInProgress is returned when another setup of the entry is running.
	ErrSetupInProgress = errors.New("config entry setup already in progress")
)

// Setup retry backoff: 5s, 10s, 20s, 40s, then 80s.
const (
	retryBaseDelay  = 5 * time.Second
	retryMaxDoubles = 4
)

const setupConcurrency = 4

// HubConfig holds the Hub's collaborators.
type HubConfig struct {
	Logger       *zap.Logger
	Clock        clock.Clock
	Entries      *configentry.Manager
	ReadOnly     bool
	ScanInterval time.Duration

	// PollObserver, if set, sees every entity poll.
	PollObserver PollObserver

	// EntryStateObserver, if set, sees every config entry state change.
	EntryStateObserver func(entry configentry.Entry, state configentry.State)

	// EntryRemovedObserver, if set, sees every deleted config entry.
	EntryRemovedObserver func(entry configentry.Entry)
}

// Hub owns the state table, the service registry and the entity
// platforms, and sets up config entries through their integrations.
// It implements integration.Host.
type Hub struct {
	root         *zap.Logger
	logger       *zap.Logger
	clock        clock.Clock
	entries      *configentry.Manager
	readOnly     bool
	scanInterval time.Duration
	pollObserver PollObserver
	entryObs     func(entry configentry.Entry, state configentry.State)
	removedObs   func(entry configentry.Entry)

	states   *StateMachine
	services *ServiceRegistry
	ids      *entityIDAllocator

	mu           sync.Mutex
	integrations map[string]integration.Integration
	platforms    map[string][]*EntityPlatform
	components   map[string]struct{}
	retryTimers  map[string]clock.Timer
	retryTries   map[string]int
	settingUp    map[string]struct{}
}

// NewHub creates a hub for the given integrations.
func NewHub(cfg HubConfig, integrations []integration.Integration) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Entries == nil {
		cfg.Entries = configentry.NewManager(nil, cfg.Logger)
	}

	h := &Hub{
		root:         cfg.Logger,
		logger:       cfg.Logger.Named("hub"),
		clock:        cfg.Clock,
		entries:      cfg.Entries,
		readOnly:     cfg.ReadOnly,
		scanInterval: cfg.ScanInterval,
		pollObserver: cfg.PollObserver,
		entryObs:     cfg.EntryStateObserver,
		removedObs:   cfg.EntryRemovedObserver,
		states:       NewStateMachine(cfg.Clock),
		services:     NewServiceRegistry(cfg.Logger),
		ids:          newEntityIDAllocator(),
		integrations: make(map[string]integration.Integration),
		platforms:    make(map[string][]*EntityPlatform),
		components:   make(map[string]struct{}),
		retryTimers:  make(map[string]clock.Timer),
		retryTries:   make(map[string]int),
		settingUp:    make(map[string]struct{}),
	}
	for _, i := range integrations {
		h.integrations[i.Domain()] = i
	}
	return h
}

// Logger returns the host logger.
func (h *Hub) Logger() *zap.Logger { return h.root }

// Clock returns the host clock.
func (h *Hub) Clock() clock.Clock { return h.clock }

// ReadOnly reports whether device commands are suppressed.
func (h *Hub) ReadOnly() bool { return h.readOnly }

// ConfigEntries returns the entry manager.
func (h *Hub) ConfigEntries() *configentry.Manager { return h.entries }

// States returns the entity state table.
func (h *Hub) States() *StateMachine { return h.states }

// Services returns the service registry.
func (h *Hub) Services() *ServiceRegistry { return h.services }

// Components returns the loaded components, sorted.
func (h *Hub) Components() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasComponent reports whether domain has been loaded.
func (h *Hub) HasComponent(domain string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.components[domain]
	return ok
}

func (h *Hub) integration(domain string) (integration.Integration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i, ok := h.integrations[domain]
	return i, ok
}

// markComponent records domain as loaded. It reports whether it was new.
func (h *Hub) markComponent(domain string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.components[domain]; ok {
		return false
	}
	h.components[domain] = struct{}{}
	return true
}

// SetupComponent loads one top-level configuration section.
//
// For an entity domain such as "cover", section is the list (or single
// map) of platform configs and each is handed to the named integration's
// SetupPlatform. For an integration domain, every stored entry of that
// domain is set up.
func (h *Hub) SetupComponent(ctx context.Context, domain string, section interface{}) (bool, error) {
	if entitySetup, ok := entityDomains[domain]; ok {
		h.ensureEntityDomain(domain, entitySetup)
		for _, cfg := range platformConfigs(section) {
			h.setupPlatform(ctx, domain, cfg)
		}
		return true, nil
	}

	if _, ok := h.integration(domain); !ok {
		return false, fmt.Errorf("%w: %s", ErrIntegrationNotFound, domain)
	}

	h.markComponent(domain)
	for _, entry := range h.entries.Entries(domain) {
		if entry.State != configentry.StateNotLoaded {
			continue
		}
		if _, err := h.SetupEntry(ctx, entry.EntryID); err != nil {
			h.logger.Warn("Config entry setup failed",
				zap.String("entry_id", entry.EntryID),
				zap.Error(err))
		}
	}
	return true, nil
}

// SetupEntries sets up every stored entry that is not loaded yet, at
// most setupConcurrency at a time. Failures are logged per entry.
func (h *Hub) SetupEntries(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(setupConcurrency)

	for _, entry := range h.entries.Entries("") {
		if entry.State != configentry.StateNotLoaded {
			continue
		}
		entry := entry
		g.Go(func() error {
			if _, err := h.SetupEntry(ctx, entry.EntryID); err != nil {
				h.logger.Warn("Config entry setup failed",
					zap.String("entry_id", entry.EntryID),
					zap.String("domain", entry.Domain),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Hub) setupPlatform(ctx context.Context, domain string, cfg map[string]interface{}) {
	name, _ := cfg["platform"].(string)
	if name == "" {
		h.logger.Error("Platform config without platform key", zap.String("domain", domain))
		return
	}

	i, ok := h.integration(name)
	if !ok {
		h.logger.Error("Unknown platform", zap.String("domain", domain), zap.String("platform", name))
		return
	}
	ps, ok := i.(integration.PlatformSetup)
	if !ok {
		h.logger.Error("Integration does not support platform setup",
			zap.String("domain", domain), zap.String("platform", name))
		return
	}

	if err := ps.SetupPlatform(ctx, h, domain, cfg); err != nil {
		h.logger.Error("Error setting up platform",
			zap.String("domain", domain),
			zap.String("platform", name),
			zap.Error(err))
	}
}

// platformConfigs normalizes a YAML entity domain section.
func platformConfigs(section interface{}) []map[string]interface{} {
	switch v := section.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}
	case []map[string]interface{}:
		return v
	case []interface{}:
		result := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				result = append(result, m)
			}
		}
		return result
	default:
		return nil
	}
}

func (h *Hub) setEntryState(entry configentry.Entry, state configentry.State) {
	if err := h.entries.SetState(entry.EntryID, state); err != nil {
		h.logger.Error("Failed to record entry state", zap.String("entry_id", entry.EntryID), zap.Error(err))
		return
	}
	if h.entryObs != nil {
		h.entryObs(entry, state)
	}
}

// SetupEntry sets up one config entry through its integration.
//
// It returns false with a nil error when the integration refused the
// entry. A retryable failure leaves the entry in setup_retry and
// schedules another attempt. Only one setup of an entry runs at a time.
func (h *Hub) SetupEntry(ctx context.Context, entryID string) (bool, error) {
	if !h.beginSetup(entryID) {
		return false, fmt.Errorf("%w: %s", ErrSetupInProgress, entryID)
	}
	defer h.endSetup(entryID)

	entry, err := h.entries.Get(entryID)
	if err != nil {
		return false, err
	}
	if entry.State == configentry.StateLoaded {
		return false, fmt.Errorf("%w: %s", ErrEntryAlreadyLoaded, entryID)
	}

	i, ok := h.integration(entry.Domain)
	if !ok {
		h.setEntryState(entry, configentry.StateSetupError)
		return false, fmt.Errorf("%w: %s", ErrIntegrationNotFound, entry.Domain)
	}

	h.cancelRetry(entryID, false)
	h.setEntryState(entry, configentry.StateSetupPending)

	logger := h.logger.With(zap.String("entry_id", entryID), zap.String("domain", entry.Domain))
	logger.Info("Setting up config entry", zap.String("title", entry.Title))

	loaded, err := i.SetupEntry(ctx, h, entry)
	switch {
	case errors.Is(err, integration.ErrNotReady):
		h.resetPlatforms(entryID)
		h.setEntryState(entry, configentry.StateSetupRetry)
		delay := h.scheduleRetry(entryID)
		logger.Warn("Config entry not ready, will retry",
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return false, err

	case err != nil:
		h.resetPlatforms(entryID)
		h.setEntryState(entry, configentry.StateSetupError)
		logger.Error("Error setting up config entry", zap.Error(err))
		return false, err

	case !loaded:
		h.resetPlatforms(entryID)
		h.setEntryState(entry, configentry.StateSetupError)
		logger.Warn("Config entry setup returned false")
		return false, nil
	}

	h.cancelRetry(entryID, true)
	h.setEntryState(entry, configentry.StateLoaded)
	h.markComponent(entry.Domain)
	logger.Info("Config entry loaded")
	return true, nil
}

// UnloadEntry unloads a loaded entry, removing its entities. An entry
// whose setup is still running cannot be unloaded.
func (h *Hub) UnloadEntry(ctx context.Context, entryID string) (bool, error) {
	entry, err := h.entries.Get(entryID)
	if err != nil {
		return false, err
	}
	if h.setupInProgress(entryID) {
		return false, fmt.Errorf("%w: %s", ErrSetupInProgress, entryID)
	}

	h.cancelRetry(entryID, true)

	if entry.State != configentry.StateLoaded {
		h.resetPlatforms(entryID)
		h.setEntryState(entry, configentry.StateNotLoaded)
		return true, nil
	}

	i, ok := h.integration(entry.Domain)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrIntegrationNotFound, entry.Domain)
	}

	unloaded, err := i.UnloadEntry(ctx, h, entry)
	if err != nil {
		h.logger.Error("Error unloading config entry", zap.String("entry_id", entryID), zap.Error(err))
		return false, err
	}
	if !unloaded {
		return false, nil
	}

	h.resetPlatforms(entryID)
	h.setEntryState(entry, configentry.StateNotLoaded)
	h.logger.Info("Config entry unloaded", zap.String("entry_id", entryID))
	return true, nil
}

// ReloadEntry unloads an entry and sets it up again.
func (h *Hub) ReloadEntry(ctx context.Context, entryID string) (bool, error) {
	unloaded, err := h.UnloadEntry(ctx, entryID)
	if err != nil {
		return false, err
	}
	if !unloaded {
		return false, nil
	}
	return h.SetupEntry(ctx, entryID)
}

// RemoveEntry unloads and deletes an entry.
func (h *Hub) RemoveEntry(ctx context.Context, entryID string) error {
	if _, err := h.UnloadEntry(ctx, entryID); err != nil {
		return err
	}
	entry, err := h.entries.Get(entryID)
	if err != nil {
		return err
	}
	if err := h.entries.Remove(ctx, entryID); err != nil {
		return err
	}
	if h.removedObs != nil {
		h.removedObs(entry)
	}
	return nil
}

// InitFlow runs a config flow step for domain. A flow that creates an
// entry has it persisted and set up before InitFlow returns.
func (h *Hub) InitFlow(ctx context.Context, domain string, source configentry.Source, data map[string]string) (integration.FlowResult, error) {
	i, ok := h.integration(domain)
	if !ok {
		return integration.FlowResult{}, fmt.Errorf("%w: %s", ErrIntegrationNotFound, domain)
	}
	provider, ok := i.(integration.FlowProvider)
	if !ok {
		return integration.FlowResult{}, fmt.Errorf("%w: %s", ErrFlowNotSupported, domain)
	}

	flow := provider.NewConfigFlow(h)

	var (
		result integration.FlowResult
		err    error
	)
	switch source {
	case configentry.SourceUser:
		result, err = flow.StepUser(ctx, data)
	case configentry.SourceImport:
		result, err = flow.StepImport(ctx, data)
	default:
		return integration.FlowResult{}, fmt.Errorf("unsupported flow source %q", source)
	}
	if err != nil {
		return integration.FlowResult{}, err
	}
	if result.Type != integration.FlowResultCreateEntry {
		return result, nil
	}

	entry, err := h.entries.Add(ctx, configentry.Entry{
		Domain:   domain,
		Title:    result.Title,
		Data:     result.Data,
		UniqueID: result.UniqueID,
		Source:   source,
	})
	if errors.Is(err, configentry.ErrDuplicateUniqueID) {
		return integration.FlowResult{Type: integration.FlowResultAbort, Reason: "already_configured"}, nil
	}
	if err != nil {
		return integration.FlowResult{}, err
	}
	result.EntryID = entry.EntryID

	if _, err := h.SetupEntry(ctx, entry.EntryID); err != nil {
		h.logger.Warn("New config entry failed to set up",
			zap.String("entry_id", entry.EntryID),
			zap.Error(err))
	}
	return result, nil
}

// AddEntities adds entities for entry under the platform domain.
func (h *Hub) AddEntities(ctx context.Context, platform string, entry configentry.Entry, entities []integration.Entity, updateBeforeAdd bool) error {
	setup, ok := entityDomains[platform]
	if !ok {
		return fmt.Errorf("unknown entity domain %q", platform)
	}
	h.ensureEntityDomain(platform, setup)

	p := newEntityPlatform(platform, entry.Domain, entry.EntryID, h.states, h.ids,
		h.clock, h.root, h.scanInterval, h.pollObserver)

	h.mu.Lock()
	h.platforms[entry.EntryID] = append(h.platforms[entry.EntryID], p)
	h.mu.Unlock()

	return p.AddEntities(ctx, entities, updateBeforeAdd)
}

// Platforms returns the entity platforms created for entryID.
func (h *Hub) Platforms(entryID string) []*EntityPlatform {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*EntityPlatform(nil), h.platforms[entryID]...)
}

// findEntity locates an entity by id across every platform.
func (h *Hub) findEntity(entityID string) (integration.Entity, *EntityPlatform) {
	h.mu.Lock()
	platforms := make([]*EntityPlatform, 0)
	for _, ps := range h.platforms {
		platforms = append(platforms, ps...)
	}
	h.mu.Unlock()

	for _, p := range platforms {
		if e, ok := p.Entity(entityID); ok {
			return e, p
		}
	}
	return nil, nil
}

func (h *Hub) resetPlatforms(entryID string) {
	h.mu.Lock()
	platforms := h.platforms[entryID]
	delete(h.platforms, entryID)
	h.mu.Unlock()

	for _, p := range platforms {
		p.Reset()
	}
}

func (h *Hub) beginSetup(entryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.settingUp[entryID]; busy {
		return false
	}
	h.settingUp[entryID] = struct{}{}
	return true
}

func (h *Hub) setupInProgress(entryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, busy := h.settingUp[entryID]
	return busy
}

func (h *Hub) endSetup(entryID string) {
	h.mu.Lock()
	delete(h.settingUp, entryID)
	h.mu.Unlock()
}

// scheduleRetry arms the setup retry timer and returns its delay.
func (h *Hub) scheduleRetry(entryID string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	tries := h.retryTries[entryID]
	if tries > retryMaxDoubles {
		tries = retryMaxDoubles
	}
	delay := retryBaseDelay << tries
	h.retryTries[entryID]++

	if t, ok := h.retryTimers[entryID]; ok {
		t.Stop()
	}
	h.retryTimers[entryID] = h.clock.AfterFunc(delay, func() {
		h.mu.Lock()
		delete(h.retryTimers, entryID)
		h.mu.Unlock()

		if _, err := h.SetupEntry(context.Background(), entryID); err != nil && !errors.Is(err, integration.ErrNotReady) {
			h.logger.Warn("Config entry retry failed", zap.String("entry_id", entryID), zap.Error(err))
		}
	})
	return delay
}

// cancelRetry stops a pending retry. With resetTries the backoff starts
// over on the next failure.
func (h *Hub) cancelRetry(entryID string, resetTries bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.retryTimers[entryID]; ok {
		t.Stop()
		delete(h.retryTimers, entryID)
	}
	if resetTries {
		delete(h.retryTries, entryID)
	}
}

// Shutdown unloads every loaded entry and shuts integrations down.
func (h *Hub) Shutdown(ctx context.Context) {
	for _, entry := range h.entries.Entries("") {
		if _, err := h.UnloadEntry(ctx, entry.EntryID); err != nil {
			h.logger.Warn("Failed to unload entry during shutdown",
				zap.String("entry_id", entry.EntryID),
				zap.Error(err))
		}
	}

	h.mu.Lock()
	integrations := make([]integration.Integration, 0, len(h.integrations))
	for _, i := range h.integrations {
		integrations = append(integrations, i)
	}
	h.mu.Unlock()

	for _, i := range integrations {
		i.Shutdown()
	}
	h.logger.Info("Hub stopped")
}
