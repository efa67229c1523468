package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"garagecover/internal/clock"
	"garagecover/pkg/integration"

	"go.uber.org/zap"
)

// DefaultScanInterval is the poll interval for entities that poll.
const DefaultScanInterval = 300 * time.Second

// pollTimeout bounds one poll cycle across all entities.
const pollTimeout = 60 * time.Second

// PollObserver is notified after each entity update. Used for metrics.
type PollObserver func(platform, entityID string, duration time.Duration, err error)

// entityRecord is the host's handle on one added entity.
type entityRecord struct {
	platform *EntityPlatform
	entity   integration.Entity
	entityID string
}

func (r *entityRecord) EntityID() string {
	return r.entityID
}

// WriteState copies the entity's current state into the state table.
func (r *entityRecord) WriteState() {
	r.platform.writeState(r)
}

// EntityPlatform holds the entities one config entry added to one
// entity domain, and polls them.
type EntityPlatform struct {
	domain      string
	integration string
	entryID     string

	states       *StateMachine
	ids          *entityIDAllocator
	clock        clock.Clock
	logger       *zap.Logger
	scanInterval time.Duration
	observer     PollObserver

	mu       sync.Mutex
	entities []*entityRecord
	timer    clock.Timer
	stopped  bool
}

func newEntityPlatform(domain, integrationDomain, entryID string, states *StateMachine, ids *entityIDAllocator,
	clk clock.Clock, logger *zap.Logger, scanInterval time.Duration, observer PollObserver) *EntityPlatform {
	if scanInterval <= 0 {
		scanInterval = DefaultScanInterval
	}
	return &EntityPlatform{
		domain:       domain,
		integration:  integrationDomain,
		entryID:      entryID,
		states:       states,
		ids:          ids,
		clock:        clk,
		logger:       logger.Named(domain + "." + integrationDomain),
		scanInterval: scanInterval,
		observer:     observer,
	}
}

// Domain returns the entity domain, e.g. "cover".
func (p *EntityPlatform) Domain() string {
	return p.domain
}

// AddEntities assigns entity ids, optionally updates each entity once,
// writes the first state and starts the poll timer if any entity polls.
func (p *EntityPlatform) AddEntities(ctx context.Context, entities []integration.Entity, updateBeforeAdd bool) error {
	for _, entity := range entities {
		if updateBeforeAdd {
			if err := p.update(ctx, "", entity); err != nil {
				p.logger.Warn("Update before add failed",
					zap.String("unique_id", entity.UniqueID()),
					zap.Error(err))
			}
		}

		entityID, err := p.ids.allocate(p.domain, p.integration, entity.UniqueID(), entity.Name())
		if err != nil {
			p.logger.Error("Not adding entity", zap.String("name", entity.Name()), zap.Error(err))
			continue
		}

		record := &entityRecord{platform: p, entity: entity, entityID: entityID}

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			p.ids.release(entityID, p.domain, p.integration, entity.UniqueID())
			return fmt.Errorf("platform %s.%s for entry %s was reset", p.domain, p.integration, p.entryID)
		}
		p.entities = append(p.entities, record)
		p.mu.Unlock()

		record.WriteState()

		if lc, ok := entity.(integration.Lifecycle); ok {
			if err := lc.AddedToHost(record); err != nil {
				p.logger.Error("Entity failed to finish adding",
					zap.String("entity_id", entityID),
					zap.Error(err))
			}
		}

		p.logger.Info("Entity added",
			zap.String("entity_id", entityID),
			zap.String("unique_id", entity.UniqueID()),
			zap.String("state", entity.State()))
	}

	p.startPolling()
	return nil
}

// Entity returns the entity behind entityID.
func (p *EntityPlatform) Entity(entityID string) (integration.Entity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.entities {
		if r.entityID == entityID {
			return r.entity, true
		}
	}
	return nil, false
}

// EntityIDs returns the ids of every entity on this platform.
func (p *EntityPlatform) EntityIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.entities))
	for _, r := range p.entities {
		ids = append(ids, r.entityID)
	}
	return ids
}

// Refresh updates one entity now and writes its state.
func (p *EntityPlatform) Refresh(ctx context.Context, entityID string) error {
	p.mu.Lock()
	var record *entityRecord
	for _, r := range p.entities {
		if r.entityID == entityID {
			record = r
		}
	}
	p.mu.Unlock()

	if record == nil {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}

	err := p.update(ctx, entityID, record.entity)
	record.WriteState()
	return err
}

// Reset stops polling and removes every entity and its state.
func (p *EntityPlatform) Reset() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	entities := p.entities
	p.entities = nil
	p.mu.Unlock()

	for _, r := range entities {
		if lc, ok := r.entity.(integration.Lifecycle); ok {
			lc.RemovedFromHost()
		}
		p.states.Remove(r.entityID)
		p.ids.release(r.entityID, p.domain, p.integration, r.entity.UniqueID())
	}

	p.logger.Info("Platform reset",
		zap.String("entry_id", p.entryID),
		zap.Int("entities", len(entities)))
}

// writeState holds the platform lock across the write so a concurrent
// Reset cannot leave a state behind.
func (p *EntityPlatform) writeState(r *entityRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	attrs := r.entity.Attributes()
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	if _, ok := attrs["friendly_name"]; !ok && r.entity.Name() != "" {
		attrs["friendly_name"] = r.entity.Name()
	}

	state := r.entity.State()
	if state == "" {
		state = StateUnknown
	}
	p.states.Set(r.entityID, state, attrs)
}

func (p *EntityPlatform) update(ctx context.Context, entityID string, entity integration.Entity) error {
	start := time.Now()
	err := entity.Update(ctx)
	if p.observer != nil && entityID != "" {
		p.observer(p.domain, entityID, time.Since(start), err)
	}
	return err
}

func (p *EntityPlatform) startPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.timer != nil {
		return
	}
	polls := false
	for _, r := range p.entities {
		if r.entity.ShouldPoll() {
			polls = true
			break
		}
	}
	if !polls {
		return
	}

	p.timer = p.clock.AfterFunc(p.scanInterval, p.pollTick)
	p.logger.Debug("Polling started", zap.Duration("interval", p.scanInterval))
}

func (p *EntityPlatform) pollTick() {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	p.poll(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = p.clock.AfterFunc(p.scanInterval, p.pollTick)
}

func (p *EntityPlatform) poll(ctx context.Context) {
	p.mu.Lock()
	records := append([]*entityRecord(nil), p.entities...)
	p.mu.Unlock()

	for _, r := range records {
		if !r.entity.ShouldPoll() {
			continue
		}
		if err := p.update(ctx, r.entityID, r.entity); err != nil {
			p.logger.Warn("Entity update failed",
				zap.String("entity_id", r.entityID),
				zap.Error(err))
		}
		r.WriteState()
	}
}

// entityIDAllocator hands out unique entity ids across all platforms and
// rejects a second entity with the same unique id.
type entityIDAllocator struct {
	mu      sync.Mutex
	used    map[string]struct{}
	uniques map[string]string
}

func newEntityIDAllocator() *entityIDAllocator {
	return &entityIDAllocator{
		used:    make(map[string]struct{}),
		uniques: make(map[string]string),
	}
}

func (a *entityIDAllocator) allocate(domain, integrationDomain, uniqueID, name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := uniqueKey(domain, integrationDomain, uniqueID)
	if uniqueID != "" {
		if existing, ok := a.uniques[key]; ok {
			return "", fmt.Errorf("unique id %s already used by %s", uniqueID, existing)
		}
	}

	slug := Slugify(name)
	if slug == "" {
		slug = "unnamed_device"
	}
	base := domain + "." + slug
	entityID := base
	for i := 2; ; i++ {
		if _, taken := a.used[entityID]; !taken {
			break
		}
		entityID = fmt.Sprintf("%s_%d", base, i)
	}

	a.used[entityID] = struct{}{}
	if uniqueID != "" {
		a.uniques[key] = entityID
	}
	return entityID, nil
}

func (a *entityIDAllocator) release(entityID, domain, integrationDomain, uniqueID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.used, entityID)
	if uniqueID != "" {
		delete(a.uniques, uniqueKey(domain, integrationDomain, uniqueID))
	}
}

func uniqueKey(domain, integrationDomain, uniqueID string) string {
	return domain + "/" + integrationDomain + "/" + uniqueID
}

// Slugify lower-cases name and replaces runs of anything other than
// letters and digits with a single underscore.
func Slugify(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// domainOf returns the part of an entity id before the dot.
func domainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return entityID
}
