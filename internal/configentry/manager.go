package configentry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager is the in-memory entry table, written through to a Storer.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]Entry
	store   Storer
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a manager. store may be nil, in which case entries
// live only in memory.
func NewManager(store Storer, logger *zap.Logger) *Manager {
	return &Manager{
		entries: make(map[string]Entry),
		store:   store,
		logger:  logger.Named("config_entries"),
		now:     time.Now,
	}
}

// Load reads persisted entries into memory. Every loaded entry starts
// in StateNotLoaded.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	entries, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config entries: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.EntryID] = e
	}

	m.logger.Info("Loaded config entries", zap.Int("count", len(entries)))
	return nil
}

// Add creates and persists a new entry. EntryID and CreatedAt are
// assigned here. A non-empty UniqueID must be unique within the domain.
func (m *Manager) Add(ctx context.Context, entry Entry) (Entry, error) {
	if entry.Domain == "" {
		return Entry{}, fmt.Errorf("config entry domain cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.UniqueID != "" {
		if _, ok := m.findLocked(entry.Domain, entry.UniqueID); ok {
			return Entry{}, fmt.Errorf("%w: %s/%s", ErrDuplicateUniqueID, entry.Domain, entry.UniqueID)
		}
	}

	entry = entry.clone()
	entry.EntryID = strings.ReplaceAll(uuid.NewString(), "-", "")
	entry.CreatedAt = m.now().UTC()
	entry.State = StateNotLoaded
	if entry.Source == "" {
		entry.Source = SourceUser
	}

	if m.store != nil {
		if err := m.store.Save(ctx, entry); err != nil {
			return Entry{}, err
		}
	}
	m.entries[entry.EntryID] = entry

	m.logger.Info("Config entry added",
		zap.String("entry_id", entry.EntryID),
		zap.String("domain", entry.Domain),
		zap.String("source", string(entry.Source)),
		zap.String("title", entry.Title))

	return entry.clone(), nil
}

// Get returns one entry.
func (m *Manager) Get(entryID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	return e.clone(), nil
}

// Entries returns the entries for domain in creation order. An empty
// domain returns every entry.
func (m *Manager) Entries(domain string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if domain == "" || e.Domain == domain {
			result = append(result, e.clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].EntryID < result[j].EntryID
	})
	return result
}

// FindByUniqueID looks up an entry by domain and unique id.
func (m *Manager) FindByUniqueID(domain, uniqueID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.findLocked(domain, uniqueID)
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (m *Manager) findLocked(domain, uniqueID string) (Entry, bool) {
	for _, e := range m.entries {
		if e.Domain == domain && e.UniqueID == uniqueID {
			return e, true
		}
	}
	return Entry{}, false
}

// SetState records the runtime state of an entry.
func (m *Manager) SetState(entryID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	if e.State != state {
		m.logger.Debug("Config entry state changed",
			zap.String("entry_id", entryID),
			zap.String("from", string(e.State)),
			zap.String("to", string(state)))
	}
	e.State = state
	m.entries[entryID] = e
	return nil
}

// Remove deletes an entry from memory and the store.
func (m *Manager) Remove(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entryID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, entryID); err != nil {
			return err
		}
	}
	delete(m.entries, entryID)

	m.logger.Info("Config entry removed", zap.String("entry_id", entryID))
	return nil
}
