// Package platform is the host side of the integration contracts: the
// entity state table, service dispatch, entity platforms with their poll
// timers, and the Hub that drives config-entry setup.
package platform

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"garagecover/internal/clock"
)

// Special state values shared by every domain.
const (
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// State is the last written state of one entity.
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// StateChangeHandler is called after a state is written. newState is nil
// when the entity was removed.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription represents an active state change subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id int
	sm *StateMachine
}

func (s *subscription) Unsubscribe() {
	s.sm.unsubscribe(s.id)
}

type subscriberEntry struct {
	id      int
	handler StateChangeHandler
}

// StateMachine is the entity state table.
type StateMachine struct {
	clock clock.Clock

	mu     sync.RWMutex
	states map[string]*State

	subsMu    sync.RWMutex
	subs      []subscriberEntry
	nextSubID int
}

// NewStateMachine creates an empty state table.
func NewStateMachine(clk clock.Clock) *StateMachine {
	return &StateMachine{
		clock:  clk,
		states: make(map[string]*State),
	}
}

// Set writes a state. LastChanged only moves when the state string
// changes; LastUpdated moves on every write that changes anything.
// Handlers run synchronously on the writer's goroutine once the table
// lock is released, and must not block.
func (sm *StateMachine) Set(entityID, state string, attributes map[string]interface{}) {
	now := sm.clock.Now()
	attrs := copyAttributes(attributes)

	sm.mu.Lock()
	old := sm.states[entityID]
	if old != nil && old.State == state && attributesEqual(old.Attributes, attrs) {
		sm.mu.Unlock()
		return
	}

	next := &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
	}
	if old != nil && old.State == state {
		next.LastChanged = old.LastChanged
	}
	sm.states[entityID] = next
	sm.mu.Unlock()

	sm.notify(entityID, old.copy(), next.copy())
}

// Remove deletes a state.
func (sm *StateMachine) Remove(entityID string) bool {
	sm.mu.Lock()
	old, ok := sm.states[entityID]
	delete(sm.states, entityID)
	sm.mu.Unlock()

	if ok {
		sm.notify(entityID, old.copy(), nil)
	}
	return ok
}

// Get returns a copy of one state, or nil.
func (sm *StateMachine) Get(entityID string) *State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.states[entityID].copy()
}

// All returns every state sorted by entity id.
func (sm *StateMachine) All() []State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]State, 0, len(sm.states))
	for _, s := range sm.states {
		result = append(result, *s.copy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EntityID < result[j].EntityID })
	return result
}

// EntityIDs returns every entity id in domain ("" for all).
func (sm *StateMachine) EntityIDs(domain string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var ids []string
	for id := range sm.states {
		if domain == "" || domainOf(id) == domain {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers a handler for every state write.
func (sm *StateMachine) Subscribe(handler StateChangeHandler) Subscription {
	sm.subsMu.Lock()
	defer sm.subsMu.Unlock()

	id := sm.nextSubID
	sm.nextSubID++
	sm.subs = append(sm.subs, subscriberEntry{id: id, handler: handler})
	return &subscription{id: id, sm: sm}
}

func (sm *StateMachine) unsubscribe(id int) {
	sm.subsMu.Lock()
	defer sm.subsMu.Unlock()

	for i, e := range sm.subs {
		if e.id == id {
			sm.subs = append(sm.subs[:i], sm.subs[i+1:]...)
			return
		}
	}
}

func (sm *StateMachine) notify(entityID string, oldState, newState *State) {
	sm.subsMu.RLock()
	subs := append([]subscriberEntry(nil), sm.subs...)
	sm.subsMu.RUnlock()

	for _, e := range subs {
		e.handler(entityID, oldState, newState)
	}
}

func (s *State) copy() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Attributes = copyAttributes(s.Attributes)
	return &c
}

func copyAttributes(attrs map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		c[k] = v
	}
	return c
}

func attributesEqual(a, b map[string]interface{}) bool {
	return reflect.DeepEqual(a, b)
}
