// Package integration provides the contracts between the host and vendor
// integrations, plus the registry integrations add themselves to from
// init() functions. Integrations are selected at compile time by import,
// and a private build can override a public integration by registering
// the same domain at a higher priority.
package integration

import (
	"context"

	"garagecover/internal/clock"
	"garagecover/internal/configentry"

	"go.uber.org/zap"
)

// Integration is a vendor integration the host sets up from config entries.
type Integration interface {
	// Domain returns the unique identifier for this integration.
	Domain() string

	// SetupEntry sets up one config entry.
	// - Returns false with a nil error when the entry can never load
	//   as configured (for example rejected credentials)
	// - Returns a *NotReadyError when setup should be retried later
	// - Adds its entities through host.AddEntities
	SetupEntry(ctx context.Context, host Host, entry configentry.Entry) (bool, error)

	// UnloadEntry releases everything SetupEntry acquired.
	UnloadEntry(ctx context.Context, host Host, entry configentry.Entry) (bool, error)

	// Shutdown releases process-wide resources when the host stops.
	Shutdown()
}

// PlatformSetup is an optional interface for integrations that accept
// legacy YAML platform configuration under an entity domain section,
// e.g. `cover: [{platform: aladdin_connect, ...}]`.
type PlatformSetup interface {
	SetupPlatform(ctx context.Context, host Host, platform string, config map[string]interface{}) error
}

// FlowProvider is an optional interface for integrations that create
// config entries through a config flow.
type FlowProvider interface {
	NewConfigFlow(host Host) ConfigFlow
}

// ConfigFlow walks a user (or an import) through creating a config entry.
type ConfigFlow interface {
	// StepUser handles the interactive step. A nil input asks for the form.
	StepUser(ctx context.Context, input map[string]string) (FlowResult, error)

	// StepImport creates an entry from legacy YAML configuration.
	StepImport(ctx context.Context, input map[string]string) (FlowResult, error)
}

// Entity is a single device feature whose state the host tracks.
type Entity interface {
	// Name is used to derive the entity id.
	Name() string

	// UniqueID is stable across restarts.
	UniqueID() string

	// State returns the current state string.
	State() string

	// Attributes returns the extra state attributes.
	Attributes() map[string]interface{}

	// ShouldPoll reports whether the host should call Update on its timer.
	ShouldPoll() bool

	// Update refreshes the entity from its device. The host writes the
	// resulting state afterwards.
	Update(ctx context.Context) error
}

// EntityHandle is given to an entity once it has been added so it can
// push state writes outside the poll cycle.
type EntityHandle interface {
	EntityID() string
	WriteState()
}

// Lifecycle is an optional interface for entities that hold
// subscriptions while they are added.
type Lifecycle interface {
	// AddedToHost is called after the entity's first state write.
	AddedToHost(handle EntityHandle) error

	// RemovedFromHost is called before the entity's state is removed.
	RemovedFromHost()
}

// CoverEntity is an entity in the cover domain.
type CoverEntity interface {
	Entity
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Host is the part of the host platform integrations talk to.
type Host interface {
	// Logger returns the host logger. Integrations use Named(domain).
	Logger() *zap.Logger

	// Clock returns the host clock.
	Clock() clock.Clock

	// ReadOnly reports whether device commands should be suppressed.
	ReadOnly() bool

	// ConfigEntries returns the entry manager.
	ConfigEntries() *configentry.Manager

	// InitFlow runs a config flow for domain from source. When the
	// flow creates an entry, the host persists it and sets it up.
	InitFlow(ctx context.Context, domain string, source configentry.Source, data map[string]string) (FlowResult, error)

	// AddEntities adds entities for entry to the platform domain
	// (e.g. "cover"). With updateBeforeAdd each entity is updated once
	// before its first state write.
	AddEntities(ctx context.Context, platform string, entry configentry.Entry, entities []Entity, updateBeforeAdd bool) error
}

// Factory is a function that creates a new integration instance given a
// context. Factories are registered with the global registry and called
// during host startup.
type Factory func(ctx *Context) (Integration, error)
