// Package aladdinconnect exposes the doors of an Aladdin Connect account
// as cover entities.
package aladdinconnect

const (
	// Domain is the integration domain.
	Domain = "aladdin_connect"

	// Name is the integration's display name and the title of its entries.
	Name = "Aladdin Connect"

	// ConfUsername and ConfPassword are the config entry data keys.
	ConfUsername = "username"
	ConfPassword = "password"
)

// Config flow error and abort reasons.
const (
	ErrorInvalidAuth       = "invalid_auth"
	ErrorCannotConnect     = "cannot_connect"
	AbortAlreadyConfigured = "already_configured"
)
