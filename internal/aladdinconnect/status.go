package aladdinconnect

import (
	"garagecover/internal/aladdin"
	"garagecover/internal/platform"
)

// MapDoorState turns a door's status and link status into a cover state.
// A door whose controller is not connected is unavailable whatever its
// last reported status.
func MapDoorState(status, linkStatus string) string {
	if linkStatus != aladdin.LinkConnected {
		return platform.StateUnavailable
	}

	switch status {
	case aladdin.StatusOpen, aladdin.StatusOpening, aladdin.StatusClosed, aladdin.StatusClosing:
		return status
	default:
		return platform.StateUnknown
	}
}
