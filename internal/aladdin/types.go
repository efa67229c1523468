package aladdin

import (
	"context"
	"errors"
)

// Door status vocabulary. These already match the cover states the host uses.
const (
	StatusOpen    = "open"
	StatusOpening = "opening"
	StatusClosed  = "closed"
	StatusClosing = "closing"
	StatusUnknown = "unknown"
)

// Link status vocabulary.
const (
	LinkConnected     = "Connected"
	LinkDisconnected  = "Disconnected"
	LinkNotConfigured = "NotConfigured"
	LinkUnknown       = "Unknown"
)

// Door commands accepted by the cloud.
const (
	CommandOpen  = "OpenDoor"
	CommandClose = "CloseDoor"
)

var (
	// ErrNotLoggedIn is returned by calls made before a successful Login.
	ErrNotLoggedIn = errors.New("aladdin: not logged in")

	// ErrDoorNotFound is returned when a device/door pair is not in the account.
	ErrDoorNotFound = errors.New("aladdin: door not found")

	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("aladdin: cloud temporarily unavailable")
)

// Door is one door on a garage door controller.
type Door struct {
	DeviceID   int64  `json:"device_id"`
	DoorNumber int    `json:"door_number"`
	Name       string `json:"name"`
	Serial     string `json:"serial,omitempty"`
	Status     string `json:"status"`
	LinkStatus string `json:"link_status,omitempty"`
}

// DoorEvent is a push notification delivered outside the poll cycle.
// DeviceID is zero when the cloud only identified the controller by serial
// and the serial is not known to the client.
type DoorEvent struct {
	DeviceID   int64  `json:"device_id,omitempty"`
	Serial     string `json:"serial,omitempty"`
	DoorNumber int    `json:"door"`
	Status     string `json:"door_status"`
}

// EventHandler receives push events.
type EventHandler func(event DoorEvent)

// Subscription is an active callback registration.
type Subscription interface {
	Unsubscribe()
}

// API is the cloud client contract consumed by the integration.
type API interface {
	// Login authenticates. It returns false without an error when the
	// credentials were rejected.
	Login(ctx context.Context) (bool, error)

	// GetDoors lists every door on the account. A nil slice means the
	// cloud returned no usable data.
	GetDoors(ctx context.Context) ([]Door, error)

	// GetDoorStatus refreshes the account and returns the door status.
	GetDoorStatus(ctx context.Context, deviceID int64, doorNumber int) (string, error)

	// GetDoorLinkStatus returns the link status recorded by the last refresh.
	GetDoorLinkStatus(ctx context.Context, deviceID int64, doorNumber int) (string, error)

	OpenDoor(ctx context.Context, deviceID int64, doorNumber int) error
	CloseDoor(ctx context.Context, deviceID int64, doorNumber int) error

	// RegisterCallback adds a push event handler and starts the event
	// stream if it is not already running.
	RegisterCallback(handler EventHandler) (Subscription, error)

	// Close stops the event stream and releases the session.
	Close() error
}

// Wire types for the REST API.

type devicesResponse struct {
	Devices []deviceResponse `json:"devices"`
}

type deviceResponse struct {
	ID           int64          `json:"id"`
	SerialNumber string         `json:"serial_number"`
	Name         string         `json:"name"`
	Doors        []doorResponse `json:"doors"`
}

type doorResponse struct {
	DoorIndex  int    `json:"door_index"`
	Name       string `json:"name"`
	Status     int    `json:"status"`
	LinkStatus int    `json:"link_status"`
}

type commandRequest struct {
	Command string `json:"command"`
}

// eventMessage is one frame on the push event stream.
type eventMessage struct {
	Serial     string `json:"serial"`
	Door       int    `json:"door"`
	DoorStatus int    `json:"door_status"`
	Fault      int    `json:"fault"`
}

// StatusFromCode translates the cloud's numeric door status.
// The timeout codes report the door stuck short of its target.
func StatusFromCode(code int) string {
	switch code {
	case 1, 3:
		return StatusOpen
	case 2:
		return StatusOpening
	case 4, 6:
		return StatusClosed
	case 5:
		return StatusClosing
	default:
		return StatusUnknown
	}
}

// LinkFromCode translates the cloud's numeric link status.
func LinkFromCode(code int) string {
	switch code {
	case 1:
		return LinkNotConfigured
	case 2:
		return LinkDisconnected
	case 3:
		return LinkConnected
	default:
		return LinkUnknown
	}
}

// CodeFromStatus is the inverse of StatusFromCode for the four canonical values.
func CodeFromStatus(status string) int {
	switch status {
	case StatusOpen:
		return 1
	case StatusOpening:
		return 2
	case StatusClosed:
		return 4
	case StatusClosing:
		return 5
	default:
		return 0
	}
}

// CodeFromLink is the inverse of LinkFromCode.
func CodeFromLink(link string) int {
	switch link {
	case LinkNotConfigured:
		return 1
	case LinkDisconnected:
		return 2
	case LinkConnected:
		return 3
	default:
		return 0
	}
}
