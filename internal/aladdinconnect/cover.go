package aladdinconnect

import (
	"context"
	"fmt"
	"sync"

	"garagecover/internal/aladdin"
	"garagecover/internal/platform"
	"garagecover/pkg/integration"

	"go.uber.org/zap"
)

const supportedFeatures = platform.CoverSupportOpen | platform.CoverSupportClose

// Cover is one garage door as a cover entity.
type Cover struct {
	client aladdin.API
	logger *zap.Logger

	deviceID   int64
	doorNumber int
	name       string

	mu         sync.Mutex
	status     string
	linkStatus string
	available  bool
	handle     integration.EntityHandle
	sub        aladdin.Subscription
}

// NewCover creates the entity for door, starting from the status the
// door list reported.
func NewCover(client aladdin.API, door aladdin.Door, logger *zap.Logger) *Cover {
	return &Cover{
		client:     client,
		logger:     logger.With(zap.Int64("device_id", door.DeviceID), zap.Int("door_number", door.DoorNumber)),
		deviceID:   door.DeviceID,
		doorNumber: door.DoorNumber,
		name:       door.Name,
		status:     door.Status,
		linkStatus: door.LinkStatus,
		available:  true,
	}
}

func (c *Cover) Name() string { return c.name }

// UniqueID is "<device_id>-<door_number>".
func (c *Cover) UniqueID() string {
	return fmt.Sprintf("%d-%d", c.deviceID, c.doorNumber)
}

func (c *Cover) ShouldPoll() bool { return true }

// State returns the mapped cover state.
func (c *Cover) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Cover) stateLocked() string {
	if !c.available {
		return platform.StateUnavailable
	}
	return MapDoorState(c.status, c.linkStatus)
}

func (c *Cover) Attributes() map[string]interface{} {
	c.mu.Lock()
	state := c.stateLocked()
	c.mu.Unlock()

	attrs := map[string]interface{}{
		"device_class":       "garage",
		"supported_features": supportedFeatures,
		"device_id":          c.deviceID,
		"door_number":        c.doorNumber,
		"friendly_name":      c.name,
	}

	switch state {
	case platform.StateUnavailable, platform.StateUnknown:
		attrs["is_closed"] = nil
		attrs["is_opening"] = nil
		attrs["is_closing"] = nil
	default:
		attrs["is_closed"] = state == platform.StateClosed
		attrs["is_opening"] = state == platform.StateOpening
		attrs["is_closing"] = state == platform.StateClosing
	}
	return attrs
}

// Update polls the cloud for the door status. A failed poll makes the
// entity unavailable until the next successful poll or push event.
func (c *Cover) Update(ctx context.Context) error {
	status, err := c.client.GetDoorStatus(ctx, c.deviceID, c.doorNumber)
	if err == nil {
		var link string
		link, err = c.client.GetDoorLinkStatus(ctx, c.deviceID, c.doorNumber)
		if err == nil {
			c.mu.Lock()
			c.status = status
			c.linkStatus = link
			c.available = true
			c.mu.Unlock()
			return nil
		}
	}

	c.mu.Lock()
	c.available = false
	c.mu.Unlock()
	return fmt.Errorf("updating door %s: %w", c.UniqueID(), err)
}

// Open asks the cloud to open the door. State is not changed here; the
// next poll or push event reports the door opening.
func (c *Cover) Open(ctx context.Context) error {
	c.logger.Info("Opening door")
	if err := c.client.OpenDoor(ctx, c.deviceID, c.doorNumber); err != nil {
		return fmt.Errorf("opening door %s: %w", c.UniqueID(), err)
	}
	return nil
}

// Close asks the cloud to close the door.
func (c *Cover) Close(ctx context.Context) error {
	c.logger.Info("Closing door")
	if err := c.client.CloseDoor(ctx, c.deviceID, c.doorNumber); err != nil {
		return fmt.Errorf("closing door %s: %w", c.UniqueID(), err)
	}
	return nil
}

// AddedToHost subscribes to push events.
func (c *Cover) AddedToHost(handle integration.EntityHandle) error {
	sub, err := c.client.RegisterCallback(c.HandleEvent)
	c.mu.Lock()
	c.handle = handle
	c.sub = sub
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("registering push callback: %w", err)
	}
	return nil
}

// RemovedFromHost drops the push subscription.
func (c *Cover) RemovedFromHost() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.handle = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// HandleEvent applies a push event for this door and writes the new
// state straight away.
func (c *Cover) HandleEvent(event aladdin.DoorEvent) {
	if event.DoorNumber != c.doorNumber {
		return
	}
	if event.DeviceID != 0 && event.DeviceID != c.deviceID {
		return
	}

	c.mu.Lock()
	c.status = event.Status
	c.available = true
	handle := c.handle
	c.mu.Unlock()

	c.logger.Debug("Door event", zap.String("status", event.Status))

	if handle != nil {
		handle.WriteState()
	}
}
