package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"garagecover/internal/platform"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	queueSize          = 256
	commandCallTimeout = 60 * time.Second

	// Command payloads accepted on <prefix>/<entity_id>/set
	CommandOpen  = "OPEN"
	CommandClose = "CLOSE"
)

// Client is the subset of pahomqtt.Client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	Disconnect(quiesce uint)
}

// ServiceCaller runs host services for inbound commands.
type ServiceCaller interface {
	Call(ctx context.Context, domain, service string, data map[string]interface{}) error
}

type message struct {
	topic   string
	payload []byte
}

// Bridge mirrors cover states to retained MQTT topics and turns
// OPEN/CLOSE messages into cover service calls.
//
// Topics, with the default prefix:
//
//	garagecover/status                    online | offline
//	garagecover/<entity_id>/state         open | opening | closed | closing | unknown | unavailable
//	garagecover/<entity_id>/attributes    JSON
//	garagecover/<entity_id>/set           OPEN | CLOSE (subscribed)
type Bridge struct {
	client   Client
	states   *platform.StateMachine
	services ServiceCaller
	prefix   string
	qos      byte
	logger   *zap.Logger

	// mu orders queue sends against Stop and the start-up snapshot
	mu      sync.Mutex
	queue   chan message
	stopped bool
	wg      sync.WaitGroup
	sub     platform.Subscription

	stopOnce sync.Once
}

// NewBridge creates a bridge. Call Start to begin publishing.
func NewBridge(client Client, states *platform.StateMachine, services ServiceCaller, prefix string, qos int, logger *zap.Logger) *Bridge {
	return &Bridge{
		client:   client,
		states:   states,
		services: services,
		prefix:   strings.TrimSuffix(prefix, "/"),
		qos:      byte(qos),
		logger:   logger.Named("mqtt"),
		queue:    make(chan message, queueSize),
	}
}

// StateTopic returns the state topic for an entity.
func (b *Bridge) StateTopic(entityID string) string {
	return fmt.Sprintf("%s/%s/state", b.prefix, entityID)
}

// AttributesTopic returns the attributes topic for an entity.
func (b *Bridge) AttributesTopic(entityID string) string {
	return fmt.Sprintf("%s/%s/attributes", b.prefix, entityID)
}

func (b *Bridge) commandFilter() string {
	return b.prefix + "/+/set"
}

// Start publishes every current cover state, then follows changes.
func (b *Bridge) Start() error {
	token := b.client.Subscribe(b.commandFilter(), b.qos, b.handleCommand)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("subscribing to %s: timeout after %v", b.commandFilter(), defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.commandFilter(), err)
	}

	b.wg.Add(1)
	go b.run()

	// Changes notified while the snapshot is queued wait on b.mu, so
	// they land behind the snapshot's older copies.
	b.mu.Lock()
	b.sub = b.states.Subscribe(b.handleStateChange)
	for _, state := range b.states.All() {
		s := state
		b.queueStateLocked(s.EntityID, &s)
	}
	b.mu.Unlock()

	b.logger.Info("MQTT bridge started", zap.String("prefix", b.prefix))
	return nil
}

// Stop drains queued messages, publishes offline and disconnects.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.sub != nil {
			b.sub.Unsubscribe()
		}
		b.client.Unsubscribe(b.commandFilter()).WaitTimeout(defaultPublishTimeout)

		b.mu.Lock()
		b.stopped = true
		close(b.queue)
		b.mu.Unlock()
		b.wg.Wait()

		b.client.Publish(statusTopic(b.prefix), b.qos, true, payloadOffline).WaitTimeout(defaultPublishTimeout)
		b.client.Disconnect(defaultDisconnectQuiesce)
		b.logger.Info("MQTT bridge stopped")
	})
}

// handleStateChange runs on the state writer's goroutine, so it only queues.
func (b *Bridge) handleStateChange(entityID string, _, newState *platform.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueStateLocked(entityID, newState)
}

func (b *Bridge) queueStateLocked(entityID string, newState *platform.State) {
	if !strings.HasPrefix(entityID, platform.DomainCover+".") {
		return
	}

	if newState == nil {
		// Empty retained payloads clear the broker's copy
		b.enqueueLocked(message{topic: b.StateTopic(entityID)})
		b.enqueueLocked(message{topic: b.AttributesTopic(entityID)})
		return
	}

	b.enqueueLocked(message{topic: b.StateTopic(entityID), payload: []byte(newState.State)})

	attrs, err := json.Marshal(map[string]interface{}{
		"attributes":   newState.Attributes,
		"last_changed": newState.LastChanged,
		"last_updated": newState.LastUpdated,
	})
	if err != nil {
		b.logger.Error("Failed to encode attributes", zap.String("entity_id", entityID), zap.Error(err))
		return
	}
	b.enqueueLocked(message{topic: b.AttributesTopic(entityID), payload: attrs})
}

func (b *Bridge) enqueueLocked(msg message) {
	if b.stopped {
		b.logger.Debug("Dropping message after stop", zap.String("topic", msg.topic))
		return
	}

	select {
	case b.queue <- msg:
	default:
		b.logger.Warn("MQTT publish queue full, dropping message", zap.String("topic", msg.topic))
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for msg := range b.queue {
		token := b.client.Publish(msg.topic, b.qos, true, msg.payload)
		if !token.WaitTimeout(defaultPublishTimeout) {
			b.logger.Warn("MQTT publish timed out", zap.String("topic", msg.topic))
			continue
		}
		if err := token.Error(); err != nil {
			b.logger.Error("MQTT publish failed", zap.String("topic", msg.topic), zap.Error(err))
		}
	}
}

// handleCommand maps <prefix>/<entity_id>/set OPEN|CLOSE to a cover service.
func (b *Bridge) handleCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	entityID := strings.TrimSuffix(strings.TrimPrefix(msg.Topic(), b.prefix+"/"), "/set")
	if !strings.HasPrefix(entityID, platform.DomainCover+".") {
		b.logger.Warn("Ignoring command for non-cover entity", zap.String("topic", msg.Topic()))
		return
	}

	var service string
	switch strings.ToUpper(strings.TrimSpace(string(msg.Payload()))) {
	case CommandOpen:
		service = platform.ServiceOpenCover
	case CommandClose:
		service = platform.ServiceCloseCover
	default:
		b.logger.Warn("Ignoring unknown cover command",
			zap.String("entity_id", entityID),
			zap.ByteString("payload", msg.Payload()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandCallTimeout)
	defer cancel()

	if err := b.services.Call(ctx, platform.DomainCover, service, map[string]interface{}{"entity_id": entityID}); err != nil {
		b.logger.Error("MQTT command failed",
			zap.String("entity_id", entityID),
			zap.String("service", service),
			zap.Error(err))
	}
}
