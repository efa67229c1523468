package mqttpub

import (
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// subscription holds what is needed to subscribe again after a reconnect.
type subscription struct {
	qos     byte
	handler pahomqtt.MessageHandler
}

// Conn wraps a broker connection. The session is clean, so the broker
// forgets subscriptions when the connection drops; Conn remembers them
// and restores them on every connect.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Conn struct {
	client Client
	prefix string
	qos    byte
	logger *zap.Logger

	subscriptions map[string]subscription
	subMu         sync.Mutex
}

func newConn(client Client, prefix string, qos byte, logger *zap.Logger) *Conn {
	return &Conn{
		client:        client,
		prefix:        prefix,
		qos:           qos,
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}
}

// Publish forwards to the underlying client.
func (c *Conn) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	return c.client.Publish(topic, qos, retained, payload)
}

// Subscribe subscribes and remembers the subscription for reconnects.
func (c *Conn) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: callback}
	c.subMu.Unlock()
	return c.client.Subscribe(topic, qos, callback)
}

// Unsubscribe drops the subscriptions and forwards to the client.
func (c *Conn) Unsubscribe(topics ...string) pahomqtt.Token {
	c.subMu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.subMu.Unlock()
	return c.client.Unsubscribe(topics...)
}

// Disconnect forwards to the client.
func (c *Conn) Disconnect(quiesce uint) {
	c.client.Disconnect(quiesce)
}

// SubscriptionCount returns the number of remembered subscriptions.
func (c *Conn) SubscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subscriptions)
}

// handleConnect runs on every (re)connect: announce online, then restore
// subscriptions.
func (c *Conn) handleConnect() {
	c.client.Publish(statusTopic(c.prefix), c.qos, true, payloadOnline)
	c.restoreSubscriptions()
}

func (c *Conn) restoreSubscriptions() {
	c.subMu.Lock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	c.subMu.Unlock()

	for topic, sub := range subs {
		token := c.client.Subscribe(topic, sub.qos, sub.handler)
		if !token.WaitTimeout(defaultPublishTimeout) {
			c.logger.Warn("Restoring MQTT subscription timed out", zap.String("topic", topic))
			continue
		}
		if err := token.Error(); err != nil {
			c.logger.Error("Failed to restore MQTT subscription", zap.String("topic", topic), zap.Error(err))
			continue
		}
		c.logger.Debug("Restored MQTT subscription", zap.String("topic", topic))
	}
}
