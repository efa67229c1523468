package mqttpub

import (
	"fmt"
	"time"

	"garagecover/internal/config"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 60 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// statusTopic carries the retained online/offline availability message.
func statusTopic(prefix string) string {
	return prefix + "/status"
}

// buildClientOptions creates paho options from the mqtt: section. The
// broker publishes "offline" on the status topic if the process dies.
func buildClientOptions(cfg config.MQTTConfig, logger *zap.Logger) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(statusTopic(cfg.TopicPrefix), payloadOffline, byte(cfg.QoS), true)

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		logger.Info("Reconnecting to MQTT broker")
	})

	return opts
}

// Connect dials the broker. The returned connection announces the host
// as online and restores its subscriptions on every connect.
func Connect(cfg config.MQTTConfig, logger *zap.Logger) (*Conn, error) {
	logger = logger.Named("mqtt")
	opts := buildClientOptions(cfg, logger)

	conn := newConn(nil, cfg.TopicPrefix, byte(cfg.QoS), logger)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
		conn.handleConnect()
	})

	client := pahomqtt.NewClient(opts)
	conn.client = client

	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("connecting to %s: timeout after %v", cfg.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	return conn, nil
}
