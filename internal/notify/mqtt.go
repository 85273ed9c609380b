package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTT publishes alerts to a broker topic. The client reconnects on its own.
type MQTT struct {
	client mqtt.Client
	topic  string
	qos    byte
	log    logrus.FieldLogger
}

// NewMQTT connects to cfg.Broker ("host:port" or a full tcp://, ssl:// or ws:// URL).
func NewMQTT(cfg config.MQTTConfig, log logrus.FieldLogger) (*MQTT, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		log.WithField("broker", broker).Info("MQTT connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.WithField("broker", broker).WithError(err).Warn("MQTT connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	return newMQTT(client, cfg, log)
}

func newMQTT(client mqtt.Client, cfg config.MQTTConfig, log logrus.FieldLogger) (*MQTT, error) {
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return &MQTT{client: client, topic: cfg.Topic, qos: cfg.QoS, log: log}, nil
}

// Notify publishes on <topic>/<reason>.
func (m *MQTT) Notify(ctx context.Context, alert Alert) error {
	payload, err := alert.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	topic := m.topic + "/" + alert.Reason
	token := m.client.Publish(topic, m.qos, false, payload)

	wait := mqttPublishTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish failed: %w", err)
	}

	m.log.WithFields(logrus.Fields{"topic": topic, "id": alert.ID, "size": len(payload)}).Debug("Alert published")
	return nil
}

func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		m.client.Disconnect(250) // 250ms grace period
	}
	return nil
}
