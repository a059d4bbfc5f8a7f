package voyworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const mqttConnectTimeout = 10 * time.Second

// mqttSource subscribes to the messaging channel and turns every message into
// a background-message event.
type mqttSource struct {
	client  mqtt.Client
	topic   string
	qos     byte
	log     *zap.Logger
	deliver func(ctx context.Context, msg BackgroundMessage)
}

func newMQTTSource(broker, clientID, topic string, qos byte, log *zap.Logger, deliver func(context.Context, BackgroundMessage)) *mqttSource {
	m := &mqttSource{topic: topic, qos: qos, log: log, deliver: deliver}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// resubscribe after every (re)connect
		tok := c.Subscribe(m.topic, m.qos, m.onMessage)
		if tok.WaitTimeout(mqttConnectTimeout) && tok.Error() != nil {
			m.log.Error("mqtt subscribe failed", zap.String("topic", m.topic), zap.Error(tok.Error()))
			return
		}
		m.log.Info("mqtt subscribed", zap.String("topic", m.topic))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.log.Warn("mqtt connection lost", zap.Error(err))
	})
	m.client = mqtt.NewClient(opts)
	return m
}

func (m *mqttSource) Connect() error {
	tok := m.client.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt connect: timeout after %s", mqttConnectTimeout)
	}
	return tok.Error()
}

func (m *mqttSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.deliver(context.Background(), parseBackgroundMessage(msg.Payload()))
}

func (m *mqttSource) Close() {
	m.client.Disconnect(250)
}

// parseBackgroundMessage treats a malformed message as an empty one.
func parseBackgroundMessage(b []byte) BackgroundMessage {
	var msg BackgroundMessage
	if len(b) == 0 {
		return msg
	}
	if err := json.Unmarshal(b, &msg); err != nil {
		return BackgroundMessage{}
	}
	return msg
}
