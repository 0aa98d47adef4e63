// SPDX-License-Identifier: MIT
package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"biotap/internal/analysis"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttSubscribeTimeout  = 5 * time.Second
	mqttDisconnectQuiesce = 250 // Milliseconds.
)

// MQTTSource subscribes to a topic and ingests each message as one batch.
// The paho client handles reconnection and resubscribes on every connect.
type MQTTSource struct {
	Broker   string // e.g. tcp://127.0.0.1:1883
	Topic    string
	ClientID string // Generated when empty.
	QoS      byte
	Username string
	Password string
	Decoder  Decoder

	mu     sync.Mutex
	client mqtt.Client
	done   chan struct{}
	once   sync.Once
}

// NewMQTTSource creates a source for topic on broker.
func NewMQTTSource(broker, topic string, dec Decoder) *MQTTSource {
	return &MQTTSource{
		Broker:  broker,
		Topic:   topic,
		Decoder: dec,
	}
}

// Run connects, subscribes and blocks until ctx ends or Close is called.
func (s *MQTTSource) Run(ctx context.Context, sink analysis.SampleSink) error {
	s.init()

	clientID := s.ClientID
	if clientID == "" {
		clientID = "biotap-" + uuid.NewString()
	}

	handler := s.handler(sink)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.Broker)
	opts.SetClientID(clientID)
	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(true)
	opts.OnConnect = func(c mqtt.Client) {
		token := c.Subscribe(s.Topic, s.QoS, handler)
		if !token.WaitTimeout(mqttSubscribeTimeout) {
			logger.Errorf("Subscribe to %s timed out", s.Topic)
			return
		}
		if err := token.Error(); err != nil {
			logger.Errorf("Subscribe to %s failed: %v", s.Topic, err)
			return
		}
		logger.Infof("Subscribed to %s on %s", s.Topic, s.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnf("Connection to %s lost: %v (will auto-reconnect)", s.Broker, err)
	}

	client := mqtt.NewClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", s.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.Broker, err)
	}
	defer client.Disconnect(mqttDisconnectQuiesce)

	select {
	case <-ctx.Done():
	case <-s.done:
	}
	return nil
}

// handler decodes each message and forwards it to sink.
func (s *MQTTSource) handler(sink analysis.SampleSink) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		batch, err := s.Decoder.Decode(msg.Payload())
		if err != nil {
			logger.Debugf("Dropping message on %s: %v", msg.Topic(), err)
			return
		}
		sink.Ingest(batch.Values, batch.Start)
	}
}

func (s *MQTTSource) init() {
	s.mu.Lock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	s.mu.Unlock()
}

// Close stops a running source.
func (s *MQTTSource) Close() error {
	s.init()
	s.once.Do(func() { close(s.done) })
	return nil
}

var _ Source = (*MQTTSource)(nil)
