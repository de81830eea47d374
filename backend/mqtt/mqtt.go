// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/TheThingsNetwork/ttn/utils/random"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// PublishTimeout bounds how long Publish blocks the caller. Publishes that
// take longer complete in the background.
var PublishTimeout = 50 * time.Millisecond

// BufferSize indicates the maximum number of events that should be buffered
var BufferSize = 10

// Config contains configuration for MQTT
type Config struct {
	Brokers   []string
	Username  string
	Password  string
	ClientID  string
	TLSConfig *tls.Config
}

// MQTT broker backend
type MQTT struct {
	ctx           log.Interface
	client        paho.Client
	events        chan *backend.Event
	subscriptions mapset.Set
}

var _ backend.Broker = (*MQTT)(nil)

// New returns a new MQTT
func New(config Config, ctx log.Interface) (*MQTT, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("mqtt: no brokers configured")
	}

	mqtt := &MQTT{
		ctx:           ctx.WithField("Connector", "MQTT"),
		events:        make(chan *backend.Event, BufferSize),
		subscriptions: mapset.NewSet(),
	}

	mqttOpts := paho.NewClientOptions()
	for _, broker := range config.Brokers {
		mqttOpts.AddBroker(broker)
	}
	if config.TLSConfig != nil {
		mqttOpts.SetTLSConfig(config.TLSConfig)
	}
	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("lora-bridge-%s", random.String(16))
	}
	mqttOpts.SetClientID(config.ClientID)
	mqttOpts.SetUsername(config.Username)
	mqttOpts.SetPassword(config.Password)
	mqttOpts.SetKeepAlive(30 * time.Second)
	mqttOpts.SetPingTimeout(10 * time.Second)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetAutoReconnect(true)
	mqttOpts.SetConnectRetry(true)
	mqttOpts.SetConnectRetryInterval(ConnectRetryDelay)
	mqttOpts.SetMaxReconnectInterval(time.Minute)
	mqttOpts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		mqtt.ctx.WithField("Topic", msg.Topic()).Warn("Received unhandled message on MQTT")
	})
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqtt.ctx.WithError(err).Warn("Disconnected. Reconnecting...")
		mqtt.emit(&backend.Event{Type: backend.Disconnected, Err: err})
	})
	mqttOpts.SetOnConnectHandler(func(_ paho.Client) {
		mqtt.ctx.Info("Connected")
		mqtt.emit(&backend.Event{Type: backend.Connected})
	})

	mqtt.client = paho.NewClient(mqttOpts)

	return mqtt, nil
}

var (
	// ConnectRetryDelay says how long the client should wait between connection attempts
	ConnectRetryDelay = 5 * time.Second
	// DisconnectQuiesce is the time in milliseconds to wait for pending work when stopping
	DisconnectQuiesce uint = 100
)

// Start connecting to MQTT. Connecting happens in the background; it is
// retried until it succeeds or Stop is called.
func (c *MQTT) Start() error {
	token := c.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.ctx.WithError(err).Warn("Could not connect to MQTT")
			c.emit(&backend.Event{Type: backend.Error, Err: err})
		}
	}()
	return nil
}

// Stop unsubscribes from all topics and disconnects from MQTT
func (c *MQTT) Stop() error {
	if c.client.IsConnected() {
		for _, topic := range c.subscriptions.ToSlice() {
			c.client.Unsubscribe(topic.(string)).WaitTimeout(PublishTimeout)
		}
	}
	c.subscriptions.Clear()
	c.client.Disconnect(DisconnectQuiesce)
	c.ctx.Info("Disconnected")
	return nil
}

// Events implements backend.Broker
func (c *MQTT) Events() <-chan *backend.Event {
	return c.events
}

func (c *MQTT) emit(evt *backend.Event) {
	select {
	case c.events <- evt:
	default:
		c.ctx.WithField("Event", evt.Type).Warn("Could not handle event: buffer full")
	}
}

// Subscribe to a topic. The result is reported as a Subscribed or Error event.
func (c *MQTT) Subscribe(topic string, qos byte) error {
	ctx := c.ctx.WithField("Topic", topic)
	token := c.client.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		if msg.Retained() {
			ctx.Debug("Ignore retained message")
			return
		}
		ctx.WithField("Size", len(msg.Payload())).Debug("Received message")
		c.emit(&backend.Event{Type: backend.Data, Topic: msg.Topic(), Payload: msg.Payload()})
	})
	c.subscriptions.Add(topic)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			ctx.WithError(err).Warn("Could not subscribe")
			c.subscriptions.Remove(topic)
			c.emit(&backend.Event{Type: backend.Error, Topic: topic, Err: err})
			return
		}
		ctx.Debug("Subscribed")
		c.emit(&backend.Event{Type: backend.Subscribed, Topic: topic})
	}()
	return nil
}

// Unsubscribe from a topic. The result is reported as an Unsubscribed or Error event.
func (c *MQTT) Unsubscribe(topic string) error {
	ctx := c.ctx.WithField("Topic", topic)
	c.subscriptions.Remove(topic)
	token := c.client.Unsubscribe(topic)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			ctx.WithError(err).Warn("Could not unsubscribe")
			c.emit(&backend.Event{Type: backend.Error, Topic: topic, Err: err})
			return
		}
		c.emit(&backend.Event{Type: backend.Unsubscribed, Topic: topic})
	}()
	return nil
}

// Subscriptions returns the topics that are currently subscribed
func (c *MQTT) Subscriptions() []string {
	topics := make([]string, 0, c.subscriptions.Cardinality())
	for _, topic := range c.subscriptions.ToSlice() {
		topics = append(topics, topic.(string))
	}
	return topics
}

// Publish a message. It returns after PublishTimeout without waiting for the
// broker to acknowledge it; later errors are logged.
func (c *MQTT) Publish(topic string, payload []byte, qos byte, retain bool) error {
	ctx := c.ctx.WithField("Topic", topic)
	token := c.client.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(PublishTimeout) {
		if err := token.Error(); err != nil {
			return err
		}
		ctx.WithField("Size", len(payload)).Debug("Published message")
		return nil
	}
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			ctx.WithError(err).Warn("Could not publish message")
			return
		}
		ctx.WithField("Size", len(payload)).Debug("Published message")
	}()
	return nil
}
