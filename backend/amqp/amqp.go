// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// New returns a new AMQP
func New(config Config, ctx log.Interface) (*AMQP, error) {
	if config.Address == "" {
		return nil, errors.New("amqp: no address configured")
	}

	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}

	if config.QueuePrefix == "" {
		config.QueuePrefix = "lora-bridge"
	}

	if config.ConsumerPrefix == "" {
		config.ConsumerPrefix = "lora-bridge"
		if user, err := user.Current(); err == nil {
			config.ConsumerPrefix += "-" + user.Username
		}
		if hostname, err := os.Hostname(); err == nil {
			config.ConsumerPrefix += "@" + hostname
		}
	}

	amqp := &AMQP{
		config:        config,
		ctx:           ctx.WithField("Connector", "AMQP"),
		events:        make(chan *backend.Event, BufferSize),
		done:          make(chan struct{}),
		subscriptions: make(map[string]*subscription),
	}
	amqp.publish.ch = make(chan publishMessage, BufferSize)
	amqp.connection.Add(1)

	return amqp, nil
}

// BufferSize indicates the maximum number of AMQP messages and events that should be buffered
var BufferSize = 10

// Config contains configuration for AMQP
type Config struct {
	Address        string
	Username       string
	Password       string
	VHost          string
	ExchangeName   string
	QueuePrefix    string
	ConsumerPrefix string
	TLSConfig      *tls.Config
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

// RoutingKey converts an MQTT style topic to an AMQP routing key
func RoutingKey(topic string) string {
	return strings.NewReplacer("/", ".", "+", "*").Replace(topic)
}

// Topic converts an AMQP routing key to an MQTT style topic
func Topic(routingKey string) string {
	return strings.Replace(routingKey, ".", "/", -1)
}

// deliveryTopic is the topic of a delivery on the subscription. Routing keys
// do not map back to topics that contain dots, so the subscribed topic is
// used unless it has wildcards.
func (s *subscription) deliveryTopic(routingKey string) string {
	if strings.ContainsAny(s.topic, "+#") {
		return Topic(routingKey)
	}
	return s.topic
}

type publishMessage struct {
	routingKey string
	message    []byte
	persistent bool
}

type subscription struct {
	topic        string
	routingKey   string
	consumerName string
	channel      *amqp.Channel
	mu           sync.Mutex
}

func (s *subscription) cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return nil
	}
	err := s.channel.Cancel(s.consumerName, false)
	s.channel = nil
	return err
}

// AMQP broker backend. Topics are mapped to routing keys on a topic exchange.
type AMQP struct {
	config     Config
	ctx        log.Interface
	events     chan *backend.Event
	done       chan struct{}
	stopOnce   sync.Once
	connection struct {
		*amqp.Connection
		sync.RWMutex
		sync.WaitGroup
		once sync.Once
	}
	publish struct {
		ch   chan publishMessage
		once sync.Once
	}
	subscriptions    map[string]*subscription
	subscriptionLock sync.Mutex
}

var _ backend.Broker = (*AMQP)(nil)

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

func (c *AMQP) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *AMQP) emit(evt *backend.Event) {
	select {
	case c.events <- evt:
	default:
		c.ctx.WithField("Event", evt.Type).Warn("Could not handle event: buffer full")
	}
}

// Events implements backend.Broker
func (c *AMQP) Events() <-chan *backend.Event {
	return c.events
}

func (c *AMQP) connect() (err error) {
	var conn *amqp.Connection
	if c.config.TLSConfig != nil {
		conn, err = amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	} else {
		conn, err = amqp.Dial(c.config.url())
	}
	if err == nil {
		c.connection.Lock()
		c.connection.Connection = conn
		c.connection.Unlock()
	}
	c.connection.once.Do(func() {
		c.connection.Done()
	})
	if err != nil {
		return err
	}
	return c.setup()
}

func (c *AMQP) channel() (*amqp.Channel, error) {
	c.connection.Wait()
	c.connection.RLock()
	defer c.connection.RUnlock()
	if c.connection.Connection == nil {
		return nil, errors.New("amqp: not connected")
	}
	return c.connection.Channel()
}

func (c *AMQP) setup() (err error) {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclarePassive(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		c.ctx.WithError(err).Warnf("Exchange %s does not exist, trying to create...", c.config.ExchangeName)
		ch, err := c.channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		if err := ch.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Start connecting to AMQP. Connecting happens in the background and is
// retried when the connection is lost.
func (c *AMQP) Start() error {
	go c.autoReconnect()
	return nil
}

func (c *AMQP) autoReconnect() (err error) {
	for {
		retries := ConnectRetries
		for {
			err = c.connect()
			if err == nil || c.stopped() {
				break
			}
			c.ctx.WithError(err).Warn("Error trying to connect")
			retries--
			if retries <= 0 {
				break // Out of retries, break with err
			}
			time.Sleep(ConnectRetryDelay)
		}
		if err != nil || c.stopped() {
			break
		}

		c.ctx.Info("Connected")
		c.emit(&backend.Event{Type: backend.Connected})

		// Monitor the connection and reconnect on error
		ch := make(chan *amqp.Error, 1)
		c.connection.NotifyClose(ch)
		if amqpErr, hasErr := <-ch; hasErr {
			err = errors.New(amqpErr.Error())
		} else {
			c.emit(&backend.Event{Type: backend.Disconnected})
			break
		}
		c.ctx.WithError(err).Warn("Connection closed")
		c.emit(&backend.Event{Type: backend.Disconnected, Err: err})
		time.Sleep(ConnectRetryDelay)
	}
	if err != nil {
		c.ctx.WithError(err).Error("Could not connect")
		c.emit(&backend.Event{Type: backend.Error, Err: err})
	} else {
		c.ctx.Info("Connection closed")
	}
	return
}

// Stop cancels all subscriptions and closes the connection
func (c *AMQP) Stop() (err error) {
	c.stopOnce.Do(func() {
		close(c.done)
		c.subscriptionLock.Lock()
		for topic, subscription := range c.subscriptions {
			if err := subscription.cancel(); err != nil {
				c.ctx.WithField("Topic", topic).WithError(err).Warn("Could not cancel subscription")
			}
		}
		c.subscriptions = make(map[string]*subscription)
		c.subscriptionLock.Unlock()
		c.connection.RLock()
		defer c.connection.RUnlock()
		if c.connection.Connection != nil {
			err = c.connection.Close()
		}
	})
	return
}

func (c *AMQP) channelWithRetry() (channel *amqp.Channel, err error) {
	retries := ConnectRetries
	for {
		channel, err = c.channel()
		if err == nil || c.stopped() {
			return
		}
		c.ctx.WithError(err).Warn("Error trying to get channel")
		retries--
		if retries <= 0 {
			return
		}
		time.Sleep(ConnectRetryDelay)
	}
}

func (c *AMQP) autoRecreatePublishChannel() (err error) {
	var channel *amqp.Channel
	for !c.stopped() {
		channel, err = c.channelWithRetry()
		if err != nil {
			break // Unable to get channel, stop trying
		}

		c.ctx.Debug("Got publish channel")

		// Monitor the channel
		ch := make(chan *amqp.Error, 1)
		channel.NotifyClose(ch)

	handle:
		for {
			select {
			case <-c.done:
				channel.Close()
				return nil
			case amqpErr, hasErr := <-ch:
				if hasErr {
					err = errors.New(amqpErr.Error())
				}
				break handle
			case msg := <-c.publish.ch:
				ctx := c.ctx.WithField("RoutingKey", msg.routingKey)
				deliveryMode := amqp.Transient
				if msg.persistent {
					deliveryMode = amqp.Persistent
				}
				err := channel.Publish(c.config.ExchangeName, msg.routingKey, false, false, amqp.Publishing{
					DeliveryMode: deliveryMode,
					Timestamp:    time.Now(),
					ContentType:  "application/octet-stream",
					Body:         msg.message,
				})
				if err != nil {
					ctx.WithError(err).Warn("Error during publish")
				} else {
					ctx.WithField("Size", len(msg.message)).Debug("Published message")
				}
			}
		}
		if err == nil {
			break
		}
		c.ctx.WithError(err).Warn("Publish channel closed")
		time.Sleep(ConnectRetryDelay)
	}
	if err != nil {
		c.ctx.WithError(err).Error("Error in publish channel")
	}
	return
}

// Publish a message to the routing key of the topic. Messages with QoS > 0
// are persistent. AMQP has no retained messages, so retain is ignored.
func (c *AMQP) Publish(topic string, payload []byte, qos byte, retain bool) error {
	c.publish.once.Do(func() {
		go c.autoRecreatePublishChannel()
	})
	select {
	case c.publish.ch <- publishMessage{routingKey: RoutingKey(topic), message: payload, persistent: qos > 0}:
	default:
		return errors.New("amqp: publish buffer full")
	}
	return nil
}

// Subscribe to the routing key of a topic. Consuming happens in the
// background; the result is reported as a Subscribed or Error event.
func (c *AMQP) Subscribe(topic string, qos byte) error {
	c.subscriptionLock.Lock()
	if _, ok := c.subscriptions[topic]; ok {
		c.subscriptionLock.Unlock()
		c.emit(&backend.Event{Type: backend.Subscribed, Topic: topic})
		return nil
	}
	routingKey := RoutingKey(topic)
	queueName := fmt.Sprintf("%s.%s", c.config.QueuePrefix, routingKey)
	sub := &subscription{
		topic:        topic,
		routingKey:   routingKey,
		consumerName: c.config.ConsumerPrefix + "-" + queueName,
	}
	c.subscriptions[topic] = sub
	c.subscriptionLock.Unlock()
	go c.consume(sub, queueName)
	return nil
}

func (c *AMQP) consume(sub *subscription, queueName string) {
	ctx := c.ctx.WithField("RoutingKey", sub.routingKey)
	var err error
	for !c.stopped() {
		var channel *amqp.Channel
		channel, err = c.channelWithRetry()
		if err != nil {
			break
		}
		if _, err = channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			break
		}
		if err = channel.QueueBind(queueName, sub.routingKey, c.config.ExchangeName, false, nil); err != nil {
			break
		}
		if err = channel.Qos(1, 0, false); err != nil {
			break
		}
		deliveries, cErr := channel.Consume(queueName, sub.consumerName, false, false, false, false, nil)
		if cErr != nil {
			err = cErr
			break
		}
		sub.mu.Lock()
		sub.channel = channel
		sub.mu.Unlock()

		ctx.Debug("Subscribed")
		c.emit(&backend.Event{Type: backend.Subscribed, Topic: sub.topic})

		ch := make(chan *amqp.Error, 1)
		channel.NotifyClose(ch)

	handle:
		for {
			select {
			case amqpErr, hasErr := <-ch:
				if hasErr {
					err = errors.New(amqpErr.Error())
				}
				break handle
			case msg, ok := <-deliveries:
				if !ok {
					break handle
				}
				ctx.WithField("Size", len(msg.Body)).Debug("Received message")
				c.emit(&backend.Event{Type: backend.Data, Topic: sub.deliveryTopic(msg.RoutingKey), Payload: msg.Body})
				msg.Ack(false)
			}
		}
		if err == nil {
			break
		}
		ctx.WithError(err).Warn("Subscribe channel closed")
		time.Sleep(ConnectRetryDelay)
	}
	if err != nil {
		ctx.WithError(err).Error("Error in subscribe channel")
		c.emit(&backend.Event{Type: backend.Error, Topic: sub.topic, Err: err})
	}
	c.subscriptionLock.Lock()
	if c.subscriptions[sub.topic] == sub {
		delete(c.subscriptions, sub.topic)
	}
	c.subscriptionLock.Unlock()
	c.emit(&backend.Event{Type: backend.Unsubscribed, Topic: sub.topic})
}
