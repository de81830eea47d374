// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"sync"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
	"github.com/apex/log"
)

// BufferSize indicates the maximum number of dummy messages that should be buffered
var BufferSize = 10

// Broker is an in-memory broker backend
type Broker struct {
	mu            sync.Mutex
	ctx           log.Interface
	started       bool
	events        chan *backend.Event
	published     chan *types.BrokerMessage
	subscriptions map[string]byte
}

// NewBroker returns a new dummy Broker
func NewBroker(ctx log.Interface) *Broker {
	return &Broker{
		ctx:           ctx.WithField("Connector", "Dummy"),
		events:        make(chan *backend.Event, BufferSize),
		published:     make(chan *types.BrokerMessage, BufferSize),
		subscriptions: make(map[string]byte),
	}
}

// Start implements backend.Broker. It emits a Connected event.
func (d *Broker) Start() error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	d.ctx.Debug("Started")
	d.Emit(&backend.Event{Type: backend.Connected})
	return nil
}

// Stop implements backend.Broker
func (d *Broker) Stop() error {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	d.ctx.Debug("Stopped")
	return nil
}

// Started returns true if Start was called and Stop was not
func (d *Broker) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Subscribe implements backend.Broker. It emits a Subscribed event.
func (d *Broker) Subscribe(topic string, qos byte) error {
	d.mu.Lock()
	d.subscriptions[topic] = qos
	d.mu.Unlock()
	d.ctx.WithField("Topic", topic).Debug("Subscribed")
	d.Emit(&backend.Event{Type: backend.Subscribed, Topic: topic})
	return nil
}

// Subscriptions returns the subscribed topics and their QoS
func (d *Broker) Subscriptions() map[string]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscriptions := make(map[string]byte, len(d.subscriptions))
	for topic, qos := range d.subscriptions {
		subscriptions[topic] = qos
	}
	return subscriptions
}

// Publish implements backend.Broker
func (d *Broker) Publish(topic string, payload []byte, qos byte, retain bool) error {
	ctx := d.ctx.WithField("Topic", topic)
	select {
	case d.published <- &types.BrokerMessage{Topic: topic, Payload: payload, QoS: qos, Retain: retain}:
		ctx.Debug("Published message")
	default:
		ctx.Debug("Did not publish message [buffer full]")
	}
	return nil
}

// Published returns the channel with published messages
func (d *Broker) Published() <-chan *types.BrokerMessage {
	return d.published
}

// Events implements backend.Broker
func (d *Broker) Events() <-chan *backend.Event {
	return d.events
}

// Emit an event as if it came from the broker
func (d *Broker) Emit(evt *backend.Event) {
	select {
	case d.events <- evt:
		d.ctx.WithField("Event", evt.Type).Debug("Emitted event")
	default:
		d.ctx.WithField("Event", evt.Type).Debug("Did not emit event [buffer full]")
	}
}
