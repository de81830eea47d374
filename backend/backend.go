// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package backend

import (
	"errors"
	"fmt"
	"net"
)

// Broker backends talk to the message broker that is up the chain.
//
// Publish and Subscribe may be called before the broker reports a connection;
// the backend queues or retries them according to its own session logic.
// Implementations must be safe for a Publish that races with their own
// event delivery.
type Broker interface {
	Start() error
	Stop() error
	Subscribe(topic string, qos byte) error
	Publish(topic string, payload []byte, qos byte, retain bool) error
	Events() <-chan *Event
}

// Radio backends talk to the packet radio that is down the chain.
//
// Received never blocks. SendPacket blocks at most for the radio's own send
// timeout. Implementations serialize access to the hardware themselves, since
// polling and sending happen on different goroutines.
type Radio interface {
	Init() error
	Configure(config RadioConfig) error
	Received() bool
	ReadPacket(buf []byte) (int, error)
	SendPacket(frame []byte) error
	LostPackets() uint64
	Close() error
}

// SourceRadio is implemented by radios that know where a frame came from.
// LastSource returns the source of the frame returned by the last ReadPacket.
type SourceRadio interface {
	Radio
	LastSource() net.Addr
}

// ErrRadioNotRecognized is returned by Radio.Init when the radio module does not respond
var ErrRadioNotRecognized = errors.New("radio module not recognized")

// EventType is the type of a broker event
type EventType int

// Broker event types
const (
	Connected EventType = iota
	Disconnected
	Subscribed
	Unsubscribed
	Data
	Error
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Subscribed:
		return "Subscribed"
	case Unsubscribed:
		return "Unsubscribed"
	case Data:
		return "Data"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is emitted by a Broker. Topic is set for Subscribed, Unsubscribed and
// Data events, Payload only for Data. Err is set for Error events and for
// Disconnected events caused by a connection loss.
type Event struct {
	Type    EventType
	Topic   string
	Payload []byte
	Err     error
}
