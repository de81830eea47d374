// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"net"
	"time"
)

// BrokerMessage is a message exchanged with the broker
type BrokerMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// UplinkMessage is an authenticated radio payload on its way to the broker
type UplinkMessage struct {
	Payload   []byte
	FrameSize int
	RadioAddr net.Addr // nil if the radio does not know the source
	Received  time.Time
}

// DownlinkMessage is a broker payload on its way to the radio
type DownlinkMessage struct {
	Topic   string
	Payload []byte
}
