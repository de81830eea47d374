// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package debug

import (
	"strconv"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
)

// MaxPayloadLength is the number of payload bytes that are logged
var MaxPayloadLength = 64

// New returns a middleware that logs the payloads of all traffic
func New() *Debug {
	return &Debug{log: log.Get()}
}

// Debug middleware
type Debug struct {
	log log.Interface
}

// Name of the middleware
func (*Debug) Name() string { return "debug" }

func quote(payload []byte) string {
	if len(payload) > MaxPayloadLength {
		return strconv.Quote(string(payload[:MaxPayloadLength])) + "..."
	}
	return strconv.Quote(string(payload))
}

// HandleUplink logs uplink traffic
func (d *Debug) HandleUplink(_ middleware.Context, msg *types.UplinkMessage) error {
	ctx := d.log.WithFields(log.Fields{
		"Size":      len(msg.Payload),
		"FrameSize": msg.FrameSize,
		"Payload":   quote(msg.Payload),
	})
	if msg.RadioAddr != nil {
		ctx = ctx.WithField("Source", msg.RadioAddr.String())
	}
	ctx.Debug("Uplink")
	return nil
}

// HandleDownlink logs downlink traffic
func (d *Debug) HandleDownlink(_ middleware.Context, msg *types.DownlinkMessage) error {
	d.log.WithFields(log.Fields{
		"Topic":   msg.Topic,
		"Size":    len(msg.Payload),
		"Payload": quote(msg.Payload),
	}).Debug("Downlink")
	return nil
}
