// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
)

// DefaultWindow is the window used when NewDeduplicate is given zero
const DefaultWindow = 2 * time.Second

// NewDeduplicate returns a middleware that drops uplink messages that a radio
// repeats within the window
func NewDeduplicate(window time.Duration) *Deduplicate {
	if window == 0 {
		window = DefaultWindow
	}
	return &Deduplicate{
		log:         log.Get(),
		window:      window,
		lastMessage: make(map[string]*types.UplinkMessage),
	}
}

// Deduplicate middleware
type Deduplicate struct {
	log         log.Interface
	window      time.Duration
	mu          sync.Mutex
	lastMessage map[string]*types.UplinkMessage
}

// Name of the middleware
func (d *Deduplicate) Name() string { return "deduplicate" }

// ErrDuplicateMessage is returned when an uplink message is received multiple times
var ErrDuplicateMessage = errors.New("deduplicate: already handled this message")

func source(msg *types.UplinkMessage) string {
	if msg.RadioAddr != nil {
		return msg.RadioAddr.String()
	}
	return ""
}

// HandleUplink blocks duplicate messages
func (d *Deduplicate) HandleUplink(_ middleware.Context, msg *types.UplinkMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := source(msg)
	if lastMessage, ok := d.lastMessage[src]; ok {
		if bytes.Equal(msg.Payload, lastMessage.Payload) && msg.Received.Sub(lastMessage.Received) < d.window {
			d.log.WithField("Source", src).Debug("Dropping duplicate uplink")
			return ErrDuplicateMessage
		}
	}
	d.lastMessage[src] = msg
	return nil
}
