// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"errors"
	"time"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
	"github.com/apex/log"
)

func (b *Exchange) uplinkLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.PollPeriod)
	defer ticker.Stop()

	wd := newWatchdog(watchdogPeriods*b.config.PollPeriod, func() {
		b.ctx.Warn("Uplink loop stalled")
	})
	defer wd.Stop()

	buf := make([]byte, b.config.MaxFrameSize)
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}
		if !wd.Kick() {
			b.ctx.Info("Uplink loop recovered")
		}
		b.poll(buf)
	}
}

// poll reads at most one frame from the radio and publishes its payload
func (b *Exchange) poll(buf []byte) {
	if !b.radio.Received() {
		return
	}
	n, err := b.radio.ReadPacket(buf)
	if err != nil {
		b.ctx.WithError(err).Warn("Could not read frame")
		uplinkCounter.WithLabelValues("read_error").Inc()
		return
	}
	if n == 0 {
		b.ctx.Debug("Read empty frame")
		return
	}
	uplinkCounter.WithLabelValues("received").Inc()

	ctx := b.ctx.WithField("FrameSize", n)
	ctx.Debug("Received frame")

	payload, err := b.codec.Decode(buf[:n])
	if err != nil {
		ctx.Debug("Dropping frame without tag")
		b.registerDropped(directionUplink, "tag_mismatch", n)
		return
	}

	msg := &types.UplinkMessage{
		Payload:   payload,
		FrameSize: n,
		Received:  time.Now(),
	}
	if radio, ok := b.radio.(backend.SourceRadio); ok {
		msg.RadioAddr = radio.LastSource()
		if msg.RadioAddr != nil {
			ctx = ctx.WithField("Source", msg.RadioAddr)
		}
	}

	if err := b.config.Middleware.Execute(middleware.NewContext(), msg); err != nil {
		reason := "middleware"
		var mErr *middleware.Error
		if errors.As(err, &mErr) {
			reason = mErr.Middleware
		}
		ctx.WithError(err).Debug("Dropping uplink")
		b.registerDropped(directionUplink, reason, n)
		return
	}

	ctx = ctx.WithField("Size", len(msg.Payload))
	if err := b.broker.Publish(b.config.Topic, msg.Payload, 1, false); err != nil {
		ctx.WithError(err).Warn("Could not publish uplink")
		uplinkCounter.WithLabelValues("publish_error").Inc()
		return
	}
	uplinkCounter.WithLabelValues("published").Inc()
	ctx.WithFields(log.Fields{"Payload": string(msg.Payload)}).Info("Published uplink")
	if observer := b.getObserver(); observer != nil {
		observer.Uplink(msg)
	}
}
