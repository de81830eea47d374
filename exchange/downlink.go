// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"errors"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
)

// HandleData sends the payload of a Data event on the topic over the radio.
// Sending is not retried.
func (b *Exchange) HandleData(evt *backend.Event) {
	ctx := b.ctx.WithField("Size", len(evt.Payload))
	if evt.Topic != b.config.Topic {
		ctx.WithField("MessageTopic", evt.Topic).Debug("Ignoring message on other topic")
		return
	}
	downlinkCounter.WithLabelValues("received").Inc()

	if !b.isRadioReady() {
		ctx.Warn("Radio not ready, dropping downlink")
		b.registerDropped(directionDownlink, "radio_not_ready", len(evt.Payload))
		return
	}

	msg := &types.DownlinkMessage{
		Topic:   evt.Topic,
		Payload: evt.Payload,
	}

	if err := b.config.Middleware.Execute(middleware.NewContext(), msg); err != nil {
		reason := "middleware"
		var mErr *middleware.Error
		if errors.As(err, &mErr) {
			reason = mErr.Middleware
		}
		ctx.WithError(err).Debug("Dropping downlink")
		b.registerDropped(directionDownlink, reason, len(msg.Payload))
		return
	}

	if !b.codec.Fits(msg.Payload) {
		ctx.WithField("MaxSize", b.codec.MaxPayloadSize()).Warn("Truncating downlink payload")
		downlinkCounter.WithLabelValues("truncated").Inc()
	}
	frame := b.codec.Encode(msg.Payload)
	ctx = ctx.WithField("FrameSize", len(frame))

	lostBefore := b.radio.LostPackets()
	err := b.radio.SendPacket(frame)
	if lost := b.radio.LostPackets(); lost > lostBefore {
		ctx.WithField("LostPackets", lost).Warn("Radio lost packets")
		lostPacketsCounter.Add(float64(lost - lostBefore))
	}
	if err != nil {
		ctx.WithError(err).Warn("Could not send downlink")
		downlinkCounter.WithLabelValues("send_error").Inc()
		return
	}
	downlinkCounter.WithLabelValues("sent").Inc()
	ctx.WithField("Payload", string(msg.Payload)).Info("Sent downlink")
	if observer := b.getObserver(); observer != nil {
		observer.Downlink(msg)
	}
}
