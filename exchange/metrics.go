// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
)

var uplinkCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "uplink_frames_total",
		Help:      "Total number of frames read from the radio, by result.",
	}, []string{"result"},
)

var downlinkCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "downlink_messages_total",
		Help:      "Total number of broker messages handled for the radio, by result.",
	}, []string{"result"},
)

var droppedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "dropped_messages_total",
		Help:      "Total number of dropped messages.",
	}, []string{"direction", "reason"},
)

var lostPacketsCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "lost_packets_total",
		Help:      "Total number of frames the radio reported as lost.",
	},
)

var bridgeState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "lora",
		Subsystem: "bridge",
		Name:      "state",
		Help:      "State of the bridge: 0 idle, 1 starting, 2 running, 3 fatal, 4 stopped.",
	},
)

const (
	directionUplink   = "uplink"
	directionDownlink = "downlink"
)

func (b *Exchange) registerDropped(direction, reason string, size int) {
	droppedCounter.WithLabelValues(direction, reason).Inc()
	if observer := b.getObserver(); observer != nil {
		observer.Dropped(direction, reason, size)
	}
}

func init() {
	prometheus.MustRegister(uplinkCounter)
	prometheus.MustRegister(downlinkCounter)
	prometheus.MustRegister(droppedCounter)
	prometheus.MustRegister(lostPacketsCounter)
	prometheus.MustRegister(bridgeState)
}
