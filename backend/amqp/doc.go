// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp connects to an AMQP server as the bridge's message broker.
//
// Topics are mapped to routing keys on a topic exchange ("amq.topic" unless
// configured otherwise) by replacing "/" with "." and "+" with "*". A
// subscription declares a durable queue named "[prefix].[routing-key]", binds
// it to the exchange and consumes from it. Received messages are delivered as
// backend.Data events and acknowledged.
//
// Messages published with QoS > 0 are persistent. AMQP has no retained
// messages, so the retain flag is ignored.
package amqp
