// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt connects to an MQTT broker.
//
// The client connects asynchronously when started and keeps reconnecting when
// the connection is lost. Connection changes, subscription results, received
// messages and errors are delivered as backend.Event values on the Events
// channel. Messages published before the connection is up are queued by the
// client.
//
// Subscriptions are not restored by this package after a reconnect; the
// bridge subscribes again on every backend.Connected event.
package mqtt
