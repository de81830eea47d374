// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
)

// Context for middleware
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{
		data: make(map[interface{}]interface{}),
	}
}

type context struct {
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	if v, ok := c.data[k]; ok {
		return v
	}
	return nil
}

// Chain of middleware
type Chain []interface{}

// Execute the chain
func (c Chain) Execute(ctx Context, msg interface{}) error {
	switch msg := msg.(type) {
	case *types.UplinkMessage:
		return c.filterUplink().Execute(ctx, msg)
	case *types.DownlinkMessage:
		return c.filterDownlink().Execute(ctx, msg)
	}
	return nil
}

// Error is returned by Chain.Execute when a middleware rejects a message
type Error struct {
	Middleware string
	Err        error
}

func (e *Error) Error() string {
	return e.Middleware + ": " + e.Err.Error()
}

// Unwrap returns the error of the middleware
func (e *Error) Unwrap() error {
	return e.Err
}

// Uplink middleware sees every authenticated radio payload before it is published
type Uplink interface {
	HandleUplink(Context, *types.UplinkMessage) error
}

type uplinkChain []Uplink

func (c uplinkChain) Execute(ctx Context, msg *types.UplinkMessage) error {
	for _, middleware := range c {
		err := middleware.HandleUplink(ctx, msg)
		if err != nil {
			return &Error{Middleware: Name(middleware), Err: err}
		}
	}
	return nil
}

func (c Chain) filterUplink() (filtered uplinkChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Uplink); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Downlink middleware sees every broker payload before it is sent over the radio
type Downlink interface {
	HandleDownlink(Context, *types.DownlinkMessage) error
}

type downlinkChain []Downlink

func (c downlinkChain) Execute(ctx Context, msg *types.DownlinkMessage) error {
	for _, middleware := range c {
		err := middleware.HandleDownlink(ctx, msg)
		if err != nil {
			return &Error{Middleware: Name(middleware), Err: err}
		}
	}
	return nil
}

func (c Chain) filterDownlink() (filtered downlinkChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Downlink); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Name returns the name of a middleware, used for logging and metrics
func Name(middleware interface{}) string {
	if n, ok := middleware.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}
