// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"errors"
	"sync"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/apex/log"
)

// ErrClosed is returned when using a closed Radio
var ErrClosed = errors.New("dummy: radio closed")

// Radio is an in-memory radio backend. Frames injected with Receive are
// queued until they are read; frames sent are available on Sent.
type Radio struct {
	mu      sync.Mutex
	ctx     log.Interface
	initErr error
	sendErr error
	config  *backend.RadioConfig
	rx      [][]byte
	sent    chan []byte
	polls   int
	lost    uint64
	closed  bool
}

// NewRadio returns a new dummy Radio
func NewRadio(ctx log.Interface) *Radio {
	return &Radio{
		ctx:  ctx.WithField("Connector", "Dummy Radio"),
		sent: make(chan []byte, BufferSize),
	}
}

// FailInit makes Init return the given error
func (r *Radio) FailInit(err error) *Radio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initErr = err
	return r
}

// FailSend makes SendPacket lose packets with the given error. Pass nil to stop failing.
func (r *Radio) FailSend(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// Init implements backend.Radio
func (r *Radio) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initErr != nil {
		return r.initErr
	}
	r.ctx.Debug("Initialized")
	return nil
}

// Configure implements backend.Radio
func (r *Radio) Configure(config backend.RadioConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = &config
	r.ctx.WithField("Config", config.String()).Debug("Configured")
	return nil
}

// Config returns the applied configuration, or nil
func (r *Radio) Config() *backend.RadioConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Receive queues a frame as if it was received over the air. The oldest
// frame is dropped if the queue is full.
func (r *Radio) Receive(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rx) >= BufferSize {
		r.ctx.Debug("Dropping oldest frame [buffer full]")
		r.rx = r.rx[1:]
	}
	r.rx = append(r.rx, append([]byte{}, frame...))
}

// Pending returns the number of received frames that were not read yet
func (r *Radio) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rx)
}

// Polls returns the number of times Received was called
func (r *Radio) Polls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

// Received implements backend.Radio
func (r *Radio) Received() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	return len(r.rx) > 0
}

// ReadPacket implements backend.Radio
func (r *Radio) ReadPacket(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if len(r.rx) == 0 {
		return 0, nil
	}
	frame := r.rx[0]
	r.rx = r.rx[1:]
	return copy(buf, frame), nil
}

// SendPacket implements backend.Radio
func (r *Radio) SendPacket(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.sendErr != nil {
		r.lost++
		return r.sendErr
	}
	select {
	case r.sent <- append([]byte{}, frame...):
		r.ctx.WithField("Size", len(frame)).Debug("Sent frame")
	default:
		r.lost++
		r.ctx.Debug("Did not send frame [buffer full]")
	}
	return nil
}

// Sent returns the channel with sent frames
func (r *Radio) Sent() <-chan []byte {
	return r.sent
}

// LostPackets implements backend.Radio
func (r *Radio) LostPackets() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

// Close implements backend.Radio
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.ctx.Debug("Closed")
	return nil
}
