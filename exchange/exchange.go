// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/frame"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
	"github.com/apex/log"
	"github.com/brocaar/lorawan/band"
)

// Config contains the configuration of the Exchange
type Config struct {
	// Topic is published to and subscribed on
	Topic string
	// Tag authenticates frames
	Tag          string
	MaxFrameSize int
	// PollPeriod is the time between two radio polls
	PollPeriod time.Duration
	Radio      backend.RadioConfig
	// Band is used to look up the LoRaWAN data rate of the radio parameters
	Band       band.Name
	Middleware middleware.Chain
}

// DefaultConfig is the configuration of the original bridge firmware
var DefaultConfig = Config{
	Topic:        "kbssa",
	Tag:          frame.DefaultTag,
	MaxFrameSize: frame.MaxFrameSize,
	PollPeriod:   500 * time.Millisecond,
	Radio:        backend.DefaultRadioConfig,
	Band:         band.EU_863_870,
}

// Observer is notified of relayed and dropped messages
type Observer interface {
	Uplink(*types.UplinkMessage)
	Downlink(*types.DownlinkMessage)
	Dropped(direction, reason string, size int)
}

// Exchange relays frames between a radio and a broker topic.
//
// Uplink: the radio is polled every PollPeriod. A frame that carries the tag
// is published on the topic. Downlink: every message on the topic is tagged
// and sent over the radio.
//
// The broker is started before the radio is initialized. If the radio can not
// be initialized, the Exchange stays in the Fatal state: nothing is polled and
// downlinks are dropped.
type Exchange struct {
	ctx    log.Interface
	config Config
	codec  *frame.Codec
	broker backend.Broker
	radio  backend.Radio

	mu         sync.RWMutex
	state      State
	radioReady bool
	observer   Observer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ErrAlreadyStarted is returned when starting an Exchange twice
var ErrAlreadyStarted = errors.New("exchange: already started")

// New initializes a new Exchange
func New(ctx log.Interface, config Config, broker backend.Broker, radio backend.Radio) (*Exchange, error) {
	if config.Topic == "" {
		return nil, errors.New("exchange: no topic configured")
	}
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = frame.MaxFrameSize
	}
	if config.MaxFrameSize < 0 || config.MaxFrameSize > frame.MaxFrameSize {
		return nil, fmt.Errorf("exchange: max frame size %d not in 1-%d", config.MaxFrameSize, frame.MaxFrameSize)
	}
	if config.PollPeriod <= 0 {
		return nil, fmt.Errorf("exchange: invalid poll period %s", config.PollPeriod)
	}
	codec, err := frame.NewCodec(config.Tag, config.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		ctx:    ctx.WithField("Topic", config.Topic),
		config: config,
		codec:  codec,
		broker: broker,
		radio:  radio,
		done:   make(chan struct{}),
	}, nil
}

// SetObserver sets the observer of relayed messages. Call it before Start.
func (b *Exchange) SetObserver(observer Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = observer
}

func (b *Exchange) getObserver() Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.observer
}

// Start the Exchange. It returns an error if the radio could not be set up;
// the Exchange is then in the Fatal state and never recovers.
func (b *Exchange) Start() error {
	if !b.transition(Idle, Starting) {
		return ErrAlreadyStarted
	}

	b.wg.Add(1)
	go b.handleEvents()

	if err := b.broker.Start(); err != nil {
		b.fatal()
		b.ctx.WithError(err).Error("Could not start broker")
		return fmt.Errorf("exchange: start broker: %w", err)
	}

	if err := b.radio.Init(); err != nil {
		b.fatal()
		b.ctx.WithError(err).Error("Could not initialize radio")
		return fmt.Errorf("exchange: init radio: %w", err)
	}

	if err := b.radio.Configure(b.config.Radio); err != nil {
		b.fatal()
		b.ctx.WithError(err).Error("Could not configure radio")
		return fmt.Errorf("exchange: configure radio: %w", err)
	}

	ctx := b.ctx.WithField("Radio", b.config.Radio.String())
	if b.config.Band != "" {
		if dr, err := b.config.Radio.DataRateIndex(b.config.Band); err == nil {
			ctx = ctx.WithField("DataRate", fmt.Sprintf("%s DR%d", b.config.Band, dr))
		} else {
			ctx.WithField("Band", b.config.Band).Warn("Radio parameters do not match a data rate of the band")
		}
	}

	b.mu.Lock()
	b.radioReady = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.uplinkLoop()

	b.setState(Running)
	ctx.Info("Started")
	return nil
}

// Stop the Exchange, the broker and the radio
func (b *Exchange) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.mu.Lock()
		b.radioReady = false
		b.mu.Unlock()
		if brokerErr := b.broker.Stop(); brokerErr != nil {
			b.ctx.WithError(brokerErr).Warn("Could not stop broker")
			err = brokerErr
		}
		if radioErr := b.radio.Close(); radioErr != nil {
			b.ctx.WithError(radioErr).Warn("Could not close radio")
			err = radioErr
		}
		b.setState(Stopped)
		b.ctx.Info("Stopped")
	})
	return err
}

func (b *Exchange) fatal() {
	b.setState(Fatal)
}

func (b *Exchange) isRadioReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.radioReady
}

func (b *Exchange) handleEvents() {
	defer b.wg.Done()
	events := b.broker.Events()
	for {
		select {
		case <-b.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			b.handleEvent(evt)
		}
	}
}

func (b *Exchange) handleEvent(evt *backend.Event) {
	switch evt.Type {
	case backend.Connected:
		b.ctx.Info("Connected to broker")
		if err := b.broker.Subscribe(b.config.Topic, 1); err != nil {
			b.ctx.WithError(err).Warn("Could not subscribe")
		}
	case backend.Disconnected:
		if evt.Err != nil {
			b.ctx.WithError(evt.Err).Warn("Disconnected from broker")
		} else {
			b.ctx.Info("Disconnected from broker")
		}
	case backend.Subscribed:
		b.ctx.WithField("Subscription", evt.Topic).Info("Subscribed")
	case backend.Unsubscribed:
		b.ctx.WithField("Subscription", evt.Topic).Info("Unsubscribed")
	case backend.Data:
		b.HandleData(evt)
	case backend.Error:
		b.ctx.WithError(evt.Err).Warn("Broker error")
	default:
		b.ctx.WithField("Event", evt.Type).Debug("Ignoring broker event")
	}
}
