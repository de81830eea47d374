// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	redis "gopkg.in/redis.v5"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/go-utils/rate"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
)

// Limits per minute
type Limits struct {
	Uplink   int
	Downlink int
}

// NewRateLimit returns a middleware that rate-limits uplink messages per radio
// source and downlink messages per topic
func NewRateLimit(conf Limits) *RateLimit {
	return &RateLimit{
		log:      log.Get(),
		limits:   conf,
		uplink:   make(map[string]rate.Limiter),
		downlink: make(map[string]rate.Limiter),
	}
}

// NewRedisRateLimit returns a RateLimit that keeps its counters in Redis, so
// that they are shared between bridges
func NewRedisRateLimit(client *redis.Client, conf Limits) *RateLimit {
	l := NewRateLimit(conf)
	l.client = client
	return l
}

// RateLimit uplink and downlink messages
type RateLimit struct {
	log    log.Interface
	limits Limits
	client *redis.Client

	mu       sync.Mutex
	uplink   map[string]rate.Limiter
	downlink map[string]rate.Limiter
}

// Name of the middleware
func (l *RateLimit) Name() string { return "ratelimit" }

func (l *RateLimit) newLimiter(key string, limit int) rate.Limiter {
	var counter rate.Counter
	if l.client != nil {
		counter = rate.NewRedisCounter(l.client, fmt.Sprintf("ratelimit:%s", key), time.Second, time.Minute)
	} else {
		counter = rate.NewCounter(time.Second, time.Minute)
	}
	return rate.NewLimiter(counter, time.Minute, uint64(limit))
}

func (l *RateLimit) get(limiters map[string]rate.Limiter, key string, limit int) rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := limiters[key]
	if !ok {
		limiter = l.newLimiter(key, limit)
		limiters[key] = limiter
	}
	return limiter
}

// ErrRateLimited is returned if the rate limit has been reached
var ErrRateLimited = errors.New("rate limit reached")

func check(limiter rate.Limiter) error {
	limit, err := limiter.Limit()
	if err != nil {
		return err
	}
	if limit {
		return ErrRateLimited
	}
	return nil
}

// HandleUplink rate-limits uplink messages
func (l *RateLimit) HandleUplink(ctx middleware.Context, msg *types.UplinkMessage) error {
	if l.limits.Uplink == 0 {
		return nil
	}
	source := "radio"
	if msg.RadioAddr != nil {
		source = msg.RadioAddr.String()
	}
	err := check(l.get(l.uplink, source+":uplink", l.limits.Uplink))
	if err == ErrRateLimited {
		l.log.WithField("Source", source).Debug("Uplink rate limit reached")
	}
	return err
}

// HandleDownlink rate-limits downlink messages
func (l *RateLimit) HandleDownlink(ctx middleware.Context, msg *types.DownlinkMessage) error {
	if l.limits.Downlink == 0 {
		return nil
	}
	err := check(l.get(l.downlink, msg.Topic+":downlink", l.limits.Downlink))
	if err == ErrRateLimited {
		l.log.WithField("Topic", msg.Topic).Debug("Downlink rate limit reached")
	}
	return err
}
