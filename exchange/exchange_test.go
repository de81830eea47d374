// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend/dummy"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/frame"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware/deduplicate"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/middleware/ratelimit"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

// syncBuffer is a log buffer that can be read while the exchange is logging
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

type recorder struct {
	mu       sync.Mutex
	uplink   []*types.UplinkMessage
	downlink []*types.DownlinkMessage
	dropped  []string
}

func (r *recorder) Uplink(msg *types.UplinkMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uplink = append(r.uplink, msg)
}

func (r *recorder) Downlink(msg *types.DownlinkMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downlink = append(r.downlink, msg)
}

func (r *recorder) Dropped(direction, reason string, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, direction+":"+reason)
}

func (r *recorder) Drops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dropped...)
}

// countingBroker counts subscribe calls
type countingBroker struct {
	*dummy.Broker
	mu         sync.Mutex
	subscribes int
}

func (b *countingBroker) Subscribe(topic string, qos byte) error {
	b.mu.Lock()
	b.subscribes++
	b.mu.Unlock()
	return b.Broker.Subscribe(topic, qos)
}

func (b *countingBroker) Subscribes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes
}

func testConfig() Config {
	config := DefaultConfig
	config.PollPeriod = 5 * time.Millisecond
	return config
}

func waitFor(condition func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func expectPublished(broker *countingBroker) *types.BrokerMessage {
	select {
	case msg := <-broker.Published():
		return msg
	case <-time.After(time.Second):
		return nil
	}
}

func expectNotPublished(broker *countingBroker) bool {
	select {
	case <-broker.Published():
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}

func expectSent(radio *dummy.Radio) []byte {
	select {
	case frame := <-radio.Sent():
		return frame
	case <-time.After(time.Second):
		return nil
	}
}

func expectNotSent(radio *dummy.Radio) bool {
	select {
	case <-radio.Sent():
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}

func TestNew(t *testing.T) {
	Convey("Given dummy backends", t, func() {
		broker := dummy.NewBroker(log.Log)
		radio := dummy.NewRadio(log.Log)

		Convey("New with the default config should succeed", func() {
			b, err := New(log.Log, DefaultConfig, broker, radio)
			So(err, ShouldBeNil)
			So(b.State(), ShouldEqual, Idle)
		})
		Convey("New without topic should fail", func() {
			config := DefaultConfig
			config.Topic = ""
			_, err := New(log.Log, config, broker, radio)
			So(err, ShouldNotBeNil)
		})
		Convey("New with an invalid tag should fail", func() {
			config := DefaultConfig
			config.Tag = "a]b"
			_, err := New(log.Log, config, broker, radio)
			So(err, ShouldNotBeNil)
		})
		Convey("New with a frame size above the radio maximum should fail", func() {
			config := DefaultConfig
			config.MaxFrameSize = 256
			_, err := New(log.Log, config, broker, radio)
			So(err, ShouldNotBeNil)
		})
		Convey("New with a smaller frame size should succeed", func() {
			config := DefaultConfig
			config.MaxFrameSize = 64
			_, err := New(log.Log, config, broker, radio)
			So(err, ShouldBeNil)
		})
		Convey("New without poll period should fail", func() {
			config := DefaultConfig
			config.PollPeriod = 0
			_, err := New(log.Log, config, broker, radio)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestExchange(t *testing.T) {
	Convey("Given a new Context and Backends", t, func(c C) {

		var logs syncBuffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		broker := &countingBroker{Broker: dummy.NewBroker(ctx.WithField("Direction", "Broker"))}
		radio := dummy.NewRadio(ctx.WithField("Direction", "Radio"))

		Convey("When creating a new Exchange", func() {
			observer := new(recorder)
			b, err := New(ctx, testConfig(), broker, radio)
			So(err, ShouldBeNil)
			b.SetObserver(observer)

			Convey("When a downlink arrives before the radio is ready", func() {
				before := testutil.ToFloat64(droppedCounter.WithLabelValues(directionDownlink, "radio_not_ready"))
				b.HandleData(&backend.Event{Type: backend.Data, Topic: "kbssa", Payload: []byte("on")})
				Convey("It should be dropped", func() {
					So(expectNotSent(radio), ShouldBeTrue)
					So(testutil.ToFloat64(droppedCounter.WithLabelValues(directionDownlink, "radio_not_ready")), ShouldEqual, before+1)
					So(logs.String(), ShouldContainSubstring, "Radio not ready")
				})
			})

			Convey("When two frames arrive within one poll period", func() {
				radio.Receive([]byte("[kbssa123] first"))
				radio.Receive([]byte("[kbssa123] second"))
				b.poll(make([]byte, frame.MaxFrameSize))
				Convey("Only one frame should be read and published", func() {
					msg := expectPublished(broker)
					So(msg, ShouldNotBeNil)
					So(string(msg.Payload), ShouldEqual, "first")
					So(expectNotPublished(broker), ShouldBeTrue)
					So(radio.Pending(), ShouldEqual, 1)
				})
			})

			Convey("When starting the Exchange", func() {
				err := b.Start()
				Reset(func() {
					b.Stop()
				})

				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
					So(b.State(), ShouldEqual, Running)
				})

				Convey("The radio should be configured", func() {
					So(radio.Config(), ShouldNotBeNil)
					So(*radio.Config(), ShouldResemble, backend.DefaultRadioConfig)
				})

				Convey("The topic should be subscribed after connecting", func() {
					So(waitFor(func() bool {
						_, ok := broker.Subscriptions()["kbssa"]
						return ok
					}), ShouldBeTrue)
					So(broker.Subscriptions()["kbssa"], ShouldEqual, 1)
				})

				Convey("Starting again should fail", func() {
					So(b.Start(), ShouldEqual, ErrAlreadyStarted)
				})

				Convey("When the broker reconnects", func() {
					So(waitFor(func() bool { return broker.Subscribes() == 1 }), ShouldBeTrue)
					broker.Emit(&backend.Event{Type: backend.Disconnected, Err: errors.New("connection lost")})
					broker.Emit(&backend.Event{Type: backend.Connected})
					Convey("The topic should be subscribed again", func() {
						So(waitFor(func() bool { return broker.Subscribes() == 2 }), ShouldBeTrue)
					})
				})

				Convey("When the radio receives a tagged frame", func() {
					radio.Receive([]byte("[kbssa123] hello"))
					Convey("The payload should be published", func() {
						msg := expectPublished(broker)
						So(msg, ShouldNotBeNil)
						So(msg.Topic, ShouldEqual, "kbssa")
						So(string(msg.Payload), ShouldEqual, "hello")
						So(msg.QoS, ShouldEqual, 1)
						So(msg.Retain, ShouldBeFalse)
					})
					Convey("The observer should be notified", func() {
						So(expectPublished(broker), ShouldNotBeNil)
						So(waitFor(func() bool {
							observer.mu.Lock()
							defer observer.mu.Unlock()
							return len(observer.uplink) == 1
						}), ShouldBeTrue)
					})
				})

				Convey("When the radio receives a frame with another tag", func() {
					before := testutil.ToFloat64(droppedCounter.WithLabelValues(directionUplink, "tag_mismatch"))
					radio.Receive([]byte("[wrongtag] hi"))
					Convey("Nothing should be published", func() {
						So(expectNotPublished(broker), ShouldBeTrue)
						So(radio.Pending(), ShouldEqual, 0)
						So(testutil.ToFloat64(droppedCounter.WithLabelValues(directionUplink, "tag_mismatch")), ShouldEqual, before+1)
						So(observer.Drops(), ShouldContain, "uplink:tag_mismatch")
					})
				})

				Convey("When a message arrives on the topic", func() {
					broker.Emit(&backend.Event{Type: backend.Data, Topic: "kbssa", Payload: []byte("on")})
					Convey("A tagged frame should be sent", func() {
						sent := expectSent(radio)
						So(sent, ShouldNotBeNil)
						So(string(sent), ShouldEqual, "[kbssa123] on")
					})
				})

				Convey("When a message arrives on another topic", func() {
					broker.Emit(&backend.Event{Type: backend.Data, Topic: "other", Payload: []byte("on")})
					Convey("Nothing should be sent", func() {
						So(expectNotSent(radio), ShouldBeTrue)
					})
				})

				Convey("When a message that is too long arrives", func() {
					broker.Emit(&backend.Event{Type: backend.Data, Topic: "kbssa", Payload: bytes.Repeat([]byte("x"), 300)})
					Convey("The frame should be truncated", func() {
						sent := expectSent(radio)
						So(sent, ShouldHaveLength, frame.MaxFrameSize)
						So(string(sent[:11]), ShouldEqual, "[kbssa123] ")
						So(logs.String(), ShouldContainSubstring, "Truncating downlink payload")
					})
				})

				Convey("When the radio loses a packet", func() {
					before := testutil.ToFloat64(lostPacketsCounter)
					radio.FailSend(errors.New("no ack"))
					broker.Emit(&backend.Event{Type: backend.Data, Topic: "kbssa", Payload: []byte("on")})
					Convey("The loss should be logged and counted", func() {
						So(waitFor(func() bool { return radio.LostPackets() == 1 }), ShouldBeTrue)
						So(waitFor(func() bool { return strings.Contains(logs.String(), "Radio lost packets") }), ShouldBeTrue)
						So(testutil.ToFloat64(lostPacketsCounter), ShouldEqual, before+1)
					})
				})

				Convey("When stopping the Exchange", func() {
					So(b.Stop(), ShouldBeNil)
					Convey("Everything should be stopped", func() {
						So(b.State(), ShouldEqual, Stopped)
						So(broker.Started(), ShouldBeFalse)
						So(radio.SendPacket([]byte("x")), ShouldEqual, dummy.ErrClosed)
					})
				})
			})
		})

		Convey("When the radio is not recognized", func() {
			radio.FailInit(backend.ErrRadioNotRecognized)
			b, err := New(ctx, testConfig(), broker, radio)
			So(err, ShouldBeNil)
			err = b.Start()
			Reset(func() {
				b.Stop()
			})

			Convey("Start should return the error", func() {
				So(errors.Is(err, backend.ErrRadioNotRecognized), ShouldBeTrue)
			})
			Convey("The Exchange should be in the Fatal state", func() {
				So(b.State(), ShouldEqual, Fatal)
			})
			Convey("The radio should never be polled", func() {
				time.Sleep(50 * time.Millisecond)
				So(radio.Polls(), ShouldEqual, 0)
			})
			Convey("Downlinks should be dropped", func() {
				broker.Emit(&backend.Event{Type: backend.Data, Topic: "kbssa", Payload: []byte("on")})
				So(expectNotSent(radio), ShouldBeTrue)
			})
			Convey("Stopping should still work", func() {
				So(b.Stop(), ShouldBeNil)
				So(b.State(), ShouldEqual, Stopped)
			})
		})

		Convey("When the Exchange has middleware", func() {
			config := testConfig()
			config.Middleware = middleware.Chain{
				deduplicate.NewDeduplicate(time.Minute),
				ratelimit.NewRateLimit(ratelimit.Limits{Downlink: 1}),
			}
			b, err := New(ctx, config, broker, radio)
			So(err, ShouldBeNil)
			So(b.Start(), ShouldBeNil)
			Reset(func() {
				b.Stop()
			})

			Convey("Duplicate uplinks should be dropped", func() {
				radio.Receive([]byte("[kbssa123] temp=21"))
				So(expectPublished(broker), ShouldNotBeNil)
				radio.Receive([]byte("[kbssa123] temp=21"))
				So(expectNotPublished(broker), ShouldBeTrue)
			})

			Convey("Rate-limited downlinks should be dropped", func() {
				broker.Emit(&backend.Event{Type: backend.Data, Topic: "kbssa", Payload: []byte("on")})
				So(expectSent(radio), ShouldNotBeNil)
				broker.Emit(&backend.Event{Type: backend.Data, Topic: "kbssa", Payload: []byte("off")})
				So(expectNotSent(radio), ShouldBeTrue)
			})
		})
	})
}

func TestState(t *testing.T) {
	Convey("States should have names", t, func() {
		So(Idle.String(), ShouldEqual, "Idle")
		So(Starting.String(), ShouldEqual, "Starting")
		So(Running.String(), ShouldEqual, "Running")
		So(Fatal.String(), ShouldEqual, "Fatal")
		So(Stopped.String(), ShouldEqual, "Stopped")
		So(State(42).String(), ShouldEqual, "State(42)")
	})
}

func TestWatchdog(t *testing.T) {
	Convey("Given a new watchdog", t, func() {
		var mu sync.Mutex
		var expired int
		wd := newWatchdog(20*time.Millisecond, func() {
			mu.Lock()
			expired++
			mu.Unlock()
		})
		Reset(func() { wd.Stop() })

		Convey("Kicking it in time should keep it alive", func() {
			for i := 0; i < 5; i++ {
				time.Sleep(5 * time.Millisecond)
				So(wd.Kick(), ShouldBeTrue)
			}
			mu.Lock()
			defer mu.Unlock()
			So(expired, ShouldEqual, 0)
		})

		Convey("When it is not kicked", func() {
			time.Sleep(50 * time.Millisecond)
			Convey("It should expire", func() {
				mu.Lock()
				So(expired, ShouldEqual, 1)
				mu.Unlock()
				So(wd.Kick(), ShouldBeFalse)
			})
		})
	})
}
