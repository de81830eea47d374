// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDummyBroker(t *testing.T) {
	Convey("Given a new Context", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		Convey("When creating a new dummy Broker", func() {
			broker := NewBroker(ctx)

			Convey("When calling Start", func() {
				err := broker.Start()
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
					So(broker.Started(), ShouldBeTrue)
				})
				Convey("There should be a Connected event", func() {
					select {
					case <-time.After(time.Second):
						So("Timeout Exceeded", ShouldBeFalse)
					case evt := <-broker.Events():
						So(evt.Type, ShouldEqual, backend.Connected)
					}
				})
				Convey("We can also call Stop", func() {
					So(broker.Stop(), ShouldBeNil)
					So(broker.Started(), ShouldBeFalse)
				})
			})

			Convey("When subscribing to a topic", func() {
				err := broker.Subscribe("kbssa", 1)
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
				Convey("The subscription should be recorded", func() {
					So(broker.Subscriptions(), ShouldContainKey, "kbssa")
					So(broker.Subscriptions()["kbssa"], ShouldEqual, 1)
				})
				Convey("There should be a Subscribed event", func() {
					evt := <-broker.Events()
					So(evt.Type, ShouldEqual, backend.Subscribed)
					So(evt.Topic, ShouldEqual, "kbssa")
				})
			})

			Convey("When publishing a message", func() {
				err := broker.Publish("kbssa", []byte("hello"), 1, false)
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
				Convey("The message should be in the published channel", func() {
					select {
					case <-time.After(time.Second):
						So("Timeout Exceeded", ShouldBeFalse)
					case msg := <-broker.Published():
						So(msg.Topic, ShouldEqual, "kbssa")
						So(string(msg.Payload), ShouldEqual, "hello")
						So(msg.QoS, ShouldEqual, 1)
						So(msg.Retain, ShouldBeFalse)
					}
				})
			})

			Convey("When the buffer is full", func() {
				for i := 0; i < BufferSize+5; i++ {
					broker.Publish("kbssa", []byte{byte(i)}, 0, false)
				}
				Convey("Publishing should not block", func() {
					So(broker.Published(), ShouldHaveLength, BufferSize)
				})
			})
		})
	})
}

func TestDummyRadio(t *testing.T) {
	Convey("Given a new Context", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		Convey("When creating a new dummy Radio", func() {
			radio := NewRadio(ctx)

			Convey("Init should succeed", func() {
				So(radio.Init(), ShouldBeNil)
			})

			Convey("When Init is made to fail", func() {
				radio.FailInit(backend.ErrRadioNotRecognized)
				So(radio.Init(), ShouldEqual, backend.ErrRadioNotRecognized)
			})

			Convey("When configuring the radio", func() {
				err := radio.Configure(backend.DefaultRadioConfig)
				Convey("The config should be stored", func() {
					So(err, ShouldBeNil)
					So(*radio.Config(), ShouldResemble, backend.DefaultRadioConfig)
				})
			})

			Convey("When configuring the radio with invalid parameters", func() {
				err := radio.Configure(backend.RadioConfig{})
				So(err, ShouldNotBeNil)
				So(radio.Config(), ShouldBeNil)
			})

			Convey("Nothing should be received at first", func() {
				So(radio.Received(), ShouldBeFalse)
				So(radio.Polls(), ShouldEqual, 1)
			})

			Convey("When receiving two frames", func() {
				radio.Receive([]byte("one"))
				radio.Receive([]byte("two"))
				buf := make([]byte, 255)

				Convey("They should be read in order", func() {
					So(radio.Received(), ShouldBeTrue)
					n, err := radio.ReadPacket(buf)
					So(err, ShouldBeNil)
					So(string(buf[:n]), ShouldEqual, "one")
					So(radio.Pending(), ShouldEqual, 1)
					n, _ = radio.ReadPacket(buf)
					So(string(buf[:n]), ShouldEqual, "two")
					So(radio.Received(), ShouldBeFalse)
				})
			})

			Convey("When receiving more frames than fit in the buffer", func() {
				for i := 0; i < BufferSize+1; i++ {
					radio.Receive([]byte{byte(i)})
				}
				Convey("The oldest frame should be dropped", func() {
					So(radio.Pending(), ShouldEqual, BufferSize)
					buf := make([]byte, 1)
					radio.ReadPacket(buf)
					So(buf[0], ShouldEqual, 1)
				})
			})

			Convey("When sending a frame", func() {
				err := radio.SendPacket([]byte("[kbssa123] on"))
				Convey("It should be in the sent channel", func() {
					So(err, ShouldBeNil)
					So(string(<-radio.Sent()), ShouldEqual, "[kbssa123] on")
					So(radio.LostPackets(), ShouldEqual, 0)
				})
			})

			Convey("When sending fails", func() {
				radio.FailSend(errors.New("no ack"))
				err := radio.SendPacket([]byte("x"))
				Convey("The packet should be counted as lost", func() {
					So(err, ShouldNotBeNil)
					So(radio.LostPackets(), ShouldEqual, 1)
				})
			})

			Convey("When the radio is closed", func() {
				So(radio.Close(), ShouldBeNil)
				So(radio.SendPacket([]byte("x")), ShouldEqual, ErrClosed)
				_, err := radio.ReadPacket(make([]byte, 1))
				So(err, ShouldEqual, ErrClosed)
			})
		})
	})
}
