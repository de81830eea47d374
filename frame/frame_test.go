// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package frame

import (
	"bytes"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCodec(t *testing.T) {
	Convey("Given a new Codec", t, func(c C) {
		codec, err := NewCodec(DefaultTag, MaxFrameSize)
		So(err, ShouldBeNil)

		Convey("The prefix should be the bracketed tag and a space", func() {
			So(string(codec.Prefix()), ShouldEqual, "[kbssa123] ")
			So(codec.MaxPayloadSize(), ShouldEqual, MaxFrameSize-11)
		})

		Convey("When encoding a payload", func() {
			frame := codec.Encode([]byte("hello"))
			Convey("It should be wrapped in the envelope", func() {
				So(string(frame), ShouldEqual, "[kbssa123] hello")
				So(frame, ShouldHaveLength, 16)
			})
			Convey("Decoding it should return the payload", func() {
				payload, err := codec.Decode(frame)
				So(err, ShouldBeNil)
				So(string(payload), ShouldEqual, "hello")
			})
		})

		Convey("When encoding an empty payload", func() {
			frame := codec.Encode(nil)
			Convey("Only the prefix should be sent", func() {
				So(string(frame), ShouldEqual, "[kbssa123] ")
			})
			Convey("Decoding it should return an empty payload", func() {
				payload, err := codec.Decode(frame)
				So(err, ShouldBeNil)
				So(payload, ShouldBeEmpty)
			})
		})

		Convey("Payloads of every size that fits should survive a round trip", func() {
			for size := 0; size <= codec.MaxPayloadSize(); size++ {
				payload := bytes.Repeat([]byte{byte(size)}, size)
				frame := codec.Encode(payload)
				So(len(frame), ShouldBeLessThanOrEqualTo, MaxFrameSize)
				decoded, err := codec.Decode(frame)
				So(err, ShouldBeNil)
				So(decoded, ShouldResemble, payload)
			}
		})

		Convey("When encoding a payload that does not fit", func() {
			payload := bytes.Repeat([]byte("x"), 300)
			So(codec.Fits(payload), ShouldBeFalse)
			frame := codec.Encode(payload)
			Convey("The frame should be truncated to the maximum size", func() {
				So(frame, ShouldHaveLength, MaxFrameSize)
			})
			Convey("Decoding it should return the truncated payload", func() {
				decoded, err := codec.Decode(frame)
				So(err, ShouldBeNil)
				So(decoded, ShouldResemble, payload[:codec.MaxPayloadSize()])
			})
			Convey("The payload itself should not be modified", func() {
				So(payload, ShouldHaveLength, 300)
			})
		})

		Convey("When decoding frames with the wrong tag", func() {
			for _, frame := range []string{
				"[wrongtag] hi",
				"[KBSSA123] hi",
				"[kbssa123]hi",
				"kbssa123] hi",
				" [kbssa123] hi",
				"[kbssa12",
				"",
			} {
				_, err := codec.Decode([]byte(frame))
				So(err, ShouldEqual, ErrTagMismatch)
			}
		})

		Convey("When the payload contains something that looks like a tag", func() {
			frame := codec.Encode([]byte("[kbssa123] inner"))
			payload, err := codec.Decode(frame)
			Convey("Only the first prefix should be removed", func() {
				So(err, ShouldBeNil)
				So(string(payload), ShouldEqual, "[kbssa123] inner")
			})
		})

		Convey("When decoding the same frame twice", func() {
			frame := []byte("[kbssa123] again")
			original := append([]byte{}, frame...)
			first, err1 := codec.Decode(frame)
			first[0] = 'X'
			second, err2 := codec.Decode(frame)
			Convey("The results should be the same and the frame untouched", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(string(second), ShouldEqual, "again")
				So(frame, ShouldResemble, original)
			})
		})
	})

	Convey("Creating a Codec with an invalid tag should fail", t, func() {
		_, err := NewCodec("", MaxFrameSize)
		So(err, ShouldNotBeNil)
		_, err = NewCodec("bad]tag", MaxFrameSize)
		So(err, ShouldNotBeNil)
		_, err = NewCodec("kbssa123", 11)
		So(err, ShouldNotBeNil)
	})
}
