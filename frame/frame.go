// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package frame implements the envelope that is put around payloads sent over
// the radio.
//
// A frame is the ASCII prefix "[" + tag + "] " followed by the payload bytes.
// The tag is a shared secret; frames that do not start with the exact prefix
// are rejected. The tag is sent in plain text, so it keeps out strangers on
// the same frequency, not attackers.
package frame

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxFrameSize is the largest frame the radio can transmit
const MaxFrameSize = 255

// DefaultTag is the tag used when none is configured
const DefaultTag = "kbssa123"

// ErrTagMismatch is returned when a frame does not start with the expected tag
var ErrTagMismatch = errors.New("frame: tag mismatch")

// Codec encodes and decodes frames for one tag
type Codec struct {
	prefix  []byte
	maxSize int
}

// NewCodec returns a Codec for the given tag and maximum frame size
func NewCodec(tag string, maxSize int) (*Codec, error) {
	if tag == "" {
		return nil, errors.New("frame: empty tag")
	}
	if bytes.ContainsAny([]byte(tag), "]") {
		return nil, fmt.Errorf("frame: tag %q contains ']'", tag)
	}
	prefix := []byte("[" + tag + "] ")
	if len(prefix) >= maxSize {
		return nil, fmt.Errorf("frame: prefix of %d bytes does not fit in %d byte frames", len(prefix), maxSize)
	}
	return &Codec{prefix: prefix, maxSize: maxSize}, nil
}

// Prefix returns a copy of the prefix that starts every frame
func (c *Codec) Prefix() []byte {
	return append([]byte(nil), c.prefix...)
}

// MaxPayloadSize returns the number of payload bytes that fit in one frame
func (c *Codec) MaxPayloadSize() int {
	return c.maxSize - len(c.prefix)
}

// Fits returns true if the payload can be encoded without truncation
func (c *Codec) Fits(payload []byte) bool {
	return len(payload) <= c.MaxPayloadSize()
}

// Encode puts the envelope around the payload. Payloads that do not fit are
// truncated to MaxPayloadSize.
func (c *Codec) Encode(payload []byte) []byte {
	if n := c.MaxPayloadSize(); len(payload) > n {
		payload = payload[:n]
	}
	frame := make([]byte, 0, len(c.prefix)+len(payload))
	frame = append(frame, c.prefix...)
	return append(frame, payload...)
}

// Decode checks the envelope and returns a copy of the payload
func (c *Codec) Decode(frame []byte) ([]byte, error) {
	if !bytes.HasPrefix(frame, c.prefix) {
		return nil, ErrTagMismatch
	}
	return append([]byte{}, frame[len(c.prefix):]...), nil
}
