// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package serial drives a UART LoRa module that is controlled with AT
// commands, such as the REYAX RYLR896.
package serial

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/apex/log"
	"go.bug.st/serial"
)

var (
	// ResponseTimeout is how long to wait for the module to answer a command
	ResponseTimeout = time.Second
	// BufferSize is the number of received frames that are buffered. When the
	// buffer is full, the oldest frame is dropped.
	BufferSize = 10
	// MaxPayloadSize is the largest payload the module accepts in AT+SEND
	MaxPayloadSize = 240
)

// ErrClosed is returned when using a closed Radio
var ErrClosed = errors.New("serial: radio closed")

// Config contains the serial port settings
type Config struct {
	Port     string
	BaudRate int
	// Address is the destination address used for AT+SEND. 0 broadcasts.
	Address uint16
}

type frame struct {
	addr    uint16
	payload []byte
	rssi    int
	snr     int
}

// Radio is a backend.Radio on top of an AT command LoRa module
type Radio struct {
	config Config
	ctx    log.Interface
	port   io.ReadWriteCloser

	cmdMu   sync.Mutex
	replies chan string

	mu     sync.Mutex
	rx     []frame
	closed bool

	lost uint64
}

var _ backend.Radio = (*Radio)(nil)

// New returns a Radio that opens the configured serial port on Init
func New(config Config, ctx log.Interface) *Radio {
	if config.BaudRate == 0 {
		config.BaudRate = 115200
	}
	return &Radio{
		config:  config,
		ctx:     ctx.WithField("Connector", "Serial").WithField("Port", config.Port),
		replies: make(chan string, 4),
	}
}

// NewWithPort returns a Radio that talks to the module over an already open port
func NewWithPort(port io.ReadWriteCloser, config Config, ctx log.Interface) *Radio {
	r := New(config, ctx)
	r.port = port
	return r
}

// Init opens the port and checks that a module answers
func (r *Radio) Init() error {
	if r.port == nil {
		port, err := serial.Open(r.config.Port, &serial.Mode{BaudRate: r.config.BaudRate})
		if err != nil {
			return fmt.Errorf("serial: could not open %s: %w", r.config.Port, err)
		}
		r.port = port
	}
	go r.readResponses()
	if err := r.command("AT"); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrRadioNotRecognized, err)
	}
	r.ctx.Info("Radio module found")
	return nil
}

// Configure sets the frequency band and the modem parameters
func (r *Radio) Configure(config backend.RadioConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if config.SpreadingFactor < 7 {
		return fmt.Errorf("serial: spreading factor %d not supported", config.SpreadingFactor)
	}
	if err := r.command(fmt.Sprintf("AT+BAND=%d", config.Frequency)); err != nil {
		return err
	}
	if err := r.command(fmt.Sprintf("AT+PARAMETER=%d,%d,%d,4",
		config.SpreadingFactor, config.Bandwidth, config.CodingRate)); err != nil {
		return err
	}
	if !config.CRC {
		r.ctx.Warn("Module always uses CRC")
	}
	r.ctx.WithField("Config", config.String()).Info("Configured radio")
	return nil
}

// Received reports whether a frame is waiting to be read
func (r *Radio) Received() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rx) > 0
}

// ReadPacket copies the oldest received frame into buf
func (r *Radio) ReadPacket(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if len(r.rx) == 0 {
		return 0, nil
	}
	f := r.rx[0]
	r.rx = r.rx[1:]
	n := copy(buf, f.payload)
	r.ctx.WithFields(log.Fields{
		"Address": f.addr,
		"RSSI":    f.rssi,
		"SNR":     f.snr,
		"Size":    n,
	}).Debug("Read frame")
	return n, nil
}

// SendPacket transmits a frame. Frames the module rejects or does not
// acknowledge are counted as lost.
func (r *Radio) SendPacket(frame []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(frame) > MaxPayloadSize {
		atomic.AddUint64(&r.lost, 1)
		return fmt.Errorf("serial: frame of %d bytes exceeds %d", len(frame), MaxPayloadSize)
	}
	if err := r.command(fmt.Sprintf("AT+SEND=%d,%d,%s", r.config.Address, len(frame), frame)); err != nil {
		atomic.AddUint64(&r.lost, 1)
		return err
	}
	return nil
}

// LostPackets returns the number of frames that could not be sent
func (r *Radio) LostPackets() uint64 {
	return atomic.LoadUint64(&r.lost)
}

// Close closes the port
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.rx = nil
	r.mu.Unlock()
	if r.port == nil {
		return nil
	}
	return r.port.Close()
}

func (r *Radio) command(cmd string) error {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	// Discard replies that arrived after an earlier timeout
	for len(r.replies) > 0 {
		<-r.replies
	}

	if _, err := r.port.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("serial: write %q: %w", cmd, err)
	}
	select {
	case reply, ok := <-r.replies:
		if !ok {
			return ErrClosed
		}
		if reply == "+OK" {
			return nil
		}
		return fmt.Errorf("serial: %q: %s", cmd, reply)
	case <-time.After(ResponseTimeout):
		return fmt.Errorf("serial: %q: no response", cmd)
	}
}

func (r *Radio) readResponses() {
	scanner := bufio.NewScanner(r.port)
	scanner.Split(scanResponses)
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
		case bytes.HasPrefix(line, rcvPrefix):
			f, err := parseRCV(line)
			if err != nil {
				r.ctx.WithError(err).Warn("Could not parse received frame")
				continue
			}
			r.enqueue(f)
		case bytes.Equal(line, []byte("+READY")):
			r.ctx.Debug("Module ready")
		default:
			select {
			case r.replies <- string(line):
			default:
				r.ctx.WithField("Response", string(line)).Warn("Unexpected response")
			}
		}
	}
	if err := scanner.Err(); err != nil && !r.isClosed() {
		r.ctx.WithError(err).Warn("Could not read from port")
	}
	close(r.replies)
}

func (r *Radio) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Radio) enqueue(f frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if len(r.rx) >= BufferSize {
		r.ctx.Warn("Receive buffer full, dropping oldest frame")
		r.rx = r.rx[1:]
	}
	r.rx = append(r.rx, f)
}

var (
	rcvPrefix = []byte("+RCV=")
	crlf      = []byte("\r\n")
)

// scanResponses splits module output into lines. A +RCV line is split using
// its length field, so that the payload may contain line breaks.
func scanResponses(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if !bytes.HasPrefix(data, rcvPrefix) {
		if len(data) < len(rcvPrefix) && bytes.HasPrefix(rcvPrefix, data) && !atEOF {
			return 0, nil, nil
		}
		return bufio.ScanLines(data, atEOF)
	}
	rest := data[len(rcvPrefix):]
	i := bytes.IndexByte(rest, ',')
	if i < 0 {
		return needMore(data, atEOF)
	}
	j := bytes.IndexByte(rest[i+1:], ',')
	if j < 0 {
		return needMore(data, atEOF)
	}
	size, err := strconv.Atoi(string(rest[i+1 : i+1+j]))
	if err != nil || size < 0 {
		return bufio.ScanLines(data, atEOF)
	}
	end := len(rcvPrefix) + i + 1 + j + 1 + size
	if len(data) < end {
		return needMore(data, atEOF)
	}
	k := bytes.Index(data[end:], crlf)
	if k < 0 {
		return needMore(data, atEOF)
	}
	return end + k + len(crlf), data[:end+k], nil
}

func needMore(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseRCV parses "+RCV=<address>,<length>,<data>,<rssi>,<snr>"
func parseRCV(line []byte) (f frame, err error) {
	rest := line[len(rcvPrefix):]
	fields := bytes.SplitN(rest, []byte(","), 3)
	if len(fields) != 3 {
		return f, fmt.Errorf("serial: malformed %q", line)
	}
	addr, err := strconv.ParseUint(string(fields[0]), 10, 16)
	if err != nil {
		return f, fmt.Errorf("serial: invalid address: %w", err)
	}
	size, err := strconv.Atoi(string(fields[1]))
	if err != nil || size < 0 || size > len(fields[2]) {
		return f, fmt.Errorf("serial: invalid length in %q", line)
	}
	f.addr = uint16(addr)
	f.payload = append([]byte(nil), fields[2][:size]...)
	trailer := strings.Split(strings.TrimPrefix(string(fields[2][size:]), ","), ",")
	if len(trailer) == 2 {
		f.rssi, _ = strconv.Atoi(trailer[0])
		f.snr, _ = strconv.Atoi(trailer[1])
	}
	return f, nil
}
