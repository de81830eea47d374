// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package udp simulates a packet radio over UDP. Every datagram is one frame.
// Frames are sent to the configured peers and to every peer that sent a frame
// recently.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/backend"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
)

var (
	// BufferSize is the number of received frames that are buffered
	BufferSize = 10
	// PeerTimeout is how long a learned peer is kept after its last frame
	PeerTimeout = time.Minute
	// CleanupInterval is how often stale peers are removed
	CleanupInterval = 10 * time.Second
)

// ErrClosed is returned when using a closed Radio
var ErrClosed = errors.New("udp: radio closed")

// ErrNoPeers is returned by SendPacket when no peer is known
var ErrNoPeers = errors.New("udp: no peers")

// MaxFrameSize is the largest datagram that is read
const MaxFrameSize = 255

// Config contains configuration for the UDP radio
type Config struct {
	Bind  string
	Peers []string
}

type udpPacket struct {
	addr *net.UDPAddr
	data []byte
}

type peer struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

type peers struct {
	sync.RWMutex
	static  mapset.Set
	learned map[string]peer
}

func (p *peers) seen(addr *net.UDPAddr) (isNew bool) {
	p.Lock()
	defer p.Unlock()
	if p.static.Contains(addr.String()) {
		return false
	}
	_, ok := p.learned[addr.String()]
	p.learned[addr.String()] = peer{addr: addr, lastSeen: time.Now()}
	return !ok
}

func (p *peers) all() (addrs []*net.UDPAddr) {
	p.RLock()
	defer p.RUnlock()
	for _, addr := range p.static.ToSlice() {
		if udpAddr, err := net.ResolveUDPAddr("udp", addr.(string)); err == nil {
			addrs = append(addrs, udpAddr)
		}
	}
	for _, peer := range p.learned {
		addrs = append(addrs, peer.addr)
	}
	return
}

func (p *peers) cleanup() (removed []string) {
	p.Lock()
	defer p.Unlock()
	for key, peer := range p.learned {
		if peer.lastSeen.Before(time.Now().Add(-PeerTimeout)) {
			delete(p.learned, key)
			removed = append(removed, key)
		}
	}
	return
}

// Radio is a backend.Radio on top of a UDP socket
type Radio struct {
	config Config
	ctx    log.Interface
	conn   *net.UDPConn
	peers  peers
	rx     chan udpPacket
	done   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	lastSource net.Addr
	closed     bool

	lost uint64
}

var _ backend.SourceRadio = (*Radio)(nil)

// New returns a new UDP Radio. The socket is opened on Init.
func New(config Config, ctx log.Interface) *Radio {
	return &Radio{
		config: config,
		ctx:    ctx.WithField("Connector", "UDP"),
		peers: peers{
			static:  mapset.NewSet(),
			learned: make(map[string]peer),
		},
		rx:   make(chan udpPacket, BufferSize),
		done: make(chan struct{}),
	}
}

// Init opens the socket
func (r *Radio) Init() error {
	addr, err := net.ResolveUDPAddr("udp", r.config.Bind)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrRadioNotRecognized, err)
	}
	for _, p := range r.config.Peers {
		peerAddr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return fmt.Errorf("udp: invalid peer %s: %w", p, err)
		}
		r.peers.static.Add(peerAddr.String())
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrRadioNotRecognized, err)
	}
	r.conn = conn
	r.ctx.WithField("Address", conn.LocalAddr()).Info("Listening for frames")

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		err := r.readPackets()
		if !r.isClosed() {
			r.ctx.WithError(err).Error("Error in readPackets")
		}
	}()
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				for _, addr := range r.peers.cleanup() {
					r.ctx.WithField("Peer", addr).Debug("Removed stale peer")
				}
			}
		}
	}()
	return nil
}

// LocalAddr returns the address of the socket
func (r *Radio) LocalAddr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Configure validates the parameters. A UDP link has no modem to configure.
func (r *Radio) Configure(config backend.RadioConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	r.ctx.WithField("Config", config.String()).Info("Configured simulated radio")
	return nil
}

func (r *Radio) readPackets() error {
	buf := make([]byte, MaxFrameSize)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("udp: read error: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ctx := r.ctx.WithField("Peer", addr)
		if r.peers.seen(addr) {
			ctx.Debug("New peer")
		}
		select {
		case r.rx <- udpPacket{addr: addr, data: data}:
			ctx.WithField("Size", n).Debug("Received frame")
		default:
			ctx.Warn("Receive buffer full, dropping frame")
		}
	}
}

// Received reports whether a frame is waiting to be read
func (r *Radio) Received() bool {
	return len(r.rx) > 0
}

// ReadPacket copies the oldest received frame into buf
func (r *Radio) ReadPacket(buf []byte) (int, error) {
	if r.isClosed() {
		return 0, ErrClosed
	}
	select {
	case p := <-r.rx:
		r.mu.Lock()
		r.lastSource = p.addr
		r.mu.Unlock()
		return copy(buf, p.data), nil
	default:
		return 0, nil
	}
}

// LastSource returns the peer that sent the last frame read
func (r *Radio) LastSource() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSource
}

// SendPacket sends the frame to all peers. It is lost if no peer received it.
func (r *Radio) SendPacket(frame []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	addrs := r.peers.all()
	if len(addrs) == 0 {
		atomic.AddUint64(&r.lost, 1)
		return ErrNoPeers
	}
	var sent int
	var lastErr error
	for _, addr := range addrs {
		if _, err := r.conn.WriteToUDP(frame, addr); err != nil {
			r.ctx.WithField("Peer", addr).WithError(err).Warn("Could not send frame")
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		atomic.AddUint64(&r.lost, 1)
		return lastErr
	}
	r.ctx.WithFields(log.Fields{"Size": len(frame), "Peers": sent}).Debug("Sent frame")
	return nil
}

// LostPackets returns the number of frames that no peer received
func (r *Radio) LostPackets() uint64 {
	return atomic.LoadUint64(&r.lost)
}

func (r *Radio) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close closes the socket and waits for the background goroutines
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	close(r.done)
	err := r.conn.Close()
	r.wg.Wait()
	return err
}
