// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package monitor serves a live view of the frames relayed by the bridge over
// socket.io, and a summary of the counters as JSON.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/exchange"
	"github.com/TheThingsNetwork/lora-mqtt-bridge/types"
	"github.com/apex/log"
	"github.com/googollee/go-socket.io"
)

// BufferSize indicates the maximum number of events that should be buffered
var BufferSize = 10

const (
	room        = "evts"
	uplinkEvt   = "uplink"
	downlinkEvt = "downlink"
	droppedEvt  = "dropped"
)

type uplinkEvent struct {
	Payload   string    `json:"payload"`
	FrameSize int       `json:"frame_size"`
	Source    string    `json:"source,omitempty"`
	Time      time.Time `json:"time"`
}

type downlinkEvent struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type droppedEvent struct {
	Direction string `json:"direction"`
	Reason    string `json:"reason"`
	Size      int    `json:"size"`
}

// Stats are the totals since the server was created
type Stats struct {
	Uplink   uint64            `json:"uplink"`
	Downlink uint64            `json:"downlink"`
	Dropped  map[string]uint64 `json:"dropped"`
}

// Server is a http server that exposes the relayed messages over websockets
type Server struct {
	ctx    log.Interface
	addr   string
	server *socketio.Server
	events chan event
	done   chan struct{}
	once   sync.Once

	mu    sync.RWMutex // Protects stats
	stats Stats
}

type event struct {
	name string
	data interface{}
}

var _ exchange.Observer = (*Server)(nil)

// NewServer creates a new server
func NewServer(ctx log.Interface, addr string) (*Server, error) {
	server, err := socketio.NewServer(nil)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ctx:    ctx.WithField("Component", "Monitor"),
		server: server,
		addr:   addr,
		events: make(chan event, BufferSize),
		done:   make(chan struct{}),
		stats:  Stats{Dropped: make(map[string]uint64)},
	}
	s.server.On("connection", func(so socketio.Socket) {
		s.handleConnect(so)
	})
	go s.handleEvents()
	return s, nil
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.server)
	mux.HandleFunc("/stats", func(res http.ResponseWriter, _ *http.Request) {
		res.Header().Add("content-type", "application/json; charset=utf-8")
		enc := json.NewEncoder(res)
		enc.Encode(s.Stats())
	})
	return mux
}

// Listen starts listening for http requests. It blocks until the listener fails.
func (s *Server) Listen() error {
	s.ctx.Infof("Monitor listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

// Close stops emitting events
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *Server) handleConnect(so socketio.Socket) {
	ctx := s.ctx.WithField("ID", so.Id())
	ctx.Debug("Socket connected")
	so.Join(room)
	so.On("disconnection", func() {
		ctx.Debug("Socket disconnected")
	})
}

func (s *Server) handleEvents() {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.events:
			s.emit(evt.name, evt.data)
		}
	}
}

func (s *Server) emit(name string, v interface{}) {
	marshalled, err := json.Marshal(v)
	if err != nil {
		s.ctx.WithError(err).Error("Could not marshal event")
		return
	}
	s.server.BroadcastTo(room, name, string(marshalled))
}

func (s *Server) enqueue(name string, data interface{}) {
	select {
	case s.events <- event{name: name, data: data}:
	default:
		s.ctx.WithField("Event", name).Warn("Dropping event on websocket")
	}
}

// Uplink emits an uplink message on the server page
func (s *Server) Uplink(msg *types.UplinkMessage) {
	s.mu.Lock()
	s.stats.Uplink++
	s.mu.Unlock()
	evt := uplinkEvent{
		Payload:   string(msg.Payload),
		FrameSize: msg.FrameSize,
		Time:      msg.Received,
	}
	if msg.RadioAddr != nil {
		evt.Source = msg.RadioAddr.String()
	}
	s.enqueue(uplinkEvt, evt)
}

// Downlink emits a downlink message on the server page
func (s *Server) Downlink(msg *types.DownlinkMessage) {
	s.mu.Lock()
	s.stats.Downlink++
	s.mu.Unlock()
	s.enqueue(downlinkEvt, downlinkEvent{Topic: msg.Topic, Payload: string(msg.Payload)})
}

// Dropped emits a message when a message is dropped
func (s *Server) Dropped(direction, reason string, size int) {
	s.mu.Lock()
	s.stats.Dropped[direction+":"+reason]++
	s.mu.Unlock()
	s.enqueue(droppedEvt, droppedEvent{Direction: direction, Reason: reason, Size: size})
}

// Stats returns a copy of the totals
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{
		Uplink:   s.stats.Uplink,
		Downlink: s.stats.Downlink,
		Dropped:  make(map[string]uint64, len(s.stats.Dropped)),
	}
	for k, v := range s.stats.Dropped {
		stats.Dropped[k] = v
	}
	return stats
}
