// Package helpersim is an in-process helper that speaks the full IPC surface
// of the real privileged helper. It backs integration-style tests and the
// `meshctl helper-sim` command for local development, where spawning a real
// privileged helper and core is impractical.
package helpersim

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Version is the protocol version the simulator reports.
const Version = "0.9.0"

// DefaultRingSize is how many events the simulated ring buffer retains.
const DefaultRingSize = 256

// Server simulates the privileged helper process.
type Server struct {
	mu        sync.Mutex
	listeners map[net.Conn]*json.Encoder

	pid         int32
	startedAt   time.Time
	runningInfo *string

	// Event ring: events[0] has absolute index ringBase.
	events   []string
	ringBase int
	ringSize int

	// StartError, when set, makes start_core fail with this message.
	StartError string
	// ReportVersion overrides the version string the simulator reports.
	ReportVersion string
}

// NewServer returns a simulator with no core running.
func NewServer() *Server {
	return &Server{
		listeners:     make(map[net.Conn]*json.Encoder),
		ringSize:      DefaultRingSize,
		ReportVersion: Version,
	}
}

// Serve accepts helper connections on l until it is closed.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.ServeConn(conn)
	}
}

// ServeConn handles one client connection until it drops.
func (s *Server) ServeConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.listeners, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			return
		}
		reply := s.handle(conn, enc, env)
		s.mu.Lock()
		err := enc.Encode(reply)
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(conn net.Conn, enc *json.Encoder, env envelope) envelope {
	reply := envelope{ID: env.ID}
	switch env.Method {
	case "register_listener":
		s.mu.Lock()
		s.listeners[conn] = enc
		s.mu.Unlock()
		reply.Result = mustMarshal(struct{}{})
	case "start_core":
		reply.Result = s.startCore(env.Params)
	case "stop_core":
		s.StopCore()
		reply.Result = mustMarshal(map[string]bool{"ok": true})
	case "get_core_status":
		s.mu.Lock()
		pid := s.pid
		s.mu.Unlock()
		reply.Result = mustMarshal(map[string]int32{"pid": pid})
	case "get_core_start_time":
		s.mu.Lock()
		var ts float64
		if s.pid != 0 {
			ts = float64(s.startedAt.UnixNano()) / float64(time.Second)
		}
		s.mu.Unlock()
		reply.Result = mustMarshal(map[string]float64{"unix_timestamp": ts})
	case "get_version":
		s.mu.Lock()
		v := s.ReportVersion
		s.mu.Unlock()
		reply.Result = mustMarshal(map[string]string{"version": v})
	case "get_recent_events":
		reply.Result = s.recentEvents(env.Params)
	case "get_running_info":
		s.mu.Lock()
		info := s.runningInfo
		s.mu.Unlock()
		reply.Result = mustMarshal(map[string]*string{"json": info})
	case "quit_helper":
		reply.Result = mustMarshal(map[string]bool{"ok": true})
	default:
		reply.Error = "unknown method: " + env.Method
	}
	return reply
}

func (s *Server) startCore(params json.RawMessage) json.RawMessage {
	var req struct {
		ConfigPath string `json:"config_path"`
	}
	_ = json.Unmarshal(params, &req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartError != "" {
		return mustMarshal(map[string]any{"ok": false, "error": s.StartError})
	}
	if req.ConfigPath == "" {
		return mustMarshal(map[string]any{"ok": false, "error": "config_path required"})
	}
	s.pid = 4242
	s.startedAt = time.Now()
	return mustMarshal(map[string]any{"ok": true})
}

func (s *Server) recentEvents(params json.RawMessage) json.RawMessage {
	var req struct {
		SinceIndex int `json:"since_index"`
	}
	_ = json.Unmarshal(params, &req)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.ringBase + len(s.events)
	start := req.SinceIndex
	var out []string
	switch {
	case req.SinceIndex >= next:
		// Nothing new; echo the requested index back.
		start = req.SinceIndex
		next = req.SinceIndex
	case req.SinceIndex < s.ringBase:
		// Ring wrapped past the cursor; the client detects the gap from
		// start_index > since_index.
		start = s.ringBase
		out = append(out, s.events...)
	default:
		out = append(out, s.events[req.SinceIndex-s.ringBase:]...)
	}
	return mustMarshal(map[string]any{
		"events":      out,
		"start_index": start,
		"next_index":  next,
	})
}

// StopCore marks the core as stopped and clears its running info.
func (s *Server) StopCore() {
	s.mu.Lock()
	s.pid = 0
	s.startedAt = time.Time{}
	s.runningInfo = nil
	s.mu.Unlock()
}

// CorePID returns the simulated core pid, 0 when stopped.
func (s *Server) CorePID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// SetRunningInfo stores the core's running-info JSON and pushes it to every
// registered listener.
func (s *Server) SetRunningInfo(info string) {
	s.mu.Lock()
	s.runningInfo = &info
	s.push(envelope{Method: "running_info_updated", Params: mustMarshal(map[string]string{"json": info})})
	s.mu.Unlock()
}

// AppendEvents appends lines to the event ring, evicting the oldest entries
// past the ring size, and pushes a log update.
func (s *Server) AppendEvents(lines ...string) {
	s.mu.Lock()
	s.events = append(s.events, lines...)
	if overflow := len(s.events) - s.ringSize; overflow > 0 {
		s.events = s.events[overflow:]
		s.ringBase += overflow
	}
	s.push(envelope{Method: "log_updated", Params: mustMarshal(map[string][]string{"lines": lines})})
	s.mu.Unlock()
}

// DropRetainedEvents simulates ring wrap by discarding the oldest n retained
// events without delivering them.
func (s *Server) DropRetainedEvents(n int) {
	s.mu.Lock()
	if n > len(s.events) {
		n = len(s.events)
	}
	s.events = s.events[n:]
	s.ringBase += n
	s.mu.Unlock()
}

// push delivers a push frame to all registered listeners. Called with s.mu
// held.
func (s *Server) push(env envelope) {
	for conn, enc := range s.listeners {
		if err := enc.Encode(env); err != nil {
			log.Debugf("helpersim: push to %v failed: %v", conn.RemoteAddr(), err)
		}
	}
}

type envelope struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
