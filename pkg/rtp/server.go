// Package rtp implements the UDP ingest server that receives external-media
// audio from the PBX. A single socket serves every call: incoming datagrams
// are demultiplexed onto pre-declared stream slots keyed by the RTP source
// port the PBX advertised, the fixed-size RTP header is stripped, and the
// 16-bit payload is (optionally) byte-swapped before landing in the stream's
// ring buffer.
//
// A stream slot is bound to the first remote peer that sends to it and the
// binding is sticky. Because the PBX may hand out its two per-call media
// ports in either order, callers must reconcile the bound remote port against
// the advertised ports before attaching speaker identity; see the
// orchestrator for that step.
package rtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/arivox/arivox/internal/observe"
)

// DefaultHeaderSize is the number of leading bytes stripped from each
// datagram before the payload is buffered.
const DefaultHeaderSize = 12

// Stream is a single direction of call audio, keyed by the PBX-side source
// port. Its ring buffer is filled by the server's socket loop and drained by
// the STT connector.
type Stream struct {
	mu     sync.Mutex
	remote netip.AddrPort
	bound  bool
	active bool
	buf    *RingBuffer
}

// Buffer returns the stream's ring buffer.
func (s *Stream) Buffer() *RingBuffer { return s.buf }

// RemoteAddr returns the bound remote peer, if any. The binding happens on
// the first datagram delivered to this stream and is sticky afterwards.
func (s *Stream) RemoteAddr() (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, s.bound
}

// Active reports whether the stream still accepts audio.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Stream) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.buf.Clear()
}

// Server owns the UDP socket and the port-keyed stream registry.
type Server struct {
	host       string
	port       int
	swap16     bool
	headerSize int

	mu      sync.Mutex
	streams map[int]*Stream
	order   []int // declaration order, for first-unbound-wins binding

	conn    *net.UDPConn
	wg      sync.WaitGroup
	metrics *observe.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithSwap16 enables big-endian → little-endian byte swapping of 16-bit
// samples on ingest.
func WithSwap16(enabled bool) Option {
	return func(s *Server) { s.swap16 = enabled }
}

// WithHeaderSize overrides the number of RTP header bytes stripped from each
// datagram. Default: DefaultHeaderSize.
func WithHeaderSize(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.headerSize = n
		}
	}
}

// NewServer creates a Server that will listen on host:port once started.
func NewServer(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:       host,
		port:       port,
		headerSize: DefaultHeaderSize,
		streams:    make(map[int]*Stream),
		metrics:    observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Host returns the configured listen host, as advertised to the PBX.
func (s *Server) Host() string { return s.host }

// Port returns the configured listen port, as advertised to the PBX.
func (s *Server) Port() int { return s.port }

// Start binds the UDP socket and launches the receive loop. Bind failure is
// the only error that surfaces; per-datagram problems are logged and
// swallowed.
func (s *Server) Start() error {
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(mustParseHost(s.host), uint16(s.port)))
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("rtp: listen %s:%d: %w", s.host, s.port, err)
	}
	s.conn = conn

	s.wg.Add(1)
	go s.readLoop()

	slog.Info("rtp server listening", "host", s.host, "port", s.port,
		"swap16", s.swap16, "header_size", s.headerSize)
	return nil
}

// Stop closes the socket and tears down every registered stream.
func (s *Server) Stop() {
	if s.conn != nil {
		s.conn.Close()
		s.wg.Wait()
	}
	s.mu.Lock()
	ports := make([]int, len(s.order))
	copy(ports, s.order)
	s.mu.Unlock()
	for _, p := range ports {
		s.EndStream(p)
	}
}

// CreateStream registers a stream slot for the given PBX source port and
// returns it. Calling it again for the same port returns the existing
// stream; it never fails.
func (s *Server) CreateStream(port int) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[port]; ok {
		slog.Warn("rtp stream already exists", "port", port)
		return st
	}
	st := &Stream{active: true, buf: NewRingBuffer(DefaultMaxBuffer)}
	s.streams[port] = st
	s.order = append(s.order, port)
	slog.Info("created rtp stream", "port", port)
	return st
}

// EndStream deactivates the stream for port, clears its buffer, and removes
// the registration. Unknown ports are a no-op with a warning.
func (s *Server) EndStream(port int) {
	s.mu.Lock()
	st, ok := s.streams[port]
	if ok {
		delete(s.streams, port)
		for i, p := range s.order {
			if p == port {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		slog.Warn("attempted to end non-existent rtp stream", "port", port)
		return
	}
	st.deactivate()
	slog.Info("ended rtp stream", "port", port)
}

func (s *Server) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			// Socket closed during Stop, or a transient error; either way a
			// datagram problem never tears down the server.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		s.handleDatagram(buf[:n], addr)
	}
}

// handleDatagram demultiplexes one received datagram and delivers its
// payload. Split out from readLoop so that tests can drive it directly.
func (s *Server) handleDatagram(data []byte, addr netip.AddrPort) {
	target := s.findOrBind(addr)
	if target == nil {
		s.metrics.RTPDrops.Add(context.Background(), 1)
		return
	}
	if !target.Active() {
		slog.Warn("rtp packet for inactive stream", "addr", addr)
		s.metrics.RTPDrops.Add(context.Background(), 1)
		return
	}
	if len(data) <= s.headerSize {
		slog.Warn("rtp packet too small", "addr", addr, "size", len(data))
		s.metrics.RTPDrops.Add(context.Background(), 1)
		return
	}

	payload := data[s.headerSize:]
	if s.swap16 {
		if len(payload)%2 == 0 {
			payload = swapBytes16(payload)
		} else {
			slog.Warn("odd-length rtp payload, skipping byte swap", "addr", addr, "size", len(payload))
		}
	}
	target.buf.Append(payload)
	s.metrics.RTPPackets.Add(context.Background(), 1)
}

// findOrBind returns the stream already bound to addr, or binds the first
// unbound stream in declaration order. Returns nil when no slot matches.
func (s *Server) findOrBind(addr netip.AddrPort) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, port := range s.order {
		st := s.streams[port]
		st.mu.Lock()
		if st.bound && st.remote == addr {
			st.mu.Unlock()
			return st
		}
		if !st.bound {
			st.remote = addr
			st.bound = true
			st.mu.Unlock()
			slog.Info("associated rtp stream", "port", port, "remote", addr)
			return st
		}
		st.mu.Unlock()
	}
	return nil
}

// swapBytes16 returns a copy of p with each 16-bit sample's bytes swapped.
// len(p) must be even.
func swapBytes16(p []byte) []byte {
	out := make([]byte, len(p))
	for i := 0; i+1 < len(p); i += 2 {
		out[i] = p[i+1]
		out[i+1] = p[i]
	}
	return out
}

func mustParseHost(host string) netip.Addr {
	if host == "" {
		return netip.IPv4Unspecified()
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.IPv4Unspecified()
	}
	return a
}
