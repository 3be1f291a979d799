package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"siem-correlator/internal/config"
	"siem-correlator/internal/metrics"
	"siem-correlator/internal/queue"
	"siem-correlator/internal/schema"
)

// TCPServerConfig configures the JSON-lines listener.
type TCPServerConfig struct {
	Address        string
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLineLength  int
}

func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Address:        ":5515",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  64<<10 - 1,
	}
}

// TCPConfigFrom maps the ingest.tcp settings, keeping defaults for zero
// values.
func TCPConfigFrom(c config.TCPConfig) TCPServerConfig {
	cfg := DefaultTCPServerConfig()
	if c.Address != "" {
		cfg.Address = c.Address
	}
	cfg.TLSEnabled = c.TLSEnabled
	cfg.TLSCertFile = c.TLSCertFile
	cfg.TLSKeyFile = c.TLSKeyFile
	if c.MaxConnections > 0 {
		cfg.MaxConnections = c.MaxConnections
	}
	if c.IdleTimeout > 0 {
		cfg.IdleTimeout = c.IdleTimeout
	}
	if c.MaxLineLength > 0 {
		cfg.MaxLineLength = c.MaxLineLength
	}
	return cfg
}

func (c TCPServerConfig) listen() (net.Listener, error) {
	if !c.TLSEnabled {
		return net.Listen("tcp", c.Address)
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return tls.Listen("tcp", c.Address, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

// TCPServerMetrics counts lines through each intake stage.
type TCPServerMetrics struct {
	Connections uint64 `json:"connections"`
	Received    uint64 `json:"received"`
	Parsed      uint64 `json:"parsed"`
	Queued      uint64 `json:"queued"`
	Errors      uint64 `json:"errors"`
}

type tcpCounters struct {
	connections, received, parsed, queued, errors atomic.Uint64
}

// TCPServer reads newline-delimited JSON events. Each accepted connection
// gets its own goroutine; connections over MaxConnections are closed
// immediately.
type TCPServer struct {
	cfg       TCPServerConfig
	validator *schema.Validator
	queue     *queue.RingBuffer
	sink      metrics.Sink

	ln      net.Listener
	mu      sync.Mutex
	open    map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
	stopCtx func() bool

	n tcpCounters
}

func NewTCPServer(cfg TCPServerConfig, validator *schema.Validator, q *queue.RingBuffer, sink metrics.Sink) *TCPServer {
	def := DefaultTCPServerConfig()
	cfg.MaxLineLength = cmpOr(cfg.MaxLineLength, def.MaxLineLength)
	cfg.IdleTimeout = cmpOr(cfg.IdleTimeout, def.IdleTimeout)
	cfg.MaxConnections = cmpOr(cfg.MaxConnections, def.MaxConnections)
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &TCPServer{
		cfg:       cfg,
		validator: validator,
		queue:     q,
		sink:      sink,
		open:      make(map[net.Conn]struct{}),
	}
}

func cmpOr[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Start listens and begins accepting. The server shuts down when ctx is
// cancelled or Stop is called.
func (s *TCPServer) Start(ctx context.Context) error {
	ln, err := s.cfg.listen()
	if err != nil {
		return err
	}
	s.ln = ln
	s.stopCtx = context.AfterFunc(ctx, s.shutdown)

	slog.Info("tcp server listening", "address", ln.Addr().String(), "tls", s.cfg.TLSEnabled)

	s.wg.Add(1)
	go s.accept()
	return nil
}

// Addr is nil until Start succeeds.
func (s *TCPServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *TCPServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosing() {
				return
			}
			slog.Debug("tcp accept failed", "error", err)
			continue
		}
		if !s.admitConn(conn) {
			continue
		}
		s.n.connections.Add(1)
		s.wg.Add(1)
		go s.serve(conn)
	}
}

// admitConn registers conn, or closes it when the server is full or
// shutting down.
func (s *TCPServer) admitConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || len(s.open) >= s.cfg.MaxConnections {
		if !s.closing {
			slog.Warn("tcp connection limit reached", "remote", conn.RemoteAddr(), "limit", s.cfg.MaxConnections)
		}
		conn.Close()
		return false
	}
	s.open[conn] = struct{}{}
	return true
}

func (s *TCPServer) release(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.open, conn)
	s.mu.Unlock()
}

func (s *TCPServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *TCPServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.release(conn)

	peer := peerIP(conn.RemoteAddr())
	lines := bufio.NewScanner(conn)
	lines.Buffer(make([]byte, 0, 4096), s.cfg.MaxLineLength)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !lines.Scan() {
			s.readEnded(conn, lines.Err())
			return
		}
		if line := lines.Bytes(); len(line) > 0 {
			s.n.received.Add(1)
			s.ingestLine(line, peer)
		}
	}
}

func (s *TCPServer) readEnded(conn net.Conn, err error) {
	var ne net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &ne) && ne.Timeout():
		slog.Debug("tcp connection idle", "remote", conn.RemoteAddr())
	default:
		s.n.errors.Add(1)
		slog.Debug("tcp read failed", "remote", conn.RemoteAddr(), "error", err)
	}
}

func peerIP(addr net.Addr) string {
	if a, ok := addr.(*net.TCPAddr); ok {
		return a.IP.String()
	}
	return addr.String()
}

// ingestLine decodes, validates and queues one line. Events without a
// source are attributed to the peer address.
func (s *TCPServer) ingestLine(line []byte, peer string) {
	now := time.Now()
	event, err := schema.DecodeEvent(line, now)
	if err != nil {
		s.reject(metrics.ReasonDecode, err, peer)
		return
	}
	s.n.parsed.Add(1)

	if event.Source() == "" {
		event.SourceIP = peer
	}
	if err := s.validator.ValidateAt(event, now); err != nil {
		s.reject(metrics.ReasonInvalid, err, peer)
		return
	}

	switch err := s.queue.Push(event); {
	case err == nil:
		s.n.queued.Add(1)
	case errors.Is(err, queue.ErrQueueFull):
		s.reject(metrics.ReasonQueueFull, err, peer)
	default:
		s.n.errors.Add(1)
	}
}

func (s *TCPServer) reject(reason string, err error, peer string) {
	s.n.errors.Add(1)
	s.sink.EventRejected(reason)
	slog.Debug("tcp line rejected", "reason", reason, "error", err, "peer", peer)
}

// shutdown closes the listener and every open connection. It is safe to
// call more than once.
func (s *TCPServer) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.open {
		conn.Close()
	}
}

// Stop shuts the server down and waits for connection handlers to return.
func (s *TCPServer) Stop() {
	if s.stopCtx != nil {
		s.stopCtx()
	}
	s.shutdown()
	s.wg.Wait()

	m := s.Metrics()
	slog.Info("tcp server stopped",
		"connections", m.Connections,
		"received", m.Received,
		"queued", m.Queued,
		"errors", m.Errors,
	)
}

func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: s.n.connections.Load(),
		Received:    s.n.received.Load(),
		Parsed:      s.n.parsed.Load(),
		Queued:      s.n.queued.Load(),
		Errors:      s.n.errors.Load(),
	}
}

// ActiveConnections reports how many connections are being served.
func (s *TCPServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}
