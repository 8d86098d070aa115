// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/metrics"
	"github.com/coapforge/fproxy/pkg/pdu"
	"github.com/coapforge/fproxy/pkg/proxy"
	"github.com/coapforge/fproxy/pkg/ratelimit"
)

const (
	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 16
)

// Dispatcher processes one decoded request. *proxy.Proxy implements it.
type Dispatcher interface {
	Process(ctx context.Context, req message.Message, client netip.AddrPort, w proxy.ClientWriter) ([]byte, error)
}

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize (8192 bytes).
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// WorkerPoolSize is the number of goroutines in the packet processing pool.
	// If 0, uses DefaultWorkerPoolSize.
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for server events
	Logger *slog.Logger
}

// packetJob represents a packet processing job for the worker pool.
type packetJob struct {
	client netip.AddrPort
	data   []byte
}

// Server is the CoAP/UDP front of the proxy.
type Server struct {
	config     Config
	dispatcher Dispatcher
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	bufferPool *sync.Pool
	packetCh   chan packetJob
	workerWg   sync.WaitGroup

	mu   sync.RWMutex
	conn *net.UDPConn
}

// New creates a UDP server over the given dispatcher. The limiter and
// metrics are optional.
func New(cfg Config, d Dispatcher, l *ratelimit.Limiter, m *metrics.Metrics) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	// Buffered channel to prevent blocking the reader
	packetCh := make(chan packetJob, cfg.WorkerPoolSize*2)

	return &Server{
		config:     cfg,
		dispatcher: d,
		limiter:    l,
		metrics:    m,
		bufferPool: bufferPool,
		packetCh:   packetCh,
	}
}

// Listen starts the UDP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.config.Logger.Info("proxy listener started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize),
		slog.Int("buffer_size", s.config.BufferSize))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	s.startWorkerPool(workerCtx)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			bufPtr := s.bufferPool.Get().(*[]byte)
			buffer := *bufPtr

			n, clientAddr, err := conn.ReadFromUDPAddrPort(buffer)
			if err != nil {
				s.bufferPool.Put(bufPtr)
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to read UDP packet",
						slog.String("error", err.Error()))
					continue
				}
			}

			datagram := make([]byte, n)
			copy(datagram, buffer[:n])
			s.bufferPool.Put(bufPtr)

			select {
			case s.packetCh <- packetJob{client: clientAddr, data: datagram}:
			case <-ctx.Done():
				return
			default:
				// Worker pool is full, drop packet and log warning
				s.config.Logger.Warn("worker pool full, dropping packet",
					slog.String("client", clientAddr.String()))
			}
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	close(s.packetCh)
	workerCancel()
	s.workerWg.Wait()
	s.config.Logger.Info("all workers stopped")

	return nil
}

// LocalAddr returns the bound address once Listen is running.
func (s *Server) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// WriteTo sends a raw datagram to a client. The correlator uses it to
// relay responses arriving after the request goroutine is gone.
func (s *Server) WriteTo(data []byte, client netip.AddrPort) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("server not listening")
	}
	_, err := conn.WriteToUDPAddrPort(data, client)
	return err
}

// startWorkerPool starts the worker goroutines for packet processing.
func (s *Server) startWorkerPool(ctx context.Context) {
	for i := 0; i < s.config.WorkerPoolSize; i++ {
		s.workerWg.Add(1)
		go func(workerID int) {
			defer s.workerWg.Done()
			s.packetWorker(ctx, workerID)
		}(i)
	}
	s.config.Logger.Info("worker pool started", slog.Int("workers", s.config.WorkerPoolSize))
}

// packetWorker processes packets from the packet channel.
func (s *Server) packetWorker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.packetCh:
			if !ok {
				return
			}
			if err := s.handlePacket(ctx, job.client, job.data); err != nil {
				s.config.Logger.Debug("packet handler error",
					slog.Int("worker", workerID),
					slog.String("client", job.client.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

// handlePacket runs one datagram through decode, rate limit, the
// proxy-request match and the dispatcher.
func (s *Server) handlePacket(ctx context.Context, client netip.AddrPort, data []byte) error {
	req, err := pdu.Decode(data)
	if err != nil {
		// Not CoAP; drop silently.
		return nil
	}
	if !pdu.IsRequest(req) {
		// Responses, empty messages and signals are not ours to answer.
		return nil
	}

	if s.limiter != nil && !s.limiter.Allow(client) {
		if s.metrics != nil {
			s.metrics.RateLimitedRequests.Inc()
		}
		return s.respond(req, client, codes.ServiceUnavailable)
	}

	// The proxy serves no resources of its own: a request without
	// Proxy-Uri matches nothing.
	if v, err := req.Options.GetBytes(message.ProxyURI); err != nil || len(v) == 0 {
		return s.respond(req, client, codes.NotFound)
	}

	out, err := s.dispatcher.Process(ctx, req, client, s)
	if err != nil {
		return err
	}
	if out != nil {
		return s.WriteTo(out, client)
	}
	return nil
}

// respond encodes and sends an immediate reply carrying code.
func (s *Server) respond(req message.Message, client netip.AddrPort, code codes.Code) error {
	buf := make([]byte, 64)
	n, err := pdu.Encode(pdu.Response(req, code), buf)
	if err != nil {
		return err
	}
	return s.WriteTo(buf[:n], client)
}
