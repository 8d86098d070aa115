// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"

	"github.com/coapforge/fproxy/pkg/pdu"
	"github.com/coapforge/fproxy/pkg/target"
)

const (
	// DefaultAckTimeout is the initial retransmission timeout for
	// confirmable requests.
	DefaultAckTimeout = 2 * time.Second

	// DefaultMaxRetransmit is the retransmission count for
	// confirmable requests.
	DefaultMaxRetransmit = 4

	// DefaultResponseTimeout bounds the wait for a (possibly
	// separate) response once the request is on the wire.
	DefaultResponseTimeout = 90 * time.Second

	readBufferSize = 8192
)

// UDPConfig holds the UDP transport configuration.
type UDPConfig struct {
	// AckTimeout is the initial retransmission timeout; it doubles on
	// every retry.
	AckTimeout time.Duration

	// MaxRetransmit is how many times a confirmable request is
	// retransmitted before the exchange times out.
	MaxRetransmit int

	// ResponseTimeout bounds the total wait for a response.
	ResponseTimeout time.Duration

	// Logger for transport events.
	Logger *slog.Logger
}

// UDPTransport forwards requests over UDP sockets, one socket per
// outstanding exchange, and correlates responses by token.
type UDPTransport struct {
	cfg       UDPConfig
	mu        sync.Mutex
	exchanges map[exchangeKey]*exchange
}

var _ Transport = (*UDPTransport)(nil)

type exchangeKey struct {
	token  string
	origin string
}

// NewUDP creates a UDP transport.
func NewUDP(cfg UDPConfig) *UDPTransport {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxRetransmit == 0 {
		cfg.MaxRetransmit = DefaultMaxRetransmit
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &UDPTransport{
		cfg:       cfg,
		exchanges: make(map[exchangeKey]*exchange),
	}
}

// Send transmits data to origin and invokes done once with the outcome.
func (t *UDPTransport) Send(ctx context.Context, data []byte, origin target.Endpoint, done Callback) error {
	hl, err := pdu.HeaderLen(data)
	if err != nil {
		return err
	}
	key := exchangeKey{token: string(data[4:hl]), origin: origin.String()}

	conn, err := net.DialUDP("udp", nil, origin.UDPAddr())
	if err != nil {
		return fmt.Errorf("dial origin %s: %w", origin, err)
	}

	ex := &exchange{
		id:          uuid.New().String(),
		key:         key,
		data:        append([]byte(nil), data...),
		conn:        conn,
		done:        done,
		t:           t,
		confirmable: (data[0]>>4)&0x3 == 0,
	}

	t.mu.Lock()
	if _, exists := t.exchanges[key]; exists {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("exchange already outstanding toward %s", origin)
	}
	t.exchanges[key] = ex
	t.mu.Unlock()

	if _, err := conn.Write(ex.data); err != nil {
		t.remove(key)
		conn.Close()
		return fmt.Errorf("send to origin %s: %w", origin, err)
	}

	t.cfg.Logger.Debug("request forwarded",
		slog.String("exchange", ex.id),
		slog.String("origin", origin.String()),
		slog.Bool("confirmable", ex.confirmable))

	if ex.confirmable {
		ex.mu.Lock()
		ex.timer = time.AfterFunc(t.cfg.AckTimeout, ex.retransmit)
		ex.mu.Unlock()
	}
	go ex.read(t.cfg.ResponseTimeout)

	return nil
}

// FindRequest reports whether an exchange with the given token is
// already outstanding toward origin.
func (t *UDPTransport) FindRequest(token message.Token, origin target.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exchanges[exchangeKey{token: string(token), origin: origin.String()}]
	return ok
}

// Outstanding returns the number of in-flight exchanges.
func (t *UDPTransport) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.exchanges)
}

// Close times out every outstanding exchange.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	open := make([]*exchange, 0, len(t.exchanges))
	for _, ex := range t.exchanges {
		open = append(open, ex)
	}
	t.mu.Unlock()
	for _, ex := range open {
		ex.finish(Result{State: StateTimeout})
	}
	return nil
}

func (t *UDPTransport) remove(key exchangeKey) {
	t.mu.Lock()
	delete(t.exchanges, key)
	t.mu.Unlock()
}

// exchange is one outstanding forwarded request.
type exchange struct {
	id          string
	key         exchangeKey
	data        []byte
	conn        *net.UDPConn
	done        Callback
	t           *UDPTransport
	confirmable bool

	mu     sync.Mutex
	timer  *time.Timer
	tries  int
	acked  bool
	closed bool
}

// read waits for the matching response. An empty ACK stops
// retransmissions but keeps the exchange open for the separate
// response; a confirmable response is acknowledged before delivery.
func (ex *exchange) read(timeout time.Duration) {
	buf := make([]byte, readBufferSize)
	if err := ex.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		ex.finish(Result{State: StateTimeout})
		return
	}
	for {
		n, err := ex.conn.Read(buf)
		if err != nil {
			// Deadline expired or the socket was closed by finish.
			ex.finish(Result{State: StateTimeout})
			return
		}
		data := buf[:n]
		hl, err := pdu.HeaderLen(data)
		if err != nil {
			continue
		}
		if data[1] == 0 {
			// Empty ACK: the origin will answer with a separate response.
			ex.stopRetransmit()
			continue
		}
		if string(data[4:hl]) != ex.key.token {
			continue
		}
		if (data[0]>>4)&0x3 == 0 {
			// Separate confirmable response, acknowledge it.
			ack := []byte{0x60, 0x00, data[2], data[3]}
			if _, err := ex.conn.Write(ack); err != nil {
				ex.t.cfg.Logger.Debug("ack write failed",
					slog.String("exchange", ex.id),
					slog.String("error", err.Error()))
			}
		}
		out := make([]byte, n)
		copy(out, data)
		ex.finish(Result{State: StateResponse, Data: out})
		return
	}
}

// retransmit resends a confirmable request with exponential backoff
// until the retry budget is exhausted.
func (ex *exchange) retransmit() {
	ex.mu.Lock()
	if ex.closed || ex.acked {
		ex.mu.Unlock()
		return
	}
	if ex.tries >= ex.t.cfg.MaxRetransmit {
		ex.mu.Unlock()
		ex.t.cfg.Logger.Debug("retries exhausted", slog.String("exchange", ex.id))
		ex.finish(Result{State: StateTimeout})
		return
	}
	ex.tries++
	backoff := ex.t.cfg.AckTimeout << uint(ex.tries)
	if _, err := ex.conn.Write(ex.data); err != nil {
		ex.t.cfg.Logger.Debug("retransmit failed",
			slog.String("exchange", ex.id),
			slog.String("error", err.Error()))
	}
	ex.timer = time.AfterFunc(backoff, ex.retransmit)
	ex.mu.Unlock()
}

func (ex *exchange) stopRetransmit() {
	ex.mu.Lock()
	ex.acked = true
	if ex.timer != nil {
		ex.timer.Stop()
	}
	ex.mu.Unlock()
}

// finish delivers the outcome exactly once and tears the exchange down.
func (ex *exchange) finish(res Result) {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return
	}
	ex.closed = true
	if ex.timer != nil {
		ex.timer.Stop()
	}
	ex.mu.Unlock()

	ex.t.remove(ex.key)
	ex.conn.Close()
	ex.done(res)
}
