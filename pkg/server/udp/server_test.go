// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapforge/fproxy/pkg/pdu"
	"github.com/coapforge/fproxy/pkg/proxy"
	"github.com/coapforge/fproxy/pkg/ratelimit"
)

// fakeDispatcher answers every request with a canned response.
type fakeDispatcher struct {
	mu    sync.Mutex
	seen  []message.Message
	reply codes.Code
}

func (f *fakeDispatcher) Process(ctx context.Context, req message.Message, client netip.AddrPort, w proxy.ClientWriter) ([]byte, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()

	buf := make([]byte, 64)
	n, err := pdu.Encode(pdu.Response(req, f.reply), buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func startServer(t *testing.T, d Dispatcher, l *ratelimit.Limiter) (*Server, *net.UDPConn) {
	t.Helper()
	srv := New(Config{
		Address: "127.0.0.1:0",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, d, l, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	var addr net.Addr
	for i := 0; i < 100; i++ {
		if addr = srv.LocalAddr(); addr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("server never bound")
	}

	conn, err := net.DialUDP("udp", nil, addr.(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func encodeMsg(t *testing.T, m message.Message) []byte {
	t.Helper()
	buf := make([]byte, 512)
	n, err := pdu.Encode(m, buf)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return buf[:n]
}

func roundTrip(t *testing.T, conn *net.UDPConn, req []byte) message.Message {
	t.Helper()
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := pdu.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func proxyRequest(t *testing.T, token []byte, mid int32) []byte {
	return encodeMsg(t, message.Message{
		Code:      codes.GET,
		Token:     token,
		MessageID: mid,
		Type:      message.Confirmable,
		Options: message.Options{
			{ID: message.ProxyURI, Value: []byte("coap://192.0.2.7/a")},
		},
	})
}

func TestServerRoutesProxyRequests(t *testing.T) {
	d := &fakeDispatcher{reply: codes.Content}
	_, conn := startServer(t, d, nil)

	resp := roundTrip(t, conn, proxyRequest(t, []byte{0x01}, 11))
	if resp.Code != codes.Content {
		t.Errorf("code = %v, want Content", resp.Code)
	}
	if !bytes.Equal(resp.Token, []byte{0x01}) {
		t.Errorf("token = %x, want 01", resp.Token)
	}
	if d.count() != 1 {
		t.Errorf("dispatcher saw %d requests, want 1", d.count())
	}
}

func TestServerAnswersNotFoundWithoutProxyURI(t *testing.T) {
	d := &fakeDispatcher{reply: codes.Content}
	_, conn := startServer(t, d, nil)

	req := encodeMsg(t, message.Message{
		Code:      codes.GET,
		Token:     []byte{0x02},
		MessageID: 12,
		Type:      message.Confirmable,
		Options: message.Options{
			{ID: message.URIPath, Value: []byte("local")},
		},
	})

	resp := roundTrip(t, conn, req)
	if resp.Code != codes.NotFound {
		t.Errorf("code = %v, want NotFound", resp.Code)
	}
	if d.count() != 0 {
		t.Error("non-proxy request reached the dispatcher")
	}
}

func TestServerDropsNonRequests(t *testing.T) {
	d := &fakeDispatcher{reply: codes.Content}
	_, conn := startServer(t, d, nil)

	// A response message must not be answered.
	if _, err := conn.Write(encodeMsg(t, message.Message{
		Code:      codes.Content,
		Token:     []byte{0x03},
		MessageID: 13,
		Type:      message.NonConfirmable,
	})); err != nil {
		t.Fatal(err)
	}

	// A proxy request afterwards still works, proving the first
	// datagram was dropped rather than queued.
	resp := roundTrip(t, conn, proxyRequest(t, []byte{0x04}, 14))
	if resp.Code != codes.Content {
		t.Errorf("code = %v, want Content", resp.Code)
	}
	if d.count() != 1 {
		t.Errorf("dispatcher saw %d requests, want 1", d.count())
	}
}

func TestServerRateLimits(t *testing.T) {
	d := &fakeDispatcher{reply: codes.Content}
	limiter := ratelimit.NewLimiter(1, 1, 0)
	defer limiter.Close()
	_, conn := startServer(t, d, limiter)

	first := roundTrip(t, conn, proxyRequest(t, []byte{0x05}, 15))
	if first.Code != codes.Content {
		t.Fatalf("first code = %v, want Content", first.Code)
	}

	second := roundTrip(t, conn, proxyRequest(t, []byte{0x06}, 16))
	if second.Code != codes.ServiceUnavailable {
		t.Errorf("second code = %v, want ServiceUnavailable", second.Code)
	}
	if d.count() != 1 {
		t.Errorf("dispatcher saw %d requests, want 1", d.count())
	}
}
