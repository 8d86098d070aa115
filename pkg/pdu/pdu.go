// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package pdu is the proxy's contract with the CoAP packet library.
// It wraps the go-coap UDP coder with the few operations the proxy
// needs: decode/encode, header arithmetic, piggyback response init and
// the splice that copies a cached body onto a fresh header.
package pdu

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp/coder"

	"github.com/coapforge/fproxy/pkg/errors"
)

// MaxTokenLen is the longest token the wire format allows.
const MaxTokenLen = 8

// Decode parses one UDP CoAP datagram.
func Decode(data []byte) (message.Message, error) {
	// Options.Unmarshal never grows the options slice; like the
	// library's pool.Message, retry with more capacity on demand.
	m := message.Message{Options: make(message.Options, 0, 16)}
	for {
		_, err := coder.DefaultCoder.Decode(data, &m)
		if err == nil {
			return m, nil
		}
		if errors.Is(err, message.ErrOptionsTooSmall) {
			m.Options = make(message.Options, 0, cap(m.Options)*2)
			continue
		}
		return message.Message{}, fmt.Errorf("decode message: %w", err)
	}
}

// Encode serializes m into buf. A buffer that is too small reports
// ErrBufferOverflow; other coder errors pass through unchanged.
func Encode(m message.Message, buf []byte) (int, error) {
	n, err := coder.DefaultCoder.Encode(m, buf)
	if err != nil {
		if errors.Is(err, message.ErrTooSmall) {
			return 0, fmt.Errorf("%w: %v", errors.ErrBufferOverflow, err)
		}
		return 0, fmt.Errorf("encode message: %w", err)
	}
	return n, nil
}

// HeaderLen returns the length of the fixed header plus token of a raw
// UDP CoAP message: 4 bytes + TKL.
func HeaderLen(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("message truncated: %d bytes", len(data))
	}
	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLen {
		return 0, fmt.Errorf("invalid token length %d", tkl)
	}
	n := 4 + tkl
	if len(data) < n {
		return 0, fmt.Errorf("message truncated: %d bytes, token needs %d", len(data), n)
	}
	return n, nil
}

// Response initializes a reply to req with the given code: same
// message id and token, Acknowledgement type when the request was
// Confirmable, the request's type otherwise. Options and payload are
// left empty for the caller to fill.
func Response(req message.Message, code codes.Code) message.Message {
	t := req.Type
	if t == message.Confirmable {
		t = message.Acknowledgement
	}
	return message.Message{
		Code:      code,
		Token:     req.Token,
		MessageID: req.MessageID,
		Type:      t,
	}
}

// Splice builds a response for hdrSrc carrying code, then copies the
// byte range after the cached message's header through its end into
// buf immediately after the new header. The total length is recomputed
// rather than reused: the two messages can carry different token
// lengths, so their header lengths differ.
func Splice(hdrSrc message.Message, code codes.Code, cachedRaw, buf []byte) (int, error) {
	n, err := Encode(Response(hdrSrc, code), buf)
	if err != nil {
		return 0, err
	}
	ch, err := HeaderLen(cachedRaw)
	if err != nil {
		return 0, fmt.Errorf("cached response: %w", err)
	}
	tail := cachedRaw[ch:]
	if n+len(tail) > len(buf) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", errors.ErrBufferOverflow, n+len(tail), len(buf))
	}
	copy(buf[n:], tail)
	return n + len(tail), nil
}

// IsRequest reports whether the message carries a request method
// (class 0, detail 1..31).
func IsRequest(m message.Message) bool {
	return m.Code >= codes.GET && m.Code <= codes.Code(31)
}
