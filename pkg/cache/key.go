// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/plgd-dev/go-coap/v3/message"
)

// RequestKey derives the fixed-length cache key for a request: a
// truncated SHA-256 over the method and the options in ascending
// option-number order. The ETag option is excluded — a validation
// request must hit the same entry as the plain request it validates.
// The Proxy-Uri option stays in the digest; it is the normalized
// target identity.
func RequestKey(m message.Message) Key {
	h := sha256.New()
	h.Write([]byte{byte(m.Code)})

	var idb [2]byte
	for _, o := range m.Options {
		if o.ID == message.ETag {
			continue
		}
		binary.BigEndian.PutUint16(idb[:], uint16(o.ID))
		h.Write(idb[:])
		h.Write(o.Value)
	}

	var k Key
	copy(k[:], h.Sum(nil))
	return k
}
