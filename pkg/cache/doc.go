// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package cache stores forwarded responses and answers requests from
// them.
//
// Entries are keyed by a fixed-length digest of the normalized request
// (method plus cache-relevant options). A hit is served only when the
// cached method matches the request's method and the entry's expiry
// lies in the future; a request carrying an ETag equal to the cached
// response's ETag gets a minimal 2.03 Valid instead of the full body.
// A stale or method-mismatched entry is still surfaced so the request
// builder can ask the origin to validate it.
package cache
