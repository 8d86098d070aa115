// Copyright (c) fproxy contributors
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the callback interface the dispatcher uses
// to authorize and observe proxied exchanges.
package handler
