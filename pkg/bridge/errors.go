// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import "errors"

// Error taxonomy shared by the session pool, mapper, router and dialog
// flows. Callers classify failures with errors.Is; everything below the
// router's dispatch boundary returns one of these wrapped with context.
var (
	// ErrNotFound is the expected, recoverable miss: the caller decides
	// whether to create the missing record.
	ErrNotFound = errors.New("not found")
	// ErrInconsistent marks a stored record that violates a shape
	// invariant. It is surfaced and logged, never auto-repaired.
	ErrInconsistent = errors.New("stored record is inconsistent")

	ErrAlreadyExists  = errors.New("already exists")
	ErrAlreadyEnabled = errors.New("bridge is already enabled")
	ErrAlreadyBound   = errors.New("management room is already bound")

	// ErrConnect is a remote session start failure. The handle stays in
	// the pool so the start can be retried.
	ErrConnect = errors.New("failed to connect remote session")
	// ErrSessionGone marks an operation that raced with session destroy.
	ErrSessionGone = errors.New("remote session is gone")

	// Forwarding misses. Messages hitting these are dropped, not queued.
	ErrNoSession      = errors.New("no usable remote session")
	ErrNoRemoteTarget = errors.New("no remote target")
)
