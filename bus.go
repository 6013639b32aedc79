// Copyright (c) 2020–2026 The phasenoise developers. All rights reserved.
// Project site: https://github.com/gotmc/phasenoise
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package phasenoise defines the instrument bus contract shared by the
// acquisition engine and the GPIB controllers that carry it.
package phasenoise

import (
	"context"
	"errors"
	"fmt"
)

// Bus is a synchronous, exclusive channel to one instrument. Every call
// blocks until the reply terminator arrives or the read-dropout timeout
// elapses, in which case the error wraps ErrTimeout.
type Bus interface {
	// Command sends cmd without waiting for any reply.
	Command(cmd string) error
	// CommandAck sends cmd and waits for the instrument to confirm it has
	// been accepted before returning.
	CommandAck(cmd string) error
	// Query sends cmd and returns the ASCII reply line.
	Query(cmd string) (string, error)
	// ReadBinary returns exactly n bytes of the pending response.
	ReadBinary(n int) ([]byte, error)
	// ReadLine returns the next terminator-delimited chunk of the pending
	// response, terminator included.
	ReadLine() (string, error)
}

// Errors reported by bus implementations and block decoders.
var (
	ErrTimeout      = errors.New("read timed out")
	ErrChecksum     = errors.New("bad block checksum")
	ErrBlockLength  = errors.New("bad block length")
	ErrBlockFormat  = errors.New("bad block format")
	ErrPrematureEnd = errors.New("terminated prematurely")
	ErrCancelled    = errors.New("cancelled")
	ErrNotReady     = errors.New("instrument not ready")
)

// BusError records the bus operation and command that failed.
type BusError struct {
	Op  string
	Cmd string
	Err error
}

func (e *BusError) Error() string {
	if e.Cmd == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %s", e.Op, e.Cmd, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }

// cancelError satisfies errors.Is for both ErrCancelled and the context
// error that caused it.
type cancelError struct{ cause error }

func (e cancelError) Error() string { return "acquisition cancelled: " + e.cause.Error() }

func (e cancelError) Is(target error) bool { return target == ErrCancelled }

func (e cancelError) Unwrap() error { return e.cause }

// Cancelled wraps a context error so callers can tell a user abort from a
// failure. It returns nil when ctx is still live.
func Cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cancelError{cause: err}
	}
	return nil
}

// IsCancelled reports whether err came from a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
