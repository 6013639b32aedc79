// Copyright (c) 2020–2026 The phasenoise developers. All rights reserved.
// Project site: https://github.com/gotmc/phasenoise
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package phasenoise

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Sentinel is the magnitude a level reply (reference level, attenuation)
// carries while the instrument has not settled it yet. It is never applied
// to frequencies or spans, where 10000 is an ordinary value.
const Sentinel = 10000.0

// Poll interval bounds.
const (
	DefaultPollInterval = 250 * time.Millisecond
	MinPollInterval     = 100 * time.Millisecond
	MaxPollInterval     = 500 * time.Millisecond
)

// ParseReading parses an instrument reply. ok is false when the reply is
// empty or not numeric.
func ParseReading(reply string) (v float64, ok bool) {
	s := strings.TrimSpace(reply)
	// Some dialects echo the header, e.g. "RL -12.00".
	if i := strings.LastIndexAny(s, " \t,"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimRight(s, "\x00;")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// ParseLevel is ParseReading for dB levels, additionally rejecting the
// ±Sentinel marker.
func ParseLevel(reply string) (v float64, ok bool) {
	v, ok = ParseReading(reply)
	if !ok || Unset(v) {
		return 0, false
	}
	return v, true
}

// Unset reports whether a level reading is the ±Sentinel marker.
func Unset(v float64) bool { return math.Abs(v) == Sentinel }

// ReadFloat queries cmd once. A transport error is returned as err; a reply
// that is not numeric returns ok == false with a nil error.
func ReadFloat(bus Bus, cmd string) (v float64, ok bool, err error) {
	return read(bus, cmd, ParseReading)
}

// ReadLevel is ReadFloat for dB levels, treating ±Sentinel as not read.
func ReadLevel(bus Bus, cmd string) (v float64, ok bool, err error) {
	return read(bus, cmd, ParseLevel)
}

func read(bus Bus, cmd string, parse func(string) (float64, bool)) (float64, bool, error) {
	reply, err := bus.Query(cmd)
	if err != nil {
		return 0, false, &BusError{Op: "query", Cmd: cmd, Err: err}
	}
	v, ok := parse(reply)
	return v, ok, nil
}

// ClampInterval keeps a poll interval within [MinPollInterval, MaxPollInterval],
// substituting DefaultPollInterval for zero.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultPollInterval
	case d < MinPollInterval:
		return MinPollInterval
	case d > MaxPollInterval:
		return MaxPollInterval
	}
	return d
}

// Poll calls fn until it reports ok, fails, or ctx is done. ctx is checked
// before every attempt and during every sleep, so the loop is bounded only
// by the caller's cancellation.
func Poll[T any](ctx context.Context, interval time.Duration, fn func() (T, bool, error)) (T, error) {
	var zero T
	interval = ClampInterval(interval)
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return zero, Cancelled(ctx)
		case <-t.C:
		}
		v, ok, err := fn()
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
		t.Reset(interval)
	}
}

// PollFloat repeats cmd until the instrument returns a number.
func PollFloat(ctx context.Context, bus Bus, cmd string, interval time.Duration) (float64, error) {
	return Poll(ctx, interval, func() (float64, bool, error) {
		return ReadFloat(bus, cmd)
	})
}

// PollLevel repeats cmd until the instrument returns a settled dB level.
func PollLevel(ctx context.Context, bus Bus, cmd string, interval time.Duration) (float64, error) {
	return Poll(ctx, interval, func() (float64, bool, error) {
		return ReadLevel(bus, cmd)
	})
}

// WaitDone repeats the completion query ack until the instrument answers.
// An empty reply, ErrTimeout or ErrNotReady means the operation is still
// running; any other bus failure ends the wait.
func WaitDone(ctx context.Context, bus Bus, ack string, interval time.Duration) error {
	_, err := Poll(ctx, interval, func() (struct{}, bool, error) {
		reply, err := bus.Query(ack)
		switch {
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrNotReady):
			return struct{}{}, false, nil
		case err != nil:
			return struct{}{}, false, &BusError{Op: "ack", Cmd: ack, Err: err}
		}
		return struct{}{}, strings.TrimSpace(reply) != "", nil
	})
	return err
}

// Sleep waits for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return Cancelled(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Cancelled(ctx)
	case <-t.C:
		return nil
	}
}
