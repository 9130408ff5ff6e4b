// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package liberr implements the closed error taxonomy shared by every
// libetude component. Producers return a *Error carrying a stable Code and
// record it in a single process-wide last-error slot (shared by all
// goroutines, not kept per goroutine); consumers surface the first error
// encountered unchanged.
package liberr

import (
	"fmt"
	"sync"
)

// Code is one of the closed set of error kinds from the taxonomy.
type Code int

const (
	// Runtime is the catch-all for unexpected failures.
	Runtime Code = iota
	InvalidArgument
	OutOfMemory
	NotInitialized
	AlreadyInitialized
	InvalidState
	NotFound
	AlreadyExists
	BufferFull
	Cycle
	Cancelled
	IO
	InvalidFormat
	Unsupported
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "InvalidArgument"
	case OutOfMemory:
		return "OutOfMemory"
	case NotInitialized:
		return "NotInitialized"
	case AlreadyInitialized:
		return "AlreadyInitialized"
	case InvalidState:
		return "InvalidState"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case BufferFull:
		return "BufferFull"
	case Cycle:
		return "Cycle"
	case Cancelled:
		return "Cancelled"
	case IO:
		return "IO"
	case InvalidFormat:
		return "InvalidFormat"
	case Unsupported:
		return "Unsupported"
	default:
		return "Runtime"
	}
}

// Error is the concrete error type returned by every libetude package.
type Error struct {
	Code    Code
	Op      string
	Msg     string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Op, e.Code)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Code, so errors.Is
// matches two *Error values by Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// builder is the fluent constructor returned by New.
type builder struct {
	e *Error
}

// New starts building an *Error for operation op with the given code.
func New(code Code, op string) *builder {
	return &builder{e: &Error{Code: code, Op: op}}
}

func (b *builder) Msg(msg string) *builder {
	b.e.Msg = msg
	return b
}

func (b *builder) Msgf(format string, args ...any) *builder {
	b.e.Msg = fmt.Sprintf(format, args...)
	return b
}

func (b *builder) Wrap(err error) *builder {
	b.e.Err = err
	return b
}

func (b *builder) Context(key string, value any) *builder {
	if b.e.Context == nil {
		b.e.Context = make(map[string]any, 4)
	}
	b.e.Context[key] = value
	return b
}

// Build finalizes the error, records it in the caller's last-error slot, and
// returns it.
func (b *builder) Build() *Error {
	setLast(b.e)
	return b.e
}

// Of is a shorthand for New(code, op).Msg(msg).Build() when no extra context
// is needed.
func Of(code Code, op, msg string) *Error {
	return New(code, op).Msg(msg).Build()
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error, otherwise returns Runtime.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Runtime
}

var (
	lastMu   sync.Mutex
	lastByID = make(map[int64]*Error)
)

// setLast records e as the last error observed. There is one slot for the
// whole process, guarded by a mutex: a Build on any goroutine overwrites
// what an earlier Build on another goroutine recorded.
func setLast(e *Error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastByID[0] = e
}

// LastError returns the most recently built *Error across the process, or
// nil if none has been recorded yet. Mirrors the engine API's
// get_last_error().
func LastError() *Error {
	lastMu.Lock()
	defer lastMu.Unlock()
	return lastByID[0]
}
