// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"errors"
	"fmt"
)

var (
	errBadName        = errors.New("name must match [A-Za-z0-9_-]+")
	errNegative       = errors.New("must be >= 0")
	errTooManyStreams = errors.New("at most 2 redirect_output labels")
)

// Kind identifies the class of error a core operation failed with, per
// the error taxonomy the transports must preserve.
type Kind int

const (
	_ Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidSpec
	KindInvalidState
	KindSpawnError
	KindTerminateTimeout
	KindFlapping
	KindBackpressureDropped
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidSpec:
		return "InvalidSpec"
	case KindInvalidState:
		return "InvalidState"
	case KindSpawnError:
		return "SpawnError"
	case KindTerminateTimeout:
		return "TerminateTimeout"
	case KindFlapping:
		return "Flapping"
	case KindBackpressureDropped:
		return "BackpressureDropped"
	default:
		return "Unknown"
	}
}

// Error is the typed error returned by every core operation that can fail
// synchronously.  Field is populated for KindInvalidSpec, naming the
// offending template field.
type Error struct {
	Kind  Kind
	Op    string
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: field %q: %v", e.Op, e.Kind, e.Field, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == 0 {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func newFieldErr(op, field string, err error) *Error {
	return &Error{Op: op, Kind: KindInvalidSpec, Field: field, Err: err}
}

// Sentinels for errors.Is comparisons against a specific kind, without
// callers needing to build an *Error literal themselves.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrInvalidSpec         = &Error{Kind: KindInvalidSpec}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrSpawnError          = &Error{Kind: KindSpawnError}
	ErrTerminateTimeout    = &Error{Kind: KindTerminateTimeout}
	ErrFlapping            = &Error{Kind: KindFlapping}
	ErrBackpressureDropped = &Error{Kind: KindBackpressureDropped}
)
