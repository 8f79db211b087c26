// status.go - Session status.
// Copyright (C) 2026  The Aenigma Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package session

import (
	"fmt"
	"math"
)

// Kind is the tag of a Status.
type Kind int

const (
	NotConnected Kind = iota
	Connecting
	Connected
	Authenticating
	Authenticated
	Pulling
	Cleaning
	Broadcasting
	Synchronized
	Clean
	Broadcasted
	Reset
	Error
	Aborted
)

var kindNames = [...]string{
	NotConnected:   "NotConnected",
	Connecting:     "Connecting",
	Connected:      "Connected",
	Authenticating: "Authenticating",
	Authenticated:  "Authenticated",
	Pulling:        "Pulling",
	Cleaning:       "Cleaning",
	Broadcasting:   "Broadcasting",
	Synchronized:   "Synchronized",
	Clean:          "Clean",
	Broadcasted:    "Broadcasted",
	Reset:          "Reset",
	Error:          "Error",
	Aborted:        "Aborted",
}

// String returns the name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("[Unknown Kind: %d]", int(k))
	}
	return kindNames[k]
}

// fixedLevel returns the level of kinds that carry no parameter, or false.
func (k Kind) fixedLevel() (int, bool) {
	switch k {
	case NotConnected:
		return 0, true
	case Connecting:
		return 1, true
	case Connected:
		return 2, true
	case Authenticating:
		return 3, true
	case Authenticated:
		return 4, true
	case Pulling, Cleaning, Broadcasting:
		return 5, true
	case Synchronized, Clean, Broadcasted:
		return 6, true
	}
	return 0, false
}

// ErrorKind refines an Error status.
type ErrorKind int

const (
	// ErrGeneric is any failed operation.
	ErrGeneric ErrorKind = iota

	// ErrConnectionRefused is a failed dial.
	ErrConnectionRefused

	// ErrDisconnected is a connection closed by the peer.
	ErrDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case ErrGeneric:
		return "Generic"
	case ErrConnectionRefused:
		return "ConnectionRefused"
	case ErrDisconnected:
		return "Disconnected"
	}
	return fmt.Sprintf("[Unknown ErrorKind: %d]", int(k))
}

// Status is the state of a Session.  The zero value is NotConnected.
// Statuses are ordered by level, see Compare.
type Status struct {
	kind    Kind
	level   int
	errKind ErrorKind
	message string
}

// StatusOf returns the status of a kind that carries no parameter.  It
// panics for Reset, Error and Aborted, which have their own constructors.
func StatusOf(k Kind) Status {
	lvl, ok := k.fixedLevel()
	if !ok {
		panic(fmt.Sprintf("BUG: session: StatusOf(%v) needs a parameter", k))
	}
	return Status{kind: k, level: lvl}
}

// ResetTo returns the Reset status at level.
func ResetTo(level int) Status {
	return Status{kind: Reset, level: level}
}

// Failed returns a generic Error interrupting level.
func Failed(level int, message string) Status {
	return Status{kind: Error, level: level, errKind: ErrGeneric, message: message}
}

// ConnectionRefused returns the Error for a failed dial.
func ConnectionRefused(message string) Status {
	return Status{kind: Error, level: 1, errKind: ErrConnectionRefused, message: message}
}

// Disconnected returns the Error for a connection lost at level.
func Disconnected(level int, message string) Status {
	return Status{kind: Error, level: level, errKind: ErrDisconnected, message: message}
}

// AbortedWith returns the terminal Aborted status.
func AbortedWith(message string) Status {
	return Status{kind: Aborted, level: math.MaxInt, message: message}
}

// Kind returns the tag of the status.
func (s Status) Kind() Kind {
	return s.kind
}

// Level returns the position of the status in the connection sequence.
func (s Status) Level() int {
	return s.level
}

// ErrorKind returns the refinement of an Error status.  It is ErrGeneric
// for every other kind.
func (s Status) ErrorKind() ErrorKind {
	return s.errKind
}

// Message returns the message of an Error or Aborted status.
func (s Status) Message() string {
	return s.message
}

// IsError returns true for Error statuses.
func (s Status) IsError() bool {
	return s.kind == Error
}

// Is returns true if s has kind k.
func (s Status) Is(k Kind) bool {
	return s.kind == k
}

func (s Status) String() string {
	switch s.kind {
	case Reset:
		return fmt.Sprintf("Reset(%d)", s.level)
	case Error:
		return fmt.Sprintf("Error.%v(%d): %s", s.errKind, s.level, s.message)
	case Aborted:
		return fmt.Sprintf("Aborted: %s", s.message)
	}
	return s.kind.String()
}

// Compare orders statuses by level.  It returns -1, 0 or 1.
func Compare(a, b Status) int {
	switch {
	case a.level < b.level:
		return -1
	case a.level > b.level:
		return 1
	}
	return 0
}

// Before returns true if a is earlier in the sequence than b.
func Before(a, b Status) bool {
	return Compare(a, b) < 0
}

// AtLeast returns true if a is not earlier in the sequence than b.
func AtLeast(a, b Status) bool {
	return Compare(a, b) >= 0
}

// After returns true if a is later in the sequence than b.
func After(a, b Status) bool {
	return Compare(a, b) > 0
}
