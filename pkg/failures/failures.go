// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package failures classifies the errors of the resource-acquisition pipeline.
//
// Lower layers return an *Error of a given Kind, wrapping the backend (or filesystem) error that caused it.
// Only the program builder turns some kinds (CacheCorrupt, CachePersist) into non-fatal fallbacks.
//
// Outcomes that are not errors are not represented here: a platform or device that doesn't conform is simply
// filtered out, a cache miss is reported by a boolean, and "no resource selected" is the ok == false of
// execution.Acquire.
package failures

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind of failure.
type Kind int

const (
	// Enumeration means the backend failed to list platforms or devices. Fatal.
	Enumeration Kind = iota + 1

	// ContextCreation means the backend rejected a (platform, devices) combination. Fatal.
	ContextCreation

	// CacheCorrupt means cached binaries were read but rejected by the backend. Downgraded to a source build.
	CacheCorrupt

	// CachePersist means freshly compiled binaries could not be stored. Logged only.
	CachePersist

	// SourceRead means a program source could not be read. Fatal, before any compilation.
	SourceRead

	// Build means the program failed to compile for at least one device. Fatal.
	Build

	// KernelCreation means an entry point could not be resolved in a built program. Fatal.
	KernelCreation
)

var kindNames = map[Kind]string{
	Enumeration:     "EnumerationError",
	ContextCreation: "ContextCreationError",
	CacheCorrupt:    "CacheCorrupt",
	CachePersist:    "CachePersistError",
	SourceRead:      "SourceReadError",
	Build:           "BuildFailure",
	KernelCreation:  "KernelCreationError",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsFatal returns whether a failure of this kind aborts the pipeline.
func (k Kind) IsFatal() bool {
	return k != CacheCorrupt && k != CachePersist
}

// Error is a failure of a given Kind, in a given stage, optionally for a given device.
type Error struct {
	Kind Kind

	// Stage is the operation that failed, e.g.: "enumerate platforms".
	Stage string

	// Device describes the device involved, if any.
	Device string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Stage != "" {
		sb.WriteString(" in ")
		sb.WriteString(e.Stage)
	}
	if e.Device != "" {
		sb.WriteString(" for device ")
		sb.WriteString(e.Device)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind. The stage is formatted with fmt.Sprintf.
// The cause err can be nil.
func New(kind Kind, err error, stageFormat string, args ...any) error {
	return &Error{
		Kind:  kind,
		Stage: fmt.Sprintf(stageFormat, args...),
		Err:   err,
	}
}

// ForDevice returns an *Error of the given kind for the given device.
func ForDevice(kind Kind, err error, device string, stageFormat string, args ...any) error {
	return &Error{
		Kind:   kind,
		Stage:  fmt.Sprintf(stageFormat, args...),
		Device: device,
		Err:    err,
	}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is returns whether there is an *Error of the given kind in err's chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
