// Package native describes the raw calling convention shared by the engine
// and the typed bridge: buffers travel as (address, length) pairs, completion
// handles as opaque tokens, and outcomes as engine status codes.
package native

import (
	"strconv"
	"unsafe"
)

// Status is the engine-defined outcome of an operation.
type Status uint32

const (
	StatusOK          Status = 0 // Success, the accompanying buffer is valid
	StatusPending     Status = 1 // Completion will be delivered through the callback
	StatusNotFound    Status = 2
	StatusOutOfMemory Status = 3
	StatusIOError     Status = 4
	StatusCorruption  Status = 5
	StatusAborted     Status = 6
)

var statusNames = [...]string{
	StatusOK:          "OK",
	StatusPending:     "PENDING",
	StatusNotFound:    "NOT_FOUND",
	StatusOutOfMemory: "OUT_OF_MEMORY",
	StatusIOError:     "IO_ERROR",
	StatusCorruption:  "CORRUPTION",
	StatusAborted:     "ABORTED",
}

// OK reports whether the status carries a valid buffer.
func (s Status) OK() bool { return s == StatusOK }

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "STATUS(" + strconv.FormatUint(uint64(s), 10) + ")"
}

// Raw is a contiguous byte region described by its address and length.
// Who may release it depends on which side of the boundary produced it.
type Raw struct {
	Addr unsafe.Pointer
	Len  uint64
}

// RawOf describes the bytes of b. An empty slice yields a nil Raw.
func RawOf(b []byte) Raw {
	if len(b) == 0 {
		return Raw{}
	}
	return Raw{Addr: unsafe.Pointer(unsafe.SliceData(b)), Len: uint64(len(b))}
}

// IsNil reports whether r points at nothing.
func (r Raw) IsNil() bool { return r.Addr == nil }

// Bytes returns a slice aliasing the region. No copy is made.
func (r Raw) Bytes() []byte {
	if r.Addr == nil || r.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(r.Addr), int(r.Len))
}

// Token is an opaque completion handle passed through the engine untouched.
type Token uintptr

// ReadCallback is invoked exactly once per pending read. value is only valid
// for the duration of the call and only when status is StatusOK.
type ReadCallback func(handle Token, value Raw, status Status)

// RMWCallback merges the current value with a modification. Both inputs are
// borrowed for the duration of the call. The returned region is owned by the
// engine from the moment the callback returns; a nil Raw means no result.
type RMWCallback func(current, modification Raw) Raw
