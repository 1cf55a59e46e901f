// Copyright 2017-2022 Daniel Swarbrick. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the typed failure taxonomy shared by every
// subsystem of the driver, so callers can distinguish "bad argument" from
// "device is gone" from "out of DMA memory" with errors.As instead of
// string matching.
package errs

import "fmt"

// Kind discriminates the category of a driver error. Operations in this
// module return errors whose chain contains an *Error, classifiable via
// errors.As. Some operations wrap a lower layer's *Error in their own, so a
// chain may hold more than one; errors.As returns the outermost.
type Kind int

const (
	// InvalidArgument marks a malformed caller input: a bad BDF string,
	// a size that isn't a hugepage multiple, an unknown backend name, a
	// cid outside the pool's range.
	InvalidArgument Kind = iota
	// OutOfMemory marks exhaustion of a fixed-size pool: no free heap
	// block, no free command id, a failed LUT allocation.
	OutOfMemory
	// OutOfResources marks exhaustion of a resource other than memory,
	// namely the 16-bit I/O queue-id space.
	OutOfResources
	// IoError wraps a failing syscall: open, mmap, mlock, ftruncate,
	// read, ioctl. The wrapped cause is usually the underlying errno; it
	// can also be a descriptive error or another *Error from a lower
	// layer.
	IoError
	// NotPresent marks a pagemap entry whose present bit is clear.
	NotPresent
	// Timeout marks a busy-wait poll (CSTS.RDY, completion reap) that
	// exceeded its budget, or a cancelled context.
	Timeout
	// NvmeStatus marks a completion queue entry with a non-zero status
	// code; SC and SCT are attached.
	NvmeStatus
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case OutOfMemory:
		return "out of memory"
	case OutOfResources:
		return "out of resources"
	case IoError:
		return "i/o error"
	case NotPresent:
		return "not present"
	case Timeout:
		return "timeout"
	case NvmeStatus:
		return "nvme status error"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned by this module. Op names the
// failing operation (e.g. "hostmem.Alloc", "nvme.QueuePair.ReapCompletion") so
// a log line is useful without needing to unwind a stack trace.
type Error struct {
	Kind Kind
	Op   string
	Err  error // underlying cause, may be nil

	// SC and SCT are populated only when Kind == NvmeStatus.
	SC  uint8
	SCT uint8
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.ErrTimeout) work by comparing against a bare
// Kind sentinel wrapped in an *Error with no Op/Err set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error for the given op/kind, optionally wrapping err.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// NvmeStatusError constructs an *Error carrying the NVMe SC/SCT fields
// decoded from a completion entry's status word.
func NvmeStatusError(op string, sc, sct uint8) *Error {
	return &Error{Op: op, Kind: NvmeStatus, SC: sc, SCT: sct,
		Err: fmt.Errorf("sc=%#02x sct=%#02x", sc, sct)}
}

// Sentinel kinds for errors.Is(err, errs.ErrTimeout) style comparisons.
var (
	ErrInvalidArgument = &Error{Kind: InvalidArgument}
	ErrOutOfMemory     = &Error{Kind: OutOfMemory}
	ErrOutOfResources  = &Error{Kind: OutOfResources}
	ErrIoError         = &Error{Kind: IoError}
	ErrNotPresent      = &Error{Kind: NotPresent}
	ErrTimeout         = &Error{Kind: Timeout}
	ErrNvmeStatus      = &Error{Kind: NvmeStatus}
)
