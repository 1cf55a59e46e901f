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

package nvme

import (
	"fmt"

	"github.com/dswarbrick/go-upcie/errs"
)

// MaxOutstandingRequests bounds how many commands a single queue pair may
// have in flight at once; command ids are drawn from this range.
const MaxOutstandingRequests = 1024

// Request tracks one outstanding command: the cid the controller will echo
// back in its completion, and whatever context the caller needs to resume
// when that completion arrives.
type Request struct {
	cid      uint16
	opaque   interface{}
	prpPage  VirtAddrOrZero
	prpPhys  uint64
}

// VirtAddrOrZero avoids importing hostmem into nvme for a single scalar;
// it is a plain virtual address, 0 meaning "no PRP list page attached".
type VirtAddrOrZero uintptr

// CID returns the command id assigned to this request.
func (r *Request) CID() uint16 { return r.cid }

// Opaque returns the caller-supplied value passed to Alloc.
func (r *Request) Opaque() interface{} { return r.opaque }

// RequestPool hands out command ids from a fixed range, backed by a
// stack-based free list so reuse favors the most recently freed id (a
// cache-hot index). Double frees are not tracked per cid: a double free
// pushes the same cid onto the stack twice, so two later allocations can
// hand out the same cid. Free's push-time bound check only catches a push
// onto an already full stack.
type RequestPool struct {
	reqs  []Request
	stack []uint16 // free cids
	top   int
}

// NewRequestPool builds a pool with the given depth (1..MaxOutstandingRequests).
func NewRequestPool(depth int) (*RequestPool, error) {
	const op = "nvme.NewRequestPool"
	if depth <= 0 || depth > MaxOutstandingRequests {
		return nil, errs.New(op, errs.InvalidArgument, fmt.Errorf("depth %d out of range", depth))
	}

	p := &RequestPool{
		reqs:  make([]Request, depth),
		stack: make([]uint16, depth),
	}
	for i := 0; i < depth; i++ {
		p.reqs[i].cid = uint16(i)
		p.stack[i] = uint16(depth - 1 - i)
	}
	p.top = depth
	return p, nil
}

// Alloc pops a free cid and associates it with opaque, returning the Request.
func (p *RequestPool) Alloc(opaque interface{}) (*Request, error) {
	const op = "nvme.RequestPool.Alloc"
	if p.top == 0 {
		return nil, errs.New(op, errs.OutOfMemory, fmt.Errorf("no free command ids"))
	}
	p.top--
	cid := p.stack[p.top]
	r := &p.reqs[cid]
	r.opaque = opaque
	r.prpPage = 0
	r.prpPhys = 0
	return r, nil
}

// Free returns req's cid to the free list. Freeing a request not currently
// on loan is a programming error. Free panics when the free list is already
// full (no request on loan); a double free while other requests are still
// on loan is not detected.
func (p *RequestPool) Free(req *Request) {
	if p.top >= len(p.stack) {
		panic("nvme: RequestPool double free")
	}
	req.opaque = nil
	p.stack[p.top] = req.cid
	p.top++
}

// Get returns the Request currently bound to cid, for completion handling.
func (p *RequestPool) Get(cid uint16) *Request {
	return &p.reqs[cid]
}

// Outstanding reports how many requests are currently on loan.
func (p *RequestPool) Outstanding() int { return len(p.stack) - p.top }

// Depth returns the pool's total capacity.
func (p *RequestPool) Depth() int { return len(p.reqs) }
