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
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dswarbrick/go-upcie/errs"
	"github.com/dswarbrick/go-upcie/hostmem"
	"github.com/dswarbrick/go-upcie/mmio"
)

// QueuePair owns one submission/completion ring pair and the command-id
// pool backing its in-flight requests. Index 0 is the admin queue pair by
// NVMe convention; I/O queue pairs use qid 1..N.
type QueuePair struct {
	qid   uint16
	dstrd uint8
	bar0  mmio.Region

	sq      []byte
	cq      []byte
	sqPhys  hostmem.PhysAddr
	cqPhys  hostmem.PhysAddr
	sqDepth uint16
	cqDepth uint16

	sqTail      uint16
	sqTailDBVal uint16 // last tail value written to the doorbell
	cqHead      uint16
	phase       bool

	pool    *RequestPool
	metrics *Metrics
}

// NewQueuePair builds a QueuePair over caller-allocated, DMA-capable SQ and
// CQ memory. sqMem must be sqDepth*CommandLen bytes; cqMem must be
// cqDepth*CompletionLen bytes. The CQ is zeroed so every entry starts with
// phase bit 0, which never matches the phase 1 the controller writes on its
// first pass over the ring.
func NewQueuePair(qid uint16, bar0 mmio.Region, dstrd uint8, sqDepth, cqDepth uint16, sqMem, cqMem []byte, sqPhys, cqPhys hostmem.PhysAddr, poolDepth int) (*QueuePair, error) {
	const op = "nvme.NewQueuePair"

	if len(sqMem) < int(sqDepth)*CommandLen {
		return nil, errs.New(op, errs.InvalidArgument, fmt.Errorf("sq buffer too small for depth %d", sqDepth))
	}
	if len(cqMem) < int(cqDepth)*CompletionLen {
		return nil, errs.New(op, errs.InvalidArgument, fmt.Errorf("cq buffer too small for depth %d", cqDepth))
	}

	pool, err := NewRequestPool(poolDepth)
	if err != nil {
		return nil, err
	}

	for i := range cqMem {
		cqMem[i] = 0
	}

	return &QueuePair{
		qid:     qid,
		dstrd:   dstrd,
		bar0:    bar0,
		sq:      sqMem,
		cq:      cqMem,
		sqPhys:  sqPhys,
		cqPhys:  cqPhys,
		sqDepth: sqDepth,
		cqDepth: cqDepth,
		// No tail has been written yet: start from a value no real tail
		// can take, so the first RingSQDoorbell always writes.
		sqTailDBVal: 0xffff,
		phase:       true,
		pool:        pool,
	}, nil
}

// QID returns the queue pair's id (0 for the admin queue pair).
func (q *QueuePair) QID() uint16 { return q.qid }

// SetMetrics attaches instrumentation; passing nil disables it.
func (q *QueuePair) SetMetrics(m *Metrics) { q.metrics = m }

// SQPhys and CQPhys return the physical base addresses of the rings, as
// needed by Create I/O (Sub|Completion) Queue admin commands.
func (q *QueuePair) SQPhys() hostmem.PhysAddr { return q.sqPhys }
func (q *QueuePair) CQPhys() hostmem.PhysAddr { return q.cqPhys }

// Enqueue assigns cmd a command id from the pool, writes it into the next SQ
// slot, and advances the local tail pointer. It does not ring the doorbell;
// call RingSQDoorbell once the caller is ready for the controller to see it.
func (q *QueuePair) Enqueue(cmd Command, opaque interface{}) (*Request, error) {
	req, err := q.pool.Alloc(opaque)
	if err != nil {
		return nil, err
	}
	cmd.Cid = req.cid

	slot := q.sq[int(q.sqTail)*CommandLen : (int(q.sqTail)+1)*CommandLen]
	cmd.Encode(slot)

	q.sqTail++
	if q.sqTail == q.sqDepth {
		q.sqTail = 0
	}
	q.metrics.onSubmit(q.qid)
	q.metrics.setOccupancy(q.qid, q.pool.Outstanding(), q.pool.Outstanding())
	return req, nil
}

// RingSQDoorbell writes the current tail to the SQ tail doorbell, but only
// if it has changed since the last write, coalescing doorbell writes for
// back-to-back Enqueue calls.
func (q *QueuePair) RingSQDoorbell() {
	if q.sqTail == q.sqTailDBVal {
		return
	}
	off := SQTailDoorbellOffset(q.qid, q.dstrd)
	q.bar0.Write32(off, uint32(q.sqTail))
	q.sqTailDBVal = q.sqTail
}

// ReapCompletion polls the CQ head slot until its phase bit matches the
// ring's expected phase, or until timeout/ctx cancellation elapses. A zero
// timeout checks once and returns immediately without sleeping. On success
// it advances cqHead, toggles phase on wraparound, rings the CQ head
// doorbell, and frees the completed request's command id.
func (q *QueuePair) ReapCompletion(ctx context.Context, timeout time.Duration) (Completion, *Request, error) {
	const op = "nvme.QueuePair.ReapCompletion"

	deadline := time.Now().Add(timeout)
	slotOff := int(q.cqHead) * CompletionLen

	for {
		statusWord := loadStatusWord(q.cq[slotOff+12 : slotOff+16])
		phaseBit := statusWord&0x10000 != 0
		if phaseBit == q.phase {
			// Phase matched: the rest of the entry is now guaranteed
			// visible, so decode the full 16 bytes.
			cpl := DecodeCompletion(q.cq[slotOff : slotOff+CompletionLen])

			q.cqHead++
			if q.cqHead == q.cqDepth {
				q.cqHead = 0
				q.phase = !q.phase
			}
			off := CQHeadDoorbellOffset(q.qid, q.dstrd)
			q.bar0.Write32(off, uint32(q.cqHead))

			req := q.pool.Get(cpl.CID)
			var status error
			if !cpl.Success() {
				status = errs.NvmeStatusError(op, cpl.SC(), cpl.SCT())
			}
			q.pool.Free(req)
			q.metrics.onComplete(q.qid, status != nil)
			q.metrics.setOccupancy(q.qid, q.pool.Outstanding(), q.pool.Outstanding())
			return cpl, req, status
		}

		if ctx != nil {
			select {
			case <-ctx.Done():
				q.metrics.onTimeout(q.qid)
				return Completion{}, nil, errs.New(op, errs.Timeout, ctx.Err())
			default:
			}
		}
		if time.Now().After(deadline) {
			q.metrics.onTimeout(q.qid)
			return Completion{}, nil, errs.New(op, errs.Timeout, nil)
		}
		time.Sleep(pollInterval)
	}
}

// loadStatusWord atomically loads the CQE's last 4 bytes (cid in the low
// 16 bits, status in the high 16, little-endian), which is the read barrier
// a driver needs before trusting the phase bit it carries: once this load
// observes the flipped phase, every earlier byte of the entry is guaranteed
// visible too.
func loadStatusWord(b []byte) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))
}

// SubmitSync submits cmd and blocks until its completion arrives, or until
// timeout/ctx elapses. Once the command's completion is reaped, its id slot
// is freed before returning, even when the controller reports a non-zero
// status. On timeout or cancellation the id stays allocated.
func (q *QueuePair) SubmitSync(ctx context.Context, cmd Command, timeout time.Duration) (Completion, error) {
	req, err := q.Enqueue(cmd, nil)
	if err != nil {
		return Completion{}, err
	}
	q.RingSQDoorbell()

	for {
		cpl, done, err := q.ReapCompletion(ctx, timeout)
		if err != nil {
			return Completion{}, err
		}
		if done.cid == req.cid {
			return cpl, nil
		}
		// A different request completed first; this queue pair is used
		// synchronously by callers that only ever have one request in
		// flight, so this path is not expected to be hit in practice.
	}
}
