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
	"time"

	"github.com/rs/zerolog"

	"github.com/dswarbrick/go-upcie/errs"
	"github.com/dswarbrick/go-upcie/hostmem"
	"github.com/dswarbrick/go-upcie/mmio"
	"github.com/dswarbrick/go-upcie/pci"
)

// AdminQueueDepth is the fixed depth of the admin submission/completion
// queue pair this driver sets up during Open.
const AdminQueueDepth = 256

// numQueueIDs is the full NVMe 16-bit queue-id space; qid 0 is reserved
// for the admin queue pair, so I/O qids run 1..numQueueIDs-1.
const numQueueIDs = 1 << 16

// qidWords sizes a 65,536-bit bitmap, one bit per queue id.
const qidWords = numQueueIDs / 64

// qidBitmap is a bit-per-qid allocation bitmap covering the full 16-bit
// queue-id space.
type qidBitmap [qidWords]uint64

func (b *qidBitmap) test(qid uint16) bool {
	return b[qid/64]&(uint64(1)<<(qid%64)) != 0
}

func (b *qidBitmap) set(qid uint16) {
	b[qid/64] |= uint64(1) << (qid % 64)
}

func (b *qidBitmap) clear(qid uint16) {
	b[qid/64] &^= uint64(1) << (qid % 64)
}

// Controller owns one open NVMe PCIe function: its BAR0 mapping, DMA
// memory heap, admin queue pair, and the set of I/O queue pairs created
// against it.
type Controller struct {
	fn   *pci.Function
	bar0 mmio.Region
	heap *hostmem.DmaHeap
	cap  CAP

	admin       *QueuePair
	timeout     time.Duration
	scratch     hostmem.VirtAddr
	scratchPhys hostmem.PhysAddr

	ioQidInUse qidBitmap
	ioQueues   map[uint16]*QueuePair

	logger  zerolog.Logger
	metrics *Metrics
}

// Open claims the PCIe function at bdf, maps BAR0, brings the controller
// through the disable/configure/enable handshake, and sets up its admin
// queue pair. The returned Controller owns everything it allocated; call
// Close to release it.
func Open(bdf string, memCfg hostmem.Config, opts ...Option) (*Controller, error) {
	const op = "nvme.Open"

	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}

	var fn *pci.Function
	var err error
	if o.sysfsRoot != "" {
		fn, err = pci.OpenAt(o.sysfsRoot, bdf)
	} else {
		fn, err = pci.Open(bdf)
	}
	if err != nil {
		return nil, err
	}

	bar0, err := fn.BarMap(0)
	if err != nil {
		fn.Close()
		return nil, err
	}

	capReg := ReadCAP(bar0)
	timeout := time.Duration(capReg.TimeoutMillis()) * time.Millisecond
	if timeout == 0 {
		timeout = 500 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	o.logger.Debug().Str("bdf", bdf).Uint8("mqes", uint8(capReg.MQES())).Msg("disabling controller")
	Disable(bar0)
	if err := WaitUntilNotReady(ctx, bar0, timeout); err != nil {
		fn.Close()
		return nil, err
	}

	chunkSize, err := hostmem.SystemHugepageSize()
	if err != nil {
		fn.Close()
		return nil, err
	}
	heap, err := hostmem.NewDmaHeap(memCfg, chunkSize)
	if err != nil {
		fn.Close()
		return nil, err
	}

	c := &Controller{
		fn:       fn,
		bar0:     bar0,
		heap:     heap,
		cap:      capReg,
		timeout:  timeout,
		ioQueues: make(map[uint16]*QueuePair),
		logger:   o.logger,
		metrics:  o.metrics,
	}
	c.ioQidInUse.set(0) // qid 0 is the admin queue pair, never handed out

	scratchV, err := heap.AllocContiguous(PageSize)
	if err != nil {
		c.teardown()
		return nil, err
	}
	scratchP, err := heap.VirtToPhys(scratchV)
	if err != nil {
		c.teardown()
		return nil, err
	}
	c.scratch = scratchV
	c.scratchPhys = scratchP

	if err := c.setupAdminQueuePair(bar0); err != nil {
		c.teardown()
		return nil, err
	}

	cc := ReadCC(bar0).
		WithMPS(0).
		WithAMS(0).
		WithSHN(0).
		WithCSS(0).
		WithIOSQES(6).
		WithIOCQES(4)
	WriteCC(bar0, cc)
	Enable(bar0)

	ctx2, cancel2 := context.WithTimeout(context.Background(), timeout)
	defer cancel2()
	if err := WaitUntilReady(ctx2, bar0, timeout); err != nil {
		c.teardown()
		return nil, err
	}

	o.logger.Debug().Str("bdf", bdf).Msg("controller enabled")
	return c, nil
}

func (c *Controller) setupAdminQueuePair(bar0 mmio.Region) error {
	const op = "nvme.Controller.setupAdminQueuePair"

	sqSize := uintptr(AdminQueueDepth) * CommandLen
	cqSize := uintptr(AdminQueueDepth) * CompletionLen

	sqV, err := c.heap.AllocContiguous(sqSize)
	if err != nil {
		return err
	}
	cqV, err := c.heap.AllocContiguous(cqSize)
	if err != nil {
		return err
	}
	sqP, err := c.heap.VirtToPhys(sqV)
	if err != nil {
		return err
	}
	cqP, err := c.heap.VirtToPhys(cqV)
	if err != nil {
		return err
	}

	SetupAdminQueues(bar0, uint64(sqP), uint64(cqP), AdminQueueDepth)

	qp, err := NewQueuePair(0, bar0, c.cap.DSTRD(), AdminQueueDepth, AdminQueueDepth,
		c.heap.Bytes(sqV, int(sqSize)), c.heap.Bytes(cqV, int(cqSize)), sqP, cqP, AdminQueueDepth)
	if err != nil {
		return errs.New(op, errs.IoError, err)
	}
	qp.SetMetrics(c.metrics)
	c.admin = qp
	return nil
}

// AdminSubmitSync submits an admin command and waits for its completion,
// using the controller's configured timeout.
func (c *Controller) AdminSubmitSync(ctx context.Context, cmd Command) (Completion, error) {
	return c.admin.SubmitSync(ctx, cmd, c.timeout)
}

// ScratchBuffer returns the controller's 4 KiB admin scratch buffer and its
// physical address, for admin commands (Identify, Get Log Page) that need
// a data pointer.
func (c *Controller) ScratchBuffer() ([]byte, hostmem.PhysAddr) {
	return c.heap.Bytes(c.scratch, PageSize), c.scratchPhys
}

// CreateIOQueuePair allocates a free qid and brings up an I/O completion
// queue followed by an I/O submission queue against it, per the NVMe
// admin command ordering requirement. On any failure after the qid is
// reserved, the qid is released before returning.
func (c *Controller) CreateIOQueuePair(ctx context.Context, sqDepth, cqDepth uint16) (*QueuePair, error) {
	const op = "nvme.Controller.CreateIOQueuePair"

	qid, err := c.allocQid()
	if err != nil {
		return nil, err
	}

	sqSize := uintptr(sqDepth) * CommandLen
	cqSize := uintptr(cqDepth) * CompletionLen

	sqV, err := c.heap.AllocContiguous(sqSize)
	if err != nil {
		c.releaseQid(qid)
		return nil, err
	}
	cqV, err := c.heap.AllocContiguous(cqSize)
	if err != nil {
		c.heap.Free(sqV)
		c.releaseQid(qid)
		return nil, err
	}
	sqP, err := c.heap.VirtToPhys(sqV)
	if err != nil {
		c.releaseQid(qid)
		return nil, err
	}
	cqP, err := c.heap.VirtToPhys(cqV)
	if err != nil {
		c.releaseQid(qid)
		return nil, err
	}

	qp, err := NewQueuePair(qid, c.bar0, c.cap.DSTRD(), sqDepth, cqDepth,
		c.heap.Bytes(sqV, int(sqSize)), c.heap.Bytes(cqV, int(cqSize)), sqP, cqP, int(sqDepth))
	if err != nil {
		c.releaseQid(qid)
		return nil, err
	}
	qp.SetMetrics(c.metrics)

	cqCmd := Command{
		Opcode: OpCreateIOCompletionQueue,
		Prp1:   uint64(cqP),
		Cdw10:  uint32(cqDepth-1)<<16 | uint32(qid),
		Cdw11:  0x1, // physically contiguous, interrupts disabled (polled)
	}
	if _, err := c.AdminSubmitSync(ctx, cqCmd); err != nil {
		c.releaseQid(qid)
		return nil, errs.New(op, errs.IoError, err)
	}

	sqCmd := Command{
		Opcode: OpCreateIOSubmissionQueue,
		Prp1:   uint64(sqP),
		Cdw10:  uint32(sqDepth-1)<<16 | uint32(qid),
		Cdw11:  uint32(qid)<<16 | 0x1, // CQID=qid, physically contiguous
	}
	if _, err := c.AdminSubmitSync(ctx, sqCmd); err != nil {
		c.releaseQid(qid)
		return nil, errs.New(op, errs.IoError, err)
	}

	c.ioQueues[qid] = qp
	return qp, nil
}

func (c *Controller) allocQid() (uint16, error) {
	const op = "nvme.Controller.allocQid"
	for i := 1; i < numQueueIDs; i++ {
		qid := uint16(i)
		if !c.ioQidInUse.test(qid) {
			c.ioQidInUse.set(qid)
			return qid, nil
		}
	}
	return 0, errs.New(op, errs.OutOfResources, fmt.Errorf("no free I/O queue ids"))
}

func (c *Controller) releaseQid(qid uint16) {
	c.ioQidInUse.clear(qid)
	delete(c.ioQueues, qid)
}

// Close releases every resource the Controller owns: I/O queue pairs, the
// admin queue pair, the scratch buffer, the DMA heap, and the PCIe
// function, in reverse construction order.
func (c *Controller) Close() error {
	c.teardown()
	return nil
}

func (c *Controller) teardown() {
	for qid := range c.ioQueues {
		delete(c.ioQueues, qid)
	}
	if c.heap != nil {
		c.heap.Close()
	}
	if c.fn != nil {
		c.fn.Close()
	}
}
