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

// Package nvme implements the user-mode NVMe queue-pair protocol:
// register-level controller lifecycle, submission/completion ring
// management, command-id tracking, and PRP construction.
package nvme

import (
	"context"
	"time"

	"github.com/dswarbrick/go-upcie/errs"
	"github.com/dswarbrick/go-upcie/mmio"
)

// BAR0 register byte offsets, NVMe Base Specification figure 3.
const (
	offCAP   = 0x00
	offVS    = 0x08
	offINTMS = 0x0c
	offINTMC = 0x10
	offCC    = 0x14
	offCSTS  = 0x1c
	offAQA   = 0x24
	offASQ   = 0x28
	offACQ   = 0x30

	doorbellBase = 0x1000
)

// CAP is the 64-bit Controller Capabilities register.
type CAP uint64

// ReadCAP reads CAP from bar0.
func ReadCAP(bar0 mmio.Region) CAP { return CAP(bar0.Read64(offCAP)) }

func (c CAP) MQES() uint16   { return uint16(get64(uint64(c), 0, 16)) }
func (c CAP) CQR() bool      { return get64(uint64(c), 16, 1) != 0 }
func (c CAP) AMS() uint8     { return uint8(get64(uint64(c), 17, 2)) }
func (c CAP) TO() uint8      { return uint8(get64(uint64(c), 24, 8)) }
func (c CAP) DSTRD() uint8   { return uint8(get64(uint64(c), 32, 4)) }
func (c CAP) NSSRS() bool    { return get64(uint64(c), 36, 1) != 0 }
func (c CAP) CSS() uint8     { return uint8(get64(uint64(c), 37, 8)) }
func (c CAP) BPS() bool      { return get64(uint64(c), 45, 1) != 0 }
func (c CAP) CPS() uint8     { return uint8(get64(uint64(c), 46, 2)) }
func (c CAP) MPSMIN() uint8  { return uint8(get64(uint64(c), 48, 4)) }
func (c CAP) MPSMAX() uint8  { return uint8(get64(uint64(c), 52, 4)) }
func (c CAP) PMRS() bool     { return get64(uint64(c), 56, 1) != 0 }
func (c CAP) CMBS() bool     { return get64(uint64(c), 57, 1) != 0 }
func (c CAP) NSSS() bool     { return get64(uint64(c), 58, 1) != 0 }
func (c CAP) CRMS() uint8    { return uint8(get64(uint64(c), 59, 2)) }
func (c CAP) NSSES() bool    { return get64(uint64(c), 61, 1) != 0 }

// TimeoutMillis is CAP.TO expressed in the unit this driver standardizes
// on: CAP.TO is in 500 ms units regardless of what any given header
// happens to call the field.
func (c CAP) TimeoutMillis() uint32 { return uint32(c.TO()) * 500 }

// CC is the 32-bit Controller Configuration register.
type CC uint32

func ReadCC(bar0 mmio.Region) CC        { return CC(bar0.Read32(offCC)) }
func WriteCC(bar0 mmio.Region, cc CC)   { bar0.Write32(offCC, uint32(cc)) }

func (c CC) EN() bool       { return get32(uint32(c), 0, 1) != 0 }
func (c CC) CSS() uint8     { return uint8(get32(uint32(c), 4, 3)) }
func (c CC) MPS() uint8     { return uint8(get32(uint32(c), 7, 4)) }
func (c CC) AMS() uint8     { return uint8(get32(uint32(c), 11, 3)) }
func (c CC) SHN() uint8     { return uint8(get32(uint32(c), 14, 2)) }
func (c CC) IOSQES() uint8  { return uint8(get32(uint32(c), 16, 4)) }
func (c CC) IOCQES() uint8  { return uint8(get32(uint32(c), 20, 4)) }
func (c CC) CRIME() bool    { return get32(uint32(c), 24, 1) != 0 }

func (c CC) WithEN(v bool) CC      { return CC(set32(uint32(c), 0, 1, b2u(v))) }
func (c CC) WithCSS(v uint8) CC    { return CC(set32(uint32(c), 4, 3, uint32(v))) }
func (c CC) WithMPS(v uint8) CC    { return CC(set32(uint32(c), 7, 4, uint32(v))) }
func (c CC) WithAMS(v uint8) CC    { return CC(set32(uint32(c), 11, 3, uint32(v))) }
func (c CC) WithSHN(v uint8) CC    { return CC(set32(uint32(c), 14, 2, uint32(v))) }
func (c CC) WithIOSQES(v uint8) CC { return CC(set32(uint32(c), 16, 4, uint32(v))) }
func (c CC) WithIOCQES(v uint8) CC { return CC(set32(uint32(c), 20, 4, uint32(v))) }
func (c CC) WithCRIME(v bool) CC   { return CC(set32(uint32(c), 24, 1, b2u(v))) }

// CSTS is the 32-bit Controller Status register.
type CSTS uint32

func ReadCSTS(bar0 mmio.Region) CSTS { return CSTS(bar0.Read32(offCSTS)) }

func (c CSTS) RDY() bool   { return get32(uint32(c), 0, 1) != 0 }
func (c CSTS) CFS() bool   { return get32(uint32(c), 1, 1) != 0 }
func (c CSTS) SHST() uint8 { return uint8(get32(uint32(c), 2, 2)) }
func (c CSTS) NSSRO() bool { return get32(uint32(c), 4, 1) != 0 }
func (c CSTS) PP() bool    { return get32(uint32(c), 5, 1) != 0 }

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// Enable and Disable perform the CC.EN read-modify-write handshake,
// preserving every other CC field.
func Enable(bar0 mmio.Region)  { WriteCC(bar0, ReadCC(bar0).WithEN(true)) }
func Disable(bar0 mmio.Region) { WriteCC(bar0, ReadCC(bar0).WithEN(false)) }

const pollInterval = time.Millisecond

// WaitUntilReady polls CSTS.RDY until it reads 1, sleeping pollInterval
// between samples, or until timeout/ctx cancellation elapses.
func WaitUntilReady(ctx context.Context, bar0 mmio.Region, timeout time.Duration) error {
	return pollCSTS(ctx, bar0, timeout, true)
}

// WaitUntilNotReady is the complement: it waits for CSTS.RDY to clear.
func WaitUntilNotReady(ctx context.Context, bar0 mmio.Region, timeout time.Duration) error {
	return pollCSTS(ctx, bar0, timeout, false)
}

func pollCSTS(ctx context.Context, bar0 mmio.Region, timeout time.Duration, wantReady bool) error {
	const op = "nvme.pollCSTS"
	deadline := time.Now().Add(timeout)
	for {
		if ReadCSTS(bar0).RDY() == wantReady {
			return nil
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return errs.New(op, errs.Timeout, ctx.Err())
			default:
			}
		}
		if time.Now().After(deadline) {
			return errs.New(op, errs.Timeout, nil)
		}
		time.Sleep(pollInterval)
	}
}

// SetupAdminQueues writes ASQ, ACQ, and AQA. Callers must ensure CC.EN is
// 0 before calling; this is a controller precondition, not something
// this function can itself verify from the register state alone in a
// way that's safe to assert on (a caller mid-disable sequence has EN=0
// but CSTS.RDY may still read 1 briefly).
func SetupAdminQueues(bar0 mmio.Region, asqPhys, acqPhys uint64, entries uint16) {
	bar0.Write64(offASQ, asqPhys)
	bar0.Write64(offACQ, acqPhys)
	aqa := (uint32(entries-1) << 16) | uint32(entries-1)
	bar0.Write32(offAQA, aqa)
}

// SQTailDoorbellOffset and CQHeadDoorbellOffset compute the BAR0 byte
// offset of a queue's doorbell registers from its id and the
// controller's doorbell stride (CAP.DSTRD).
func SQTailDoorbellOffset(qid uint16, dstrd uint8) uintptr {
	return doorbellBase + uintptr(2*uint32(qid))<<(2+dstrd)
}

func CQHeadDoorbellOffset(qid uint16, dstrd uint8) uintptr {
	return doorbellBase + uintptr(2*uint32(qid)+1)<<(2+dstrd)
}
