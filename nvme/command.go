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

import "encoding/binary"

// Admin command opcodes used by this driver.
const (
	OpDeleteIOSubmissionQueue = 0x00
	OpCreateIOSubmissionQueue = 0x01
	OpDeleteIOCompletionQueue = 0x04
	OpCreateIOCompletionQueue = 0x05
	OpIdentify                = 0x06
	OpGetLogPage              = 0x02
)

// CommandLen is the fixed size in bytes of an NVMe submission queue entry.
const CommandLen = 64

// Command is one 64-byte submission queue entry. Fields are laid out at
// the fixed offsets mandated by the NVMe specification; Encode writes
// them little-endian into an SQ slot.
type Command struct {
	Opcode   uint8
	Fuse     uint8
	Cid      uint16
	Nsid     uint32
	Metadata uint64
	Prp1     uint64
	Prp2     uint64
	Cdw10    uint32
	Cdw11    uint32
	Cdw12    uint32
	Cdw13    uint32
	Cdw14    uint32
	Cdw15    uint32
}

// Encode marshals c into dst, which must be CommandLen bytes long,
// matching the wire layout: opcode(1) fuse(1) cid(2) nsid(4) reserved(8)
// metadata(8) prp1(8) prp2(8) cdw10..cdw15(4 each).
func (c Command) Encode(dst []byte) {
	_ = dst[CommandLen-1] // bounds check hint
	dst[0] = c.Opcode
	dst[1] = c.Fuse
	binary.LittleEndian.PutUint16(dst[2:4], c.Cid)
	binary.LittleEndian.PutUint32(dst[4:8], c.Nsid)
	// dst[8:16] reserved, left as-is by the caller's zeroed SQ slot.
	binary.LittleEndian.PutUint64(dst[16:24], c.Metadata)
	binary.LittleEndian.PutUint64(dst[24:32], c.Prp1)
	binary.LittleEndian.PutUint64(dst[32:40], c.Prp2)
	binary.LittleEndian.PutUint32(dst[40:44], c.Cdw10)
	binary.LittleEndian.PutUint32(dst[44:48], c.Cdw11)
	binary.LittleEndian.PutUint32(dst[48:52], c.Cdw12)
	binary.LittleEndian.PutUint32(dst[52:56], c.Cdw13)
	binary.LittleEndian.PutUint32(dst[56:60], c.Cdw14)
	binary.LittleEndian.PutUint32(dst[60:64], c.Cdw15)
}

// DecodeCommand is the inverse of Encode, used by tests that need to
// inspect what was actually written to an SQ slot.
func DecodeCommand(src []byte) Command {
	_ = src[CommandLen-1]
	return Command{
		Opcode:   src[0],
		Fuse:     src[1],
		Cid:      binary.LittleEndian.Uint16(src[2:4]),
		Nsid:     binary.LittleEndian.Uint32(src[4:8]),
		Metadata: binary.LittleEndian.Uint64(src[16:24]),
		Prp1:     binary.LittleEndian.Uint64(src[24:32]),
		Prp2:     binary.LittleEndian.Uint64(src[32:40]),
		Cdw10:    binary.LittleEndian.Uint32(src[40:44]),
		Cdw11:    binary.LittleEndian.Uint32(src[44:48]),
		Cdw12:    binary.LittleEndian.Uint32(src[48:52]),
		Cdw13:    binary.LittleEndian.Uint32(src[52:56]),
		Cdw14:    binary.LittleEndian.Uint32(src[56:60]),
		Cdw15:    binary.LittleEndian.Uint32(src[60:64]),
	}
}
