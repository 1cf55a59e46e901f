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

// CompletionLen is the fixed size in bytes of an NVMe completion queue entry.
const CompletionLen = 16

// Completion is one 16-byte completion queue entry.
type Completion struct {
	DW0    uint32
	DW1    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16 // phase bit in bit 0, SC in bits 1-8, SCT in bits 9-11
}

// DecodeCompletion unmarshals a CQ slot. src must be CompletionLen bytes.
func DecodeCompletion(src []byte) Completion {
	_ = src[CompletionLen-1]
	return Completion{
		DW0:    binary.LittleEndian.Uint32(src[0:4]),
		DW1:    binary.LittleEndian.Uint32(src[4:8]),
		SQHead: binary.LittleEndian.Uint16(src[8:10]),
		SQID:   binary.LittleEndian.Uint16(src[10:12]),
		CID:    binary.LittleEndian.Uint16(src[12:14]),
		Status: binary.LittleEndian.Uint16(src[14:16]),
	}
}

// Phase returns the entry's phase tag bit.
func (c Completion) Phase() bool { return c.Status&0x1 != 0 }

// SC is the completion's Status Code.
func (c Completion) SC() uint8 { return uint8((c.Status >> 1) & 0xff) }

// SCT is the completion's Status Code Type.
func (c Completion) SCT() uint8 { return uint8((c.Status >> 9) & 0x7) }

// Success reports whether both SC and SCT are zero.
func (c Completion) Success() bool { return c.SC() == 0 && c.SCT() == 0 }
