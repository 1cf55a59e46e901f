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

package nvme_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dswarbrick/go-upcie/nvme"
)

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	cmd := nvme.Command{
		Opcode: nvme.OpIdentify,
		Fuse:   0,
		Cid:    0x1234,
		Nsid:   7,
		Prp1:   0xdeadbeefcafe,
		Prp2:   0x1122334455,
		Cdw10:  1,
		Cdw11:  2,
		Cdw12:  3,
		Cdw13:  4,
		Cdw14:  5,
		Cdw15:  6,
	}

	var buf [nvme.CommandLen]byte
	cmd.Encode(buf[:])

	got := nvme.DecodeCommand(buf[:])
	assert.Equal(t, cmd, got)
}

func TestCompletionDecodesPhaseAndStatus(t *testing.T) {
	buf := make([]byte, nvme.CompletionLen)
	// status word: SCT=1, SC=2, phase=1 -> bits: phase(0)=1, SC(1-8)=2, SCT(9-11)=1
	status := uint16(1) | uint16(2)<<1 | uint16(1)<<9
	buf[14] = byte(status)
	buf[15] = byte(status >> 8)
	buf[12] = 0x34
	buf[13] = 0x12

	cpl := nvme.DecodeCompletion(buf)
	assert.True(t, cpl.Phase())
	assert.Equal(t, uint8(2), cpl.SC())
	assert.Equal(t, uint8(1), cpl.SCT())
	assert.False(t, cpl.Success())
	assert.Equal(t, uint16(0x1234), cpl.CID)
}

func TestCompletionSuccess(t *testing.T) {
	buf := make([]byte, nvme.CompletionLen)
	cpl := nvme.DecodeCompletion(buf)
	assert.True(t, cpl.Success())
	assert.False(t, cpl.Phase())
}
