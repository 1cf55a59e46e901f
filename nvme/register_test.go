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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/go-upcie/mmio"
	"github.com/dswarbrick/go-upcie/nvme"
)

func newTestBar() mmio.Region {
	return mmio.New(make([]byte, 0x2000))
}

func TestCAPFieldDecoding(t *testing.T) {
	bar0 := newTestBar()
	// MQES=255, CQR=1, AMS=0, TO=10, DSTRD=4, CSS=1(NVM command set)
	var raw uint64
	raw |= 255
	raw |= 1 << 16
	raw |= 10 << 24
	raw |= 4 << 32
	raw |= 1 << 37
	bar0.Write64(0x00, raw)

	cap := nvme.ReadCAP(bar0)
	assert.Equal(t, uint16(255), cap.MQES())
	assert.True(t, cap.CQR())
	assert.Equal(t, uint8(10), cap.TO())
	assert.Equal(t, uint32(5000), cap.TimeoutMillis())
	assert.Equal(t, uint8(4), cap.DSTRD())
}

func TestCCBuilderRoundTrip(t *testing.T) {
	bar0 := newTestBar()
	cc := nvme.CC(0).WithEN(true).WithIOSQES(6).WithIOCQES(4)
	nvme.WriteCC(bar0, cc)

	got := nvme.ReadCC(bar0)
	assert.True(t, got.EN())
	assert.Equal(t, uint8(6), got.IOSQES())
	assert.Equal(t, uint8(4), got.IOCQES())
	assert.Equal(t, uint32(0x00460001), uint32(got))
}

func TestEnableDisablePreservesOtherFields(t *testing.T) {
	bar0 := newTestBar()
	nvme.WriteCC(bar0, nvme.CC(0).WithIOSQES(6).WithIOCQES(4))

	nvme.Enable(bar0)
	cc := nvme.ReadCC(bar0)
	assert.True(t, cc.EN())
	assert.Equal(t, uint8(6), cc.IOSQES())

	nvme.Disable(bar0)
	cc = nvme.ReadCC(bar0)
	assert.False(t, cc.EN())
	assert.Equal(t, uint8(6), cc.IOSQES())
}

func TestWaitUntilReadyZeroTimeoutReturnsImmediately(t *testing.T) {
	bar0 := newTestBar()
	start := time.Now()
	err := nvme.WaitUntilReady(context.Background(), bar0, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitUntilReadySucceedsWhenRDYSet(t *testing.T) {
	bar0 := newTestBar()
	bar0.Write32(0x1c, 1) // CSTS.RDY
	err := nvme.WaitUntilReady(context.Background(), bar0, time.Second)
	assert.NoError(t, err)
}

func TestDoorbellOffsets(t *testing.T) {
	assert.Equal(t, uintptr(0x1000), nvme.SQTailDoorbellOffset(0, 0))
	assert.Equal(t, uintptr(0x1004), nvme.CQHeadDoorbellOffset(0, 0))
	assert.Equal(t, uintptr(0x1008), nvme.SQTailDoorbellOffset(1, 0))
	assert.Equal(t, uintptr(0x100c), nvme.CQHeadDoorbellOffset(1, 0))
	// DSTRD=1 doubles the stride.
	assert.Equal(t, uintptr(0x1010), nvme.SQTailDoorbellOffset(1, 1))
}
