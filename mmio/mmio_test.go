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

package mmio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dswarbrick/go-upcie/mmio"
)

func TestReadWrite32(t *testing.T) {
	buf := make([]byte, 64)
	r := mmio.New(buf)

	r.Write32(0x14, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), r.Read32(0x14))
	// Unrelated offsets are untouched.
	assert.Equal(t, uint32(0), r.Read32(0x00))
}

func TestReadWrite64LowThenHigh(t *testing.T) {
	buf := make([]byte, 64)
	r := mmio.New(buf)

	r.Write64(0x28, 0x1122334455667788)
	assert.Equal(t, uint32(0x55667788), r.Read32(0x28))
	assert.Equal(t, uint32(0x11223344), r.Read32(0x2c))
	assert.Equal(t, uint64(0x1122334455667788), r.Read64(0x28))
}

func TestOutOfRangeOffsetPanics(t *testing.T) {
	r := mmio.New(make([]byte, 8))
	assert.Panics(t, func() { r.Read32(8) })
}

func TestZeroRegionIsInvalid(t *testing.T) {
	var r mmio.Region
	assert.False(t, r.Valid())
	assert.Equal(t, 0, r.Len())
}
