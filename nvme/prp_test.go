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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/go-upcie/hostmem"
	"github.com/dswarbrick/go-upcie/nvme"
)

func TestBuildPRPSinglePage(t *testing.T) {
	prp1, prp2, err := nvme.BuildPRP([]hostmem.PhysAddr{0x1000}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), prp1)
	assert.Equal(t, uint64(0), prp2)
}

func TestBuildPRPTwoPages(t *testing.T) {
	prp1, prp2, err := nvme.BuildPRP([]hostmem.PhysAddr{0x1000, 0x2000}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), prp1)
	assert.Equal(t, uint64(0x2000), prp2)
}

func TestBuildPRPThreePagesUsesListPage(t *testing.T) {
	listPage := make([]byte, nvme.PageSize)
	pages := []hostmem.PhysAddr{0x1000, 0x2000, 0x3000}

	prp1, prp2, err := nvme.BuildPRP(pages, listPage, 0x9000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), prp1)
	assert.Equal(t, uint64(0x9000), prp2)

	assert.Equal(t, uint64(0x2000), binary.LittleEndian.Uint64(listPage[0:8]))
	assert.Equal(t, uint64(0x3000), binary.LittleEndian.Uint64(listPage[8:16]))
}

func TestBuildPRPRejectsChaining(t *testing.T) {
	pages := make([]hostmem.PhysAddr, nvme.MaxPRPListEntries+2)
	listPage := make([]byte, nvme.PageSize)
	_, _, err := nvme.BuildPRP(pages, listPage, 0x9000)
	assert.Error(t, err)
}

func TestBuildPRPRejectsEmpty(t *testing.T) {
	_, _, err := nvme.BuildPRP(nil, nil, 0)
	assert.Error(t, err)
}

func TestPagesForRange(t *testing.T) {
	assert.Equal(t, 1, nvme.PagesForRange(0, 100))
	assert.Equal(t, 1, nvme.PagesForRange(4000, 96))
	assert.Equal(t, 2, nvme.PagesForRange(4000, 97))
	assert.Equal(t, 0, nvme.PagesForRange(0, 0))
}
