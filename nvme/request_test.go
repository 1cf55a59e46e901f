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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/go-upcie/errs"
	"github.com/dswarbrick/go-upcie/nvme"
)

func TestRequestPoolAllocFreeReuse(t *testing.T) {
	pool, err := nvme.NewRequestPool(4)
	require.NoError(t, err)

	r1, err := pool.Alloc("a")
	require.NoError(t, err)
	r2, err := pool.Alloc("b")
	require.NoError(t, err)

	assert.Equal(t, 2, pool.Outstanding())

	pool.Free(r2)
	r3, err := pool.Alloc("c")
	require.NoError(t, err)
	assert.Equal(t, r2.CID(), r3.CID(), "freed cid should be handed back out first")

	pool.Free(r1)
	pool.Free(r3)
	assert.Equal(t, 0, pool.Outstanding())
}

func TestRequestPoolExhaustion(t *testing.T) {
	pool, err := nvme.NewRequestPool(2)
	require.NoError(t, err)

	_, err = pool.Alloc(nil)
	require.NoError(t, err)
	_, err = pool.Alloc(nil)
	require.NoError(t, err)

	_, err = pool.Alloc(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrOutOfMemory), "exhaustion must report Kind == OutOfMemory")
}

func TestRequestPoolDoubleFreePanics(t *testing.T) {
	pool, err := nvme.NewRequestPool(1)
	require.NoError(t, err)

	r, err := pool.Alloc(nil)
	require.NoError(t, err)

	pool.Free(r)
	assert.Panics(t, func() { pool.Free(r) })
}

func TestNewRequestPoolRejectsBadDepth(t *testing.T) {
	_, err := nvme.NewRequestPool(0)
	assert.Error(t, err)

	_, err = nvme.NewRequestPool(nvme.MaxOutstandingRequests + 1)
	assert.Error(t, err)
}
