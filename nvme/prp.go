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
	"encoding/binary"
	"fmt"

	"github.com/dswarbrick/go-upcie/errs"
	"github.com/dswarbrick/go-upcie/hostmem"
)

// PageSize is the host memory page size NVMe PRPs are built against. This
// driver only ever configures CC.MPS for 4 KiB pages.
const PageSize = 4096

// MaxPRPListEntries is how many 8-byte PRP entries fit in one list page
// (the last entry chains to another list page, which this driver does not
// support, so one list page is the hard ceiling).
const MaxPRPListEntries = PageSize / 8

// BuildPRP computes PRP1/PRP2 for a buffer given its physical pages, per
// the NVMe base specification's three cases:
//
//   - one page:  PRP1 = page[0], PRP2 = 0
//   - two pages: PRP1 = page[0], PRP2 = page[1]
//   - N>=3 pages: PRP1 = page[0], PRP2 = physical address of a PRP list page
//     populated with page[1..N-1]; the caller supplies that list page via
//     listPage/listPagePhys, which must be at least (N-1)*8 bytes.
//
// pages holds the physical address of the start of each page the buffer
// spans, in order. The pages need not be physically contiguous with each
// other; BuildPRP copies the entries as given and does not check their
// spacing or alignment.
func BuildPRP(pages []hostmem.PhysAddr, listPage []byte, listPagePhys hostmem.PhysAddr) (prp1, prp2 uint64, err error) {
	const op = "nvme.BuildPRP"

	switch {
	case len(pages) == 0:
		return 0, 0, errs.New(op, errs.InvalidArgument, fmt.Errorf("no pages"))
	case len(pages) == 1:
		return uint64(pages[0]), 0, nil
	case len(pages) == 2:
		return uint64(pages[0]), uint64(pages[1]), nil
	case len(pages)-1 > MaxPRPListEntries:
		return 0, 0, errs.New(op, errs.InvalidArgument, fmt.Errorf("%d pages exceeds single PRP list page capacity (chaining unsupported)", len(pages)))
	default:
		needed := (len(pages) - 1) * 8
		if len(listPage) < needed {
			return 0, 0, errs.New(op, errs.InvalidArgument, fmt.Errorf("list page too small: need %d bytes, have %d", needed, len(listPage)))
		}
		for i, p := range pages[1:] {
			binary.LittleEndian.PutUint64(listPage[i*8:i*8+8], uint64(p))
		}
		return uint64(pages[0]), uint64(listPagePhys), nil
	}
}

// PagesForRange returns the number of PageSize pages a buffer of length n
// starting at an arbitrary in-page offset spans.
func PagesForRange(offset, n uintptr) int {
	if n == 0 {
		return 0
	}
	last := offset + n - 1
	return int(last/PageSize) - int(offset/PageSize) + 1
}
