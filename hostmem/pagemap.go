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

package hostmem

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dswarbrick/go-upcie/errs"
)

// /proc/self/pagemap entries are 8 bytes, little-endian, one per virtual
// page of the calling process. Bit 63 is the "page present" flag; bits
// 0-54 are the physical frame number. See Documentation/admin-guide/mm/
// pagemap.rst.
const (
	pagemapEntryBytes = 8
	pfnMask           = (uint64(1) << 55) - 1
	presentBit        = uint64(1) << 63
)

// resolvePhys reads /proc/self/pagemap to translate a virtual address in
// this process into a physical address. The caller must hold
// CAP_SYS_ADMIN; a permission error surfaces as errs.IoError.
//
// vaddr need not be page-aligned: the low bits within the page are
// preserved verbatim, only the frame number comes from pagemap.
func resolvePhys(vaddr VirtAddr) (PhysAddr, error) {
	const op = "hostmem.resolvePhys"

	pageSize := uintptr(unix.Getpagesize())
	pageIndex := uintptr(vaddr) / pageSize
	pageOffset := uintptr(vaddr) % pageSize

	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, errs.New(op, errs.IoError, err)
	}
	defer f.Close()

	var entry [pagemapEntryBytes]byte
	n, err := f.ReadAt(entry[:], int64(pageIndex)*pagemapEntryBytes)
	if err != nil || n != pagemapEntryBytes {
		return 0, errs.New(op, errs.IoError, fmt.Errorf("short pagemap read: %w", err))
	}

	raw := binary.LittleEndian.Uint64(entry[:])
	if raw&presentBit == 0 {
		return 0, errs.New(op, errs.NotPresent, fmt.Errorf("page at %#x not present", vaddr))
	}

	pfn := raw & pfnMask
	phys := PhysAddr(uintptr(pfn)*pageSize + pageOffset)
	return phys, nil
}
