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
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dswarbrick/go-upcie/errs"
)

// memfd_create(2) flags. golang.org/x/sys/unix does not expose the
// MFD_HUGETLB family on every platform it vendors constants for, so they
// are reproduced here from <linux/memfd.h>.
const (
	mfdCloexec  = 0x0001
	mfdHugetlb  = 0x0004
	mfdHugeShift = 26
	mfdHuge2MB  = uint(21) << mfdHugeShift
	mfdHuge1GB  = uint(30) << mfdHugeShift

	sizeMiB = uintptr(1) << 20
	sizeGiB = uintptr(1) << 30
)

// Hugepage is a pinned, physically-resolved region of hugepage-backed
// shared memory. Once constructed, Base and Phys are stable until Free.
type Hugepage struct {
	fd        int
	mem       []byte
	size      uintptr // total mapped size, a multiple of chunkSize
	chunkSize uintptr // the system hugepage size this region is built from
	phys      PhysAddr
	path      string
	backend   Backend
}

var hugetlbfsSeq uint64

// SystemHugepageSize is the exported form of systemHugepageSize, for
// callers that need to size a region as a multiple of the system's
// hugepage size before calling Alloc.
func SystemHugepageSize() (uintptr, error) { return systemHugepageSize() }

// systemHugepageSize parses /proc/meminfo's "Hugepagesize:" line (in kB)
// and rejects anything other than the two sizes the NVMe userspace
// driver is designed around, 2 MiB and 1 GiB.
func systemHugepageSize() (uintptr, error) {
	const op = "hostmem.systemHugepageSize"

	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, errs.New(op, errs.IoError, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Hugepagesize:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, errs.New(op, errs.IoError, err)
		}
		size := uintptr(kb) * 1024
		if size != 2*sizeMiB && size != sizeGiB {
			return 0, errs.New(op, errs.InvalidArgument,
				fmt.Errorf("unsupported system hugepage size %d bytes (want 2 MiB or 1 GiB)", size))
		}
		return size, nil
	}
	return 0, errs.New(op, errs.IoError, fmt.Errorf("Hugepagesize not found in /proc/meminfo"))
}

// Alloc creates a new hugepage-backed region of the requested size,
// which must be a positive multiple of the system hugepage size. The
// region is truncated to size, mapped shared read-write, pinned, faulted
// in page by page, zero-filled, and resolved to a physical address.
func Alloc(cfg Config, size uintptr) (*Hugepage, error) {
	const op = "hostmem.Alloc"

	chunkSize, err := systemHugepageSize()
	if err != nil {
		return nil, err
	}
	if size == 0 || size%chunkSize != 0 {
		return nil, errs.New(op, errs.InvalidArgument,
			fmt.Errorf("size %d is not a positive multiple of hugepage size %d", size, chunkSize))
	}

	var (
		fd   int
		path string
	)

	switch cfg.Backend {
	case BackendHugetlbfs:
		fd, path, err = createHugetlbfsFile(cfg.HugetlbPath)
	case "", BackendMemfd:
		fd, path, err = createMemfd(chunkSize)
	default:
		err = errs.New(op, errs.InvalidArgument, fmt.Errorf("unknown backend %q", cfg.Backend))
	}
	if err != nil {
		return nil, err
	}

	hp, err := initRegion(op, fd, size, chunkSize, path, cfg.Backend)
	if err != nil {
		unix.Close(fd)
		if cfg.Backend == BackendHugetlbfs {
			os.Remove(path)
		}
		return nil, err
	}
	return hp, nil
}

// Import opens an existing hugepage-backed region (created by another
// process, or by this one via Alloc with the hugetlbfs backend) by path,
// discovers its size via stat, maps it shared, forces every host page to
// be faulted into this process's page tables by reading it, and resolves
// the physical address of the region base.
func Import(path string) (*Hugepage, error) {
	const op = "hostmem.Import"

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, errs.New(op, errs.IoError, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errs.New(op, errs.IoError, err)
	}
	size := uintptr(st.Size)

	chunkSize, err := systemHugepageSize()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if size == 0 || size%chunkSize != 0 {
		unix.Close(fd)
		return nil, errs.New(op, errs.InvalidArgument,
			fmt.Errorf("imported region size %d is not a multiple of hugepage size %d", size, chunkSize))
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errs.New(op, errs.IoError, err)
	}

	// Force the kernel to populate PTEs for the importing process by
	// reading every host page; unlike Alloc, we must not clobber
	// contents written by the exporting process.
	pageSize := uintptr(unix.Getpagesize())
	var sink byte
	for off := uintptr(0); off < size; off += pageSize {
		sink ^= mem[off]
	}
	_ = sink

	base := VirtAddr(uintptr(unsafe.Pointer(&mem[0])))
	phys, err := resolvePhys(base)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, err
	}

	return &Hugepage{
		fd:        fd,
		mem:       mem,
		size:      size,
		chunkSize: chunkSize,
		phys:      phys,
		path:      path,
		backend:   BackendHugetlbfs,
	}, nil
}

func initRegion(op string, fd int, size, chunkSize uintptr, path string, backend Backend) (*Hugepage, error) {
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, errs.New(op, errs.IoError, err)
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.New(op, errs.IoError, err)
	}

	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, errs.New(op, errs.IoError, err)
	}

	// Touch every host page to force it resident, then zero-fill.
	pageSize := uintptr(unix.Getpagesize())
	for off := uintptr(0); off < size; off += pageSize {
		mem[off] = 0
	}
	for i := range mem {
		mem[i] = 0
	}

	base := VirtAddr(uintptr(unsafe.Pointer(&mem[0])))
	phys, err := resolvePhys(base)
	if err != nil {
		unix.Munlock(mem)
		unix.Munmap(mem)
		return nil, err
	}

	return &Hugepage{
		fd:        fd,
		mem:       mem,
		size:      size,
		chunkSize: chunkSize,
		phys:      phys,
		path:      path,
		backend:   backend,
	}, nil
}

func createMemfd(chunkSize uintptr) (fd int, path string, err error) {
	const op = "hostmem.createMemfd"

	flags := uint(mfdCloexec | mfdHugetlb)
	switch chunkSize {
	case 2 * sizeMiB:
		flags |= mfdHuge2MB
	case sizeGiB:
		flags |= mfdHuge1GB
	default:
		return -1, "", errs.New(op, errs.InvalidArgument,
			fmt.Errorf("no MFD_HUGE flag for chunk size %d", chunkSize))
	}

	fdv, errno := unix.MemfdCreate("go-upcie-dma", int(flags))
	if errno != nil {
		return -1, "", errs.New(op, errs.IoError, errno)
	}
	return fdv, fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), fdv), nil
}

func createHugetlbfsFile(mountPath string) (fd int, path string, err error) {
	const op = "hostmem.createHugetlbfsFile"

	seq := atomic.AddUint64(&hugetlbfsSeq, 1)
	path = fmt.Sprintf("%s/go-upcie-%d-%d", mountPath, os.Getpid(), seq)

	fdv, errno := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, 0600)
	if errno != nil {
		return -1, "", errs.New(op, errs.IoError, errno)
	}
	return fdv, path, nil
}

// Free unmaps the region, closes its file descriptor, and — for the
// hugetlbfs backend — unlinks the backing file.
func (h *Hugepage) Free() error {
	const op = "hostmem.Hugepage.Free"

	var firstErr error
	if err := unix.Munlock(h.mem); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Munmap(h.mem); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(h.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	if h.backend == BackendHugetlbfs {
		if err := os.Remove(h.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errs.New(op, errs.IoError, firstErr)
	}
	return nil
}

// Base returns the stable virtual base address of the mapped region.
func (h *Hugepage) Base() VirtAddr {
	return VirtAddr(uintptr(unsafe.Pointer(&h.mem[0])))
}

// Size returns the total mapped size in bytes.
func (h *Hugepage) Size() uintptr { return h.size }

// ChunkSize returns the system hugepage size this region was built from.
func (h *Hugepage) ChunkSize() uintptr { return h.chunkSize }

// Phys returns the physical address of the region base (phys_lut[0]).
func (h *Hugepage) Phys() PhysAddr { return h.phys }

// Path returns the identifier other processes can Import this region by.
func (h *Hugepage) Path() string { return h.path }
