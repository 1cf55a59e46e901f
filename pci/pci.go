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

// Package pci enumerates and maps PCIe functions through sysfs: BDF
// parsing, vendor/device/class lookup, and BAR memory-mapping.
package pci

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dswarbrick/go-upcie/errs"
	"github.com/dswarbrick/go-upcie/mmio"
)

const defaultSysfsRoot = "/sys/bus/pci/devices"

// Address is a packed PCI Bus/Device/Function address: domain in bits
// 16-31, bus in bits 8-15, device in bits 3-7, function in bits 0-2.
type Address uint32

var bdfPattern = regexp.MustCompile(`^(?:([0-9a-fA-F]{4}):)?([0-9a-fA-F]{2}):([0-9a-fA-F]{2})\.([0-7])$`)

// ParseBDF parses a "[dddd:]bb:dd.f" string into a packed Address. A
// missing domain defaults to 0000.
func ParseBDF(s string) (Address, error) {
	const op = "pci.ParseBDF"

	m := bdfPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, errs.New(op, errs.InvalidArgument, fmt.Errorf("malformed BDF %q", s))
	}

	var domain uint64
	if m[1] != "" {
		domain, _ = strconv.ParseUint(m[1], 16, 16)
	}
	bus, _ := strconv.ParseUint(m[2], 16, 8)
	device, _ := strconv.ParseUint(m[3], 16, 8)
	function, _ := strconv.ParseUint(m[4], 16, 3)

	return Address(domain<<16 | bus<<8 | device<<3 | function), nil
}

// String renders Address back to its canonical lowercase "dddd:bb:dd.f" form.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain(), a.Bus(), a.Device(), a.Function())
}

// Domain, Bus, Device and Function unpack the individual BDF components.
func (a Address) Domain() uint16  { return uint16(a >> 16) }
func (a Address) Bus() uint8      { return uint8(a >> 8) }
func (a Address) Device() uint8   { return uint8((a >> 3) & 0x1f) }
func (a Address) Function() uint8 { return uint8(a & 0x7) }

// BarMapping describes one mapped (or not-yet-mapped) PCIe Base Address
// Register. fd is -1 until BarMap succeeds.
type BarMapping struct {
	ID   int
	fd   int
	mem  []byte
	size int64
}

// Mapped reports whether this BAR has been mapped.
func (b *BarMapping) Mapped() bool { return b.fd != -1 }

// Region returns an mmio.Region over the mapped BAR. Calling Region on an
// unmapped BAR returns the zero (invalid) Region.
func (b *BarMapping) Region() mmio.Region {
	if !b.Mapped() {
		return mmio.Region{}
	}
	return mmio.New(b.mem)
}

// Function is an open PCIe function: its packed address, identifiers
// read from sysfs, and up to six lazily-mapped BARs.
type Function struct {
	addr      Address
	bdf       string
	vendor    uint16
	device    uint16
	class     uint32
	bars      [6]BarMapping
	sysfsRoot string
}

// Open opens a PCIe function by BDF string, reading its vendor, device
// and class identifiers from sysfs. BARs are not mapped until BarMap is
// called.
func Open(bdf string) (*Function, error) {
	return OpenAt(defaultSysfsRoot, bdf)
}

// OpenAt is Open against an alternate sysfs root, so tests can substitute
// a fake filesystem tree without real hardware or root privileges.
func OpenAt(sysfsRoot, bdf string) (*Function, error) {
	const op = "pci.Open"

	addr, err := ParseBDF(bdf)
	if err != nil {
		return nil, err
	}
	canonical := addr.String()

	devDir := sysfsRoot + "/" + canonical

	vendor, err := readSysfsHex(devDir + "/vendor")
	if err != nil {
		return nil, errs.New(op, errs.IoError, err)
	}
	device, err := readSysfsHex(devDir + "/device")
	if err != nil {
		return nil, errs.New(op, errs.IoError, err)
	}
	class, err := readSysfsHex(devDir + "/class")
	if err != nil {
		return nil, errs.New(op, errs.IoError, err)
	}

	f := &Function{
		addr:      addr,
		bdf:       canonical,
		vendor:    uint16(vendor),
		device:    uint16(device),
		class:     uint32(class),
		sysfsRoot: sysfsRoot,
	}
	for i := range f.bars {
		f.bars[i] = BarMapping{ID: i, fd: -1}
	}
	return f, nil
}

func readSysfsHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return strconv.ParseUint(s, 16, 64)
}

// Address returns the function's packed BDF address.
func (f *Function) Address() Address { return f.addr }

// BDF returns the canonical "dddd:bb:dd.f" string.
func (f *Function) BDF() string { return f.bdf }

// Vendor, Device and Class return the identifiers read at Open time.
func (f *Function) Vendor() uint16 { return f.vendor }
func (f *Function) Device() uint16 { return f.device }
func (f *Function) Class() uint32  { return f.class }

// BarMap opens and mmaps the given BAR index (0-5) read-write. A missing
// resource file (BAR not implemented by this function) surfaces the
// underlying filesystem error; it is not fatal at the Function level —
// callers decide whether an unmapped BAR matters to them.
func (f *Function) BarMap(id int) (mmio.Region, error) {
	const op = "pci.Function.BarMap"

	if id < 0 || id > 5 {
		return mmio.Region{}, errs.New(op, errs.InvalidArgument, fmt.Errorf("bar id %d out of range", id))
	}
	bar := &f.bars[id]
	if bar.Mapped() {
		return bar.Region(), nil
	}

	path := fmt.Sprintf("%s/%s/resource%d", f.sysfsRoot, f.bdf, id)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return mmio.Region{}, errs.New(op, errs.IoError, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return mmio.Region{}, errs.New(op, errs.IoError, err)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return mmio.Region{}, errs.New(op, errs.IoError, err)
	}

	bar.fd = fd
	bar.mem = mem
	bar.size = st.Size
	return bar.Region(), nil
}

// Close unmaps every mapped BAR and closes its file descriptor.
func (f *Function) Close() error {
	const op = "pci.Function.Close"

	var firstErr error
	for i := range f.bars {
		bar := &f.bars[i]
		if !bar.Mapped() {
			continue
		}
		if err := unix.Munmap(bar.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := unix.Close(bar.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		bar.fd = -1
		bar.mem = nil
	}
	if firstErr != nil {
		return errs.New(op, errs.IoError, firstErr)
	}
	return nil
}

// Disposition is returned by a Scan callback for each discovered
// function, telling Scan whether the caller wants to keep it open.
type Disposition int

const (
	Release Disposition = iota
	Claim
)

// Scan iterates every function under sysfsRoot, inviting cb to Claim or
// Release each one. Claimed functions are returned open (their BARs
// unmapped); released ones are left untouched and not returned.
func Scan(sysfsRoot string, cb func(addr Address, vendor, device uint16) Disposition) ([]*Function, error) {
	const op = "pci.Scan"

	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return nil, errs.New(op, errs.IoError, err)
	}

	var claimed []*Function
	for _, e := range entries {
		f, err := OpenAt(sysfsRoot, e.Name())
		if err != nil {
			continue // not a function we can parse; skip
		}
		if cb(f.addr, f.vendor, f.device) == Claim {
			claimed = append(claimed, f)
		}
	}
	return claimed, nil
}
