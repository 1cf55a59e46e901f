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

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/dswarbrick/go-upcie/hostmem"
	"github.com/dswarbrick/go-upcie/nvme"
)

const (
	linuxCapabilityVersion3 = 0x20080522
	capSysAdmin             = 1 << 21
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32 //lint:ignore U1000 unused but required member
	inheritable uint32 //lint:ignore U1000 unused but required member
}

type capsV3 struct {
	hdr  capHeader
	data [2]capData
}

// checkCaps invokes the capget syscall to check for CAP_SYS_ADMIN, which
// this driver needs for /proc/self/pagemap physical address resolution
// and memfd hugetlb allocation. Note this depends on the binary having
// the capability set via setcap, or being run as root.
func checkCaps() {
	caps := new(capsV3)
	caps.hdr.version = linuxCapabilityVersion3

	_, _, errno := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&caps.hdr)), uintptr(unsafe.Pointer(&caps.data)), 0)
	if errno != 0 {
		fmt.Fprintln(os.Stderr, "capget() failed:", errno.Error())
		return
	}
	if caps.data[0].effective&capSysAdmin == 0 {
		fmt.Fprintln(os.Stderr, "cap_sys_admin is not in effect; device access will probably fail.")
	}
}

type cliOptions struct {
	BDF         string `long:"bdf" env:"UPCIE_BDF" description:"PCIe BDF of the NVMe function, e.g. 0000:05:00.0" required:"true"`
	Backend     string `long:"backend" env:"HOSTMEM_BACKEND" default:"memfd" description:"DMA memory backend: memfd or hugetlbfs"`
	HugetlbPath string `long:"hugetlb-path" env:"HOSTMEM_HUGETLB_PATH" default:"/mnt/huge" description:"hugetlbfs mount point, when backend=hugetlbfs"`
	Namespace   uint32 `long:"namespace" default:"1" description:"namespace id to identify and report SMART data against"`
	Verbose     bool   `short:"v" long:"verbose" description:"enable debug logging"`
}

func main() {
	var opts cliOptions
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	checkCaps()

	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(level)

	logger.Info().Str("go", runtime.Version()).Str("arch", runtime.GOARCH).Msg("go-upcie")

	memCfg := hostmem.Config{
		Backend:     hostmem.Backend(opts.Backend),
		HugetlbPath: opts.HugetlbPath,
	}

	ctrl, err := nvme.Open(opts.BDF, memCfg, nvme.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Str("bdf", opts.BDF).Msg("failed to open controller")
	}
	defer ctrl.Close()

	ctx := context.Background()

	info, err := ctrl.IdentifyController(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("identify controller failed")
	}
	fmt.Printf("Model:     %s\n", info.ModelNumber)
	fmt.Printf("Serial:    %s\n", info.SerialNumber)
	fmt.Printf("Firmware:  %s\n", info.FirmwareVersion)
	fmt.Printf("Vendor ID: %#04x\n", info.VendorID)

	ns, err := ctrl.IdentifyNamespace(ctx, opts.Namespace)
	if err != nil {
		logger.Fatal().Err(err).Uint32("nsid", opts.Namespace).Msg("identify namespace failed")
	}
	fmt.Printf("Namespace %d size: %d blocks, used: %d blocks\n", opts.Namespace, ns.SizeBlocks, ns.UsedBlocks)

	smart, err := ctrl.GetSMARTLog(ctx, opts.Namespace)
	if err != nil {
		logger.Fatal().Err(err).Msg("get SMART log failed")
	}
	fmt.Printf("Temperature: %d C\n", smart.TemperatureC)
	fmt.Printf("Percentage used: %d%%\n", smart.PercentUsed)
	fmt.Printf("Power on hours: %s\n", smart.PowerOnHours.String())
	fmt.Printf("Data units read: %s [%s]\n", smart.DataUnitsRead, nvme.DataUnitBytes(smart.DataUnitsRead))
	fmt.Printf("Data units written: %s [%s]\n", smart.DataUnitsWritten, nvme.DataUnitBytes(smart.DataUnitsWritten))
}
