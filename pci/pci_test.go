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

package pci_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/go-upcie/pci"
)

func TestParseBDFRoundTrip(t *testing.T) {
	addr, err := pci.ParseBDF("0000:05:00.0")
	require.NoError(t, err)

	assert.Equal(t, uint16(0), addr.Domain())
	assert.Equal(t, uint8(0x05), addr.Bus())
	assert.Equal(t, uint8(0), addr.Device())
	assert.Equal(t, uint8(0), addr.Function())
	assert.Equal(t, "0000:05:00.0", addr.String())
}

func TestParseBDFRejectsMalformed(t *testing.T) {
	_, err := pci.ParseBDF("not-a-bdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")
}

func TestParseBDFUppercaseNormalizesToLower(t *testing.T) {
	addr, err := pci.ParseBDF("0000:AB:1F.3")
	require.NoError(t, err)
	assert.Equal(t, "0000:ab:1f.3", addr.String())
}

// writeSysfsFunction builds a fake "/sys/bus/pci/devices/<bdf>/..." tree
// under dir, so Function lifecycle can be exercised without real
// hardware. resource0 is sized so BarMap has something to mmap.
func writeSysfsFunction(t *testing.T, root, bdf string, vendor, device, class uint32) {
	t.Helper()
	devDir := filepath.Join(root, bdf)
	require.NoError(t, os.MkdirAll(devDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "vendor"), []byte(hex(vendor)), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "device"), []byte(hex(device)), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "class"), []byte(hex(class)), 0644))

	resource := filepath.Join(devDir, "resource0")
	f, err := os.Create(resource)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(4096))
}

func hex(v uint32) string { return "0x" + itoaHex(v) + "\n" }

func itoaHex(v uint32) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%16]
		v /= 16
	}
	return string(buf[i:])
}

func TestOpenReadsIdentifiers(t *testing.T) {
	root := t.TempDir()
	writeSysfsFunction(t, root, "0000:05:00.0", 0x8086, 0x0a54, 0x010802)

	f, err := pci.OpenAt(root, "0000:05:00.0")
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, uint16(0x8086), f.Vendor())
	assert.Equal(t, uint16(0x0a54), f.Device())
	assert.Equal(t, uint32(0x010802), f.Class())
	assert.Equal(t, "0000:05:00.0", f.BDF())
}

func TestOpenMissingFunctionIsIoError(t *testing.T) {
	root := t.TempDir()
	_, err := pci.OpenAt(root, "0000:05:00.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "i/o error")
}

func TestBarMapAndClose(t *testing.T) {
	root := t.TempDir()
	writeSysfsFunction(t, root, "0000:05:00.0", 0x8086, 0x0a54, 0x010802)

	f, err := pci.OpenAt(root, "0000:05:00.0")
	require.NoError(t, err)

	region, err := f.BarMap(0)
	require.NoError(t, err)
	assert.True(t, region.Valid())
	assert.Equal(t, 4096, region.Len())

	require.NoError(t, f.Close())
}

func TestBarMapInvalidID(t *testing.T) {
	root := t.TempDir()
	writeSysfsFunction(t, root, "0000:05:00.0", 0x8086, 0x0a54, 0x010802)

	f, err := pci.OpenAt(root, "0000:05:00.0")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.BarMap(6)
	require.Error(t, err)
}
