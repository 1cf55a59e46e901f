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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
)

// identPowerState is one entry of the Identify Controller power state
// descriptor table.
type identPowerState struct {
	MaxPower        uint16 // centiwatts
	Rsvd2           uint8
	Flags           uint8
	EntryLat        uint32 // microseconds
	ExitLat         uint32 // microseconds
	ReadTput        uint8
	ReadLat         uint8
	WriteTput       uint8
	WriteLat        uint8
	IdlePower       uint16
	IdleScale       uint8
	Rsvd19          uint8
	ActivePower     uint16
	ActiveWorkScale uint8
	Rsvd23          [9]byte
}

// identControllerRaw mirrors the on-the-wire layout of the Identify
// Controller data structure (CNS=1), truncated to the fields this driver
// surfaces.
type identControllerRaw struct {
	VendorID     uint16
	SSVendorID   uint16
	SerialNumber [20]byte
	ModelNumber  [40]byte
	Firmware     [8]byte
	Rab          uint8
	IEEE         [3]byte
	Cmic         uint8
	Mdts         uint8
	Rsvd78       [2048 - 78]byte // CNTLID through byte 2047, unused by this driver
	Psd          [32]identPowerState
	Vs           [4096 - 2048 - 32*32]byte
}

// ControllerInfo is the subset of Identify Controller data this driver
// exposes to callers.
type ControllerInfo struct {
	VendorID        uint16
	ModelNumber     string
	SerialNumber    string
	FirmwareVersion string
	MaxDataXferSize uint32 // 1 << Mdts, in units of the controller's minimum memory page size (CAP.MPSMIN), not bytes
	OUI             uint32
}

// lbaFormat describes one LBA Format Data Structure entry.
type lbaFormat struct {
	Ms uint16
	Ds uint8
	Rp uint8
}

// identNamespaceRaw mirrors the Identify Namespace data structure (CNS=0).
type identNamespaceRaw struct {
	Nsze    uint64
	Ncap    uint64
	Nuse    uint64
	Nsfeat  uint8
	Nlbaf   uint8
	Flbas   uint8
	Mc      uint8
	Dpc     uint8
	Dps     uint8
	Nmic    uint8
	Rescap  uint8
	Fpi     uint8
	Rsvd33  uint8
	Nawun   uint16
	Nawupf  uint16
	Nacwu   uint16
	Nabsn   uint16
	Nabo    uint16
	Nabspf  uint16
	Rsvd46  [2]byte
	Nvmcap  [16]byte
	Rsvd64  [40]byte
	Nguid   [16]byte
	EUI64   [8]byte
	Lbaf    [16]lbaFormat
	Rsvd192 [192]byte
	Vs      [3712]byte
}

// NamespaceInfo is the subset of Identify Namespace data this driver
// exposes to callers.
type NamespaceInfo struct {
	SizeBlocks uint64
	UsedBlocks uint64
	CapBlocks  uint64
}

// IdentifyController issues an Identify Controller admin command (CNS=1)
// using the controller's scratch buffer and returns the decoded result.
func (c *Controller) IdentifyController(ctx context.Context) (ControllerInfo, error) {
	buf, phys := c.ScratchBuffer()

	cmd := Command{
		Opcode: OpIdentify,
		Nsid:   0,
		Prp1:   uint64(phys),
		Cdw10:  1,
	}
	if _, err := c.AdminSubmitSync(ctx, cmd); err != nil {
		return ControllerInfo{}, err
	}

	var raw identControllerRaw
	if err := binary.Read(bytes.NewReader(buf[:4096]), binary.LittleEndian, &raw); err != nil {
		return ControllerInfo{}, err
	}

	return ControllerInfo{
		VendorID:        raw.VendorID,
		ModelNumber:     string(bytes.TrimSpace(raw.ModelNumber[:])),
		SerialNumber:    string(bytes.TrimSpace(raw.SerialNumber[:])),
		FirmwareVersion: string(bytes.TrimSpace(raw.Firmware[:])),
		MaxDataXferSize: 1 << raw.Mdts,
		OUI:             uint32(raw.IEEE[0]) | uint32(raw.IEEE[1])<<8 | uint32(raw.IEEE[2])<<16,
	}, nil
}

// IdentifyNamespace issues an Identify Namespace admin command (CNS=0) for
// the given nsid using the controller's scratch buffer.
func (c *Controller) IdentifyNamespace(ctx context.Context, nsid uint32) (NamespaceInfo, error) {
	buf, phys := c.ScratchBuffer()

	cmd := Command{
		Opcode: OpIdentify,
		Nsid:   nsid,
		Prp1:   uint64(phys),
		Cdw10:  0,
	}
	if _, err := c.AdminSubmitSync(ctx, cmd); err != nil {
		return NamespaceInfo{}, err
	}

	var raw identNamespaceRaw
	if err := binary.Read(bytes.NewReader(buf[:4096]), binary.LittleEndian, &raw); err != nil {
		return NamespaceInfo{}, err
	}

	return NamespaceInfo{
		SizeBlocks: raw.Nsze,
		UsedBlocks: raw.Nuse,
		CapBlocks:  raw.Ncap,
	}, nil
}

// smartLogRaw mirrors the SMART / Health Information log page (log id 0x02).
type smartLogRaw struct {
	CritWarning      uint8
	Temperature      [2]uint8
	AvailSpare       uint8
	SpareThresh      uint8
	PercentUsed      uint8
	Rsvd6            [26]byte
	DataUnitsRead    [16]byte
	DataUnitsWritten [16]byte
	HostReads        [16]byte
	HostWrites       [16]byte
	CtrlBusyTime     [16]byte
	PowerCycles      [16]byte
	PowerOnHours     [16]byte
	UnsafeShutdowns  [16]byte
	MediaErrors      [16]byte
	NumErrLogEntries [16]byte
	WarningTempTime  uint32
	CritCompTime     uint32
	TempSensor       [8]uint16
	Rsvd216          [296]byte
}

// SMARTLog is the subset of the SMART / Health Information log page this
// driver exposes to callers. Unit counters are in units of 1000 * 512
// bytes, per the NVMe base specification.
type SMARTLog struct {
	CritWarning      uint8
	TemperatureC     int32
	AvailSpare       uint8
	SpareThresh      uint8
	PercentUsed      uint8
	DataUnitsRead    *big.Int
	DataUnitsWritten *big.Int
	HostReads        *big.Int
	HostWrites       *big.Int
	PowerCycles      *big.Int
	PowerOnHours     *big.Int
	UnsafeShutdowns  *big.Int
	MediaErrors      *big.Int
}

// GetSMARTLog issues a Get Log Page admin command for log id 0x02 (the
// SMART / Health Information log) against the given nsid (0xffffffff for
// the controller-wide log).
func (c *Controller) GetSMARTLog(ctx context.Context, nsid uint32) (SMARTLog, error) {
	buf, phys := c.ScratchBuffer()
	const logLen = 512

	cmd := Command{
		Opcode: OpGetLogPage,
		Nsid:   nsid,
		Prp1:   uint64(phys),
		Cdw10:  uint32(0x02) | (((logLen / 4) - 1) << 16),
	}
	if _, err := c.AdminSubmitSync(ctx, cmd); err != nil {
		return SMARTLog{}, err
	}

	var raw smartLogRaw
	if err := binary.Read(bytes.NewReader(buf[:logLen]), binary.LittleEndian, &raw); err != nil {
		return SMARTLog{}, err
	}

	tempKelvin := uint16(raw.Temperature[0]) | uint16(raw.Temperature[1])<<8
	return SMARTLog{
		CritWarning:      raw.CritWarning,
		TemperatureC:     int32(tempKelvin) - 273,
		AvailSpare:       raw.AvailSpare,
		SpareThresh:      raw.SpareThresh,
		PercentUsed:      raw.PercentUsed,
		DataUnitsRead:    le128ToBigInt(raw.DataUnitsRead),
		DataUnitsWritten: le128ToBigInt(raw.DataUnitsWritten),
		HostReads:        le128ToBigInt(raw.HostReads),
		HostWrites:       le128ToBigInt(raw.HostWrites),
		PowerCycles:      le128ToBigInt(raw.PowerCycles),
		PowerOnHours:     le128ToBigInt(raw.PowerOnHours),
		UnsafeShutdowns:  le128ToBigInt(raw.UnsafeShutdowns),
		MediaErrors:      le128ToBigInt(raw.MediaErrors),
	}, nil
}

// le128ToBigInt takes a little-endian 16-byte slice and returns the
// *big.Int it represents.
func le128ToBigInt(buf [16]byte) *big.Int {
	rev := make([]byte, 16)
	for i := 0; i < 16; i++ {
		rev[i] = buf[16-i-1]
	}
	return new(big.Int).SetBytes(rev)
}

// FormatBigBytes renders a byte count in the largest whole unit that keeps
// three significant digits, e.g. "12.3 GB".
func FormatBigBytes(v *big.Int) string {
	suffixes := [...]string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}
	d := big.NewInt(1)

	i := 0
	for ; i < len(suffixes)-1; i++ {
		if v.Cmp(new(big.Int).Mul(d, big.NewInt(1000))) == 1 {
			d.Mul(d, big.NewInt(1000))
		} else {
			break
		}
	}

	if i == 0 {
		return fmt.Sprintf("%d %s", v, suffixes[i])
	}
	return fmt.Sprintf("%.3g %s", new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(d)), suffixes[i])
}

// DataUnitBytes converts a SMART log's DataUnitsRead/Written count (in
// units of 1000 * 512 bytes, per the NVMe base specification) to a
// human-readable byte size.
func DataUnitBytes(units *big.Int) string {
	unit := big.NewInt(512 * 1000)
	return FormatBigBytes(new(big.Int).Mul(units, unit))
}
