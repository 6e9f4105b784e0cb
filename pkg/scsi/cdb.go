// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// Package scsi builds the command descriptor blocks an initiator sends and
// decodes what the device server returns.
package scsi

import (
	"encoding/binary"
)

// TestUnitReadyCDB
//
// Reference : SPC4r11
// 6.47 - TEST UNIT READY
func TestUnitReadyCDB() []byte {
	return make([]byte, 6)
}

// InquiryCDB requests standard inquiry data, or the VPD page when evpd is
// set.
//
// Reference : SPC4r11
// 6.4 - INQUIRY
func InquiryCDB(evpd bool, page byte, allocationLength uint16) []byte {
	cdb := make([]byte, 6)
	cdb[0] = byte(Inquiry)
	if evpd {
		cdb[1] = 0x01
		cdb[2] = page
	}
	binary.BigEndian.PutUint16(cdb[3:5], allocationLength)
	return cdb
}

// RequestSenseCDB
//
// Reference : SPC4r11
// 6.39 - REQUEST SENSE
func RequestSenseCDB(allocationLength byte) []byte {
	cdb := make([]byte, 6)
	cdb[0] = byte(RequestSense)
	cdb[4] = allocationLength
	return cdb
}

// ReportLunsCDB
//
// Reference : SPC4r11
// 6.33 - REPORT LUNS
func ReportLunsCDB(allocationLength uint32) []byte {
	cdb := make([]byte, 12)
	cdb[0] = byte(ReportLuns)
	binary.BigEndian.PutUint32(cdb[6:10], allocationLength)
	return cdb
}

// ModeSense10CDB
//
// Reference : SPC5r19
// 6.15 - MODE SENSE(10)
func ModeSense10CDB(disableBlockDescriptors bool, pageCode, subPageCode byte, allocationLength uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = byte(ModeSense10)
	if disableBlockDescriptors {
		cdb[1] = 0x08
	}
	cdb[2] = pageCode & 0x3f
	cdb[3] = subPageCode
	binary.BigEndian.PutUint16(cdb[7:9], allocationLength)
	return cdb
}

// ReadCapacity10CDB
//
// Reference : SBC2r16
// 5.10 - READ CAPACITY(10)
func ReadCapacity10CDB() []byte {
	cdb := make([]byte, 10)
	cdb[0] = byte(ReadCapacity10)
	return cdb
}

// ReadCapacity16CDB
//
// Reference : SBC2r16
// 5.11 - READ CAPACITY(16)
func ReadCapacity16CDB(allocationLength uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = byte(ServiceActionIn)
	cdb[1] = ServiceActionReadCapacity16
	binary.BigEndian.PutUint32(cdb[10:14], allocationLength)
	return cdb
}

// ReadWriteCDB picks the 10 byte form when the address and the length fit
// and the 16 byte form otherwise.
func ReadWriteCDB(write bool, logicalBlockAddress uint64, blocks uint32) []byte {
	if logicalBlockAddress+uint64(blocks) <= 0xffffffff && blocks <= 0xffff {
		cdb := make([]byte, 10)
		cdb[0] = byte(Read10)
		if write {
			cdb[0] = byte(Write10)
		}
		binary.BigEndian.PutUint32(cdb[2:6], uint32(logicalBlockAddress))
		binary.BigEndian.PutUint16(cdb[7:9], uint16(blocks))
		return cdb
	}
	cdb := make([]byte, 16)
	cdb[0] = byte(Read16)
	if write {
		cdb[0] = byte(Write16)
	}
	binary.BigEndian.PutUint64(cdb[2:10], logicalBlockAddress)
	binary.BigEndian.PutUint32(cdb[10:14], blocks)
	return cdb
}

// SynchronizeCacheCDB flushes the whole medium when blocks is 0.
//
// Reference : SBC2r16
// 5.18 - SYNCHRONIZE CACHE (10)
func SynchronizeCacheCDB(logicalBlockAddress uint64, blocks uint32) []byte {
	if logicalBlockAddress <= 0xffffffff && blocks <= 0xffff {
		cdb := make([]byte, 10)
		cdb[0] = byte(SynchronizeCache10)
		binary.BigEndian.PutUint32(cdb[2:6], uint32(logicalBlockAddress))
		binary.BigEndian.PutUint16(cdb[7:9], uint16(blocks))
		return cdb
	}
	cdb := make([]byte, 16)
	cdb[0] = byte(SynchronizeCache16)
	binary.BigEndian.PutUint64(cdb[2:10], logicalBlockAddress)
	binary.BigEndian.PutUint32(cdb[10:14], blocks)
	return cdb
}

// StartStopCDB
//
// Reference : SBC2r16
// 5.20 - START STOP UNIT
func StartStopCDB(start, loadEject bool) []byte {
	cdb := make([]byte, 6)
	cdb[0] = byte(StartStop)
	if start {
		cdb[4] |= 0x01
	}
	if loadEject {
		cdb[4] |= 0x02
	}
	return cdb
}

// ReadWriteOffset returns the logical block address of a read or write CDB.
func ReadWriteOffset(cdb []byte) uint64 {
	switch CommandType(cdb[0]) {
	case Read10, Write10, SynchronizeCache10:
		return uint64(binary.BigEndian.Uint32(cdb[2:6]))
	case Read16, Write16, SynchronizeCache16, WriteSame16:
		return binary.BigEndian.Uint64(cdb[2:10])
	}
	return 0
}

// ReadWriteCount returns the number of blocks of a read or write CDB.
func ReadWriteCount(cdb []byte) uint32 {
	switch CommandType(cdb[0]) {
	case Read10, Write10, SynchronizeCache10:
		return uint32(binary.BigEndian.Uint16(cdb[7:9]))
	case Read16, Write16, SynchronizeCache16, WriteSame16:
		return binary.BigEndian.Uint32(cdb[10:14])
	}
	return 0
}
