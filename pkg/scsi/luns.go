// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"fmt"
)

const (
	addressMethodPeripheral = 0x00
	addressMethodFlat       = 0x01
)

// EncodeLUN builds the eight byte LUN field for a single level LUN: the
// peripheral device method below 256, flat space addressing above.
func EncodeLUN(lun uint16) uint64 {
	var field [8]byte
	if lun < 256 {
		field[1] = byte(lun)
	} else {
		field[0] = addressMethodFlat<<6 | byte(lun>>8)&0x3f
		field[1] = byte(lun)
	}
	return binary.BigEndian.Uint64(field[:])
}

// DecodeLUN is the inverse of EncodeLUN for the first level.
func DecodeLUN(field uint64) (uint16, error) {
	first := byte(field >> 56)
	second := byte(field >> 48)
	switch first >> 6 {
	case addressMethodPeripheral:
		if first&0x3f != 0 {
			return 0, fmt.Errorf("LUN 0x%016x uses bus %d", field, first&0x3f)
		}
		return uint16(second), nil
	case addressMethodFlat:
		return uint16(first&0x3f)<<8 | uint16(second), nil
	}
	return 0, fmt.Errorf("LUN 0x%016x uses an unsupported address method", field)
}

// ParseReportLuns decodes REPORT LUNS parameter data. The second value is
// the list length the device server has, which may exceed what fit.
//
// Reference : SPC4r11
// 6.33 - REPORT LUNS
func ParseReportLuns(data []byte) ([]uint64, uint32, error) {
	if len(data) < 8 {
		return nil, 0, &ErrShortData{what: "REPORT LUNS data", length: len(data), need: 8}
	}
	listLength := binary.BigEndian.Uint32(data[0:4])
	entries := data[8:]
	if uint32(len(entries)) > listLength {
		entries = entries[:listLength]
	}
	luns := make([]uint64, 0, len(entries)/8)
	for len(entries) >= 8 {
		luns = append(luns, binary.BigEndian.Uint64(entries[:8]))
		entries = entries[8:]
	}
	return luns, listLength, nil
}
