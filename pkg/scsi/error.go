// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"fmt"
)

const (
	NoSense        byte = 0x00
	RecoveredError byte = 0x01
	NotReady       byte = 0x02
	MediumError    byte = 0x03
	HardwareError  byte = 0x04
	IllegalRequest byte = 0x05
	UnitAttention  byte = 0x06
	DataProtect    byte = 0x07
	AbortedCommand byte = 0x0b
)

var senseKeyNames = map[byte]string{
	NoSense:        "NO SENSE",
	RecoveredError: "RECOVERED ERROR",
	NotReady:       "NOT READY",
	MediumError:    "MEDIUM ERROR",
	HardwareError:  "HARDWARE ERROR",
	IllegalRequest: "ILLEGAL REQUEST",
	UnitAttention:  "UNIT ATTENTION",
	DataProtect:    "DATA PROTECT",
	AbortedCommand: "ABORTED COMMAND",
}

type AdditionalSenseCode uint16

var (
	// Key 0: No Sense Errors
	NoAdditionalSense AdditionalSenseCode = 0x0000

	// Key 1: Recovered Errors
	AscWriteError AdditionalSenseCode = 0x0c00
	AscReadError  AdditionalSenseCode = 0x1100

	// Key 2: Not ready
	AscBecomingReady    AdditionalSenseCode = 0x0401
	AscMediumNotPresent AdditionalSenseCode = 0x3a00

	// Key 5: Illegal Request
	AscInvalidOpCode     AdditionalSenseCode = 0x2000
	AscLbaOutOfRange     AdditionalSenseCode = 0x2100
	AscInvalidFieldInCdb AdditionalSenseCode = 0x2400
	AscLunNotSupported   AdditionalSenseCode = 0x2500
	AscSavingParmsUnsup  AdditionalSenseCode = 0x3900

	// Key 6: Unit Attention
	AscPowerOnReset       AdditionalSenseCode = 0x2900
	AscCapacityDataChange AdditionalSenseCode = 0x2a09
	AscReportedLunsChange AdditionalSenseCode = 0x3f0e
)

var additionalSenseNames = map[AdditionalSenseCode]string{
	NoAdditionalSense:     "no additional sense information",
	AscWriteError:         "write error",
	AscReadError:          "unrecovered read error",
	AscBecomingReady:      "logical unit is in process of becoming ready",
	AscMediumNotPresent:   "medium not present",
	AscInvalidOpCode:      "invalid command operation code",
	AscLbaOutOfRange:      "logical block address out of range",
	AscInvalidFieldInCdb:  "invalid field in CDB",
	AscLunNotSupported:    "logical unit not supported",
	AscSavingParmsUnsup:   "saving parameters not supported",
	AscPowerOnReset:       "power on, reset, or bus device reset occurred",
	AscCapacityDataChange: "capacity data has changed",
	AscReportedLunsChange: "reported luns data has changed",
}

type ErrShortSense struct {
	length int
}

func (err ErrShortSense) Error() string {
	return fmt.Sprintf("sense data of %d bytes is too short", err.length)
}

// Sense is decoded fixed or descriptor format sense data.
type Sense struct {
	ResponseCode byte
	Key          byte
	Code         AdditionalSenseCode
	Information  uint64
	Deferred     bool
}

func (sense Sense) Error() string {
	key, ok := senseKeyNames[sense.Key]
	if !ok {
		key = fmt.Sprintf("sense key 0x%x", sense.Key)
	}
	description, ok := additionalSenseNames[sense.Code]
	if !ok {
		description = fmt.Sprintf("ASC/ASCQ 0x%04x", uint16(sense.Code))
	}
	return fmt.Sprintf("%s: %s", key, description)
}

// ParseSense decodes sense data as returned in a SCSI Response. The two
// byte SenseLength prefix must already be stripped.
func ParseSense(data []byte) (Sense, error) {
	if len(data) < 2 {
		return Sense{}, &ErrShortSense{length: len(data)}
	}
	sense := Sense{ResponseCode: data[0] & 0x7f}
	switch sense.ResponseCode {
	case 0x70, 0x71:
		// fixed format
		if len(data) < 14 {
			return Sense{}, &ErrShortSense{length: len(data)}
		}
		sense.Deferred = sense.ResponseCode == 0x71
		sense.Key = data[2] & 0x0f
		if data[0]&0x80 != 0 {
			sense.Information = uint64(binary.BigEndian.Uint32(data[3:7]))
		}
		sense.Code = AdditionalSenseCode(binary.BigEndian.Uint16(data[12:14]))
	case 0x72, 0x73:
		// descriptor format
		if len(data) < 4 {
			return Sense{}, &ErrShortSense{length: len(data)}
		}
		sense.Deferred = sense.ResponseCode == 0x73
		sense.Key = data[1] & 0x0f
		sense.Code = AdditionalSenseCode(binary.BigEndian.Uint16(data[2:4]))
		var descriptors []byte
		if len(data) > 8 {
			descriptors = data[8:]
		}
		for len(descriptors) >= 2 {
			length := int(descriptors[1]) + 2
			if length > len(descriptors) {
				break
			}
			if descriptors[0] == 0x00 && length >= 12 {
				sense.Information = binary.BigEndian.Uint64(descriptors[4:12])
			}
			descriptors = descriptors[length:]
		}
	default:
		return Sense{}, fmt.Errorf("unsupported sense response code 0x%02x", sense.ResponseCode)
	}
	return sense, nil
}

// BuildSenseData produces fixed format sense data.
func BuildSenseData(key byte, asc AdditionalSenseCode) []byte {
	data := make([]byte, 18)
	// current, not deferred
	data[0] = 0x70
	data[2] = key
	data[7] = 0x0a
	binary.BigEndian.PutUint16(data[12:14], uint16(asc))
	return data
}
