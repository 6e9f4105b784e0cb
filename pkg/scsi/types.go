// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
)

type CommandType byte

const (
	FormatUnit      CommandType = 0x04
	Inquiry         CommandType = 0x12
	ModeSelect10    CommandType = 0x55
	ModeSense6      CommandType = 0x1a
	ModeSense10     CommandType = 0x5a
	Read10          CommandType = 0x28
	Read16          CommandType = 0x88
	ServiceActionIn CommandType = 0x9e
	ReportLuns      CommandType = 0xa0

	ReadCapacity10             CommandType = 0x25
	OperationCodeMaintenanceIn CommandType = 0xa3
	RequestSense               CommandType = 0x03
	StartStop                  CommandType = 0x1b
	SynchronizeCache10         CommandType = 0x35
	SynchronizeCache16         CommandType = 0x91
	TestUnitReady              CommandType = 0x00
	Write10                    CommandType = 0x2a
	Write16                    CommandType = 0x8a
	WriteSame16                CommandType = 0x93
)

const (
	ServiceActionReportSupportedOperationCodes byte = 0x0c
	ServiceActionReadCapacity16                byte = 0x10
)

const (
	DefaultBlockShift uint = 9
)

const (
	SamStatGood                byte = 0x00
	SamStatCheckCondition      byte = 0x02
	SamStatConditionMet        byte = 0x04
	SamStatBusy                byte = 0x08
	SamStatReservationConflict byte = 0x18
	SamStatTaskSetFull         byte = 0x28
	SamStatACAActive           byte = 0x30
	SamStatTaskAborted         byte = 0x40
)

func SamStatToString(status byte) string {
	names := map[byte]string{
		SamStatGood:                "GOOD",
		SamStatCheckCondition:      "CHECK CONDITION",
		SamStatConditionMet:        "CONDITION MET",
		SamStatBusy:                "BUSY",
		SamStatReservationConflict: "RESERVATION CONFLICT",
		SamStatTaskSetFull:         "TASK SET FULL",
		SamStatACAActive:           "ACA ACTIVE",
		SamStatTaskAborted:         "TASK ABORTED",
	}
	result, ok := names[status]
	if !ok {
		return fmt.Sprintf("0x%02x", status)
	}
	return result
}

type SCSIDeviceType byte

const (
	TypeDisk    SCSIDeviceType = 0x00
	TypeTape    SCSIDeviceType = 0x01
	TypeCDROM   SCSIDeviceType = 0x05
	TypeUnknown SCSIDeviceType = 0x1f
)

func OperationCodeToString(commandType CommandType) string {
	types := map[CommandType]string{
		FormatUnit:                 "FormatUnit",
		Inquiry:                    "Inquiry",
		ModeSelect10:               "ModeSelect10",
		ModeSense6:                 "ModeSense6",
		ModeSense10:                "ModeSense10",
		Read10:                     "Read10",
		Read16:                     "Read16",
		ServiceActionIn:            "ServiceActionIn",
		ReportLuns:                 "ReportLuns",
		ReadCapacity10:             "ReadCapacity10",
		OperationCodeMaintenanceIn: "OperationCodeMaintenanceIn",
		RequestSense:               "RequestSense",
		StartStop:                  "StartStop",
		SynchronizeCache10:         "SynchronizeCache10",
		SynchronizeCache16:         "SynchronizeCache16",
		TestUnitReady:              "TestUnitReady",
		Write10:                    "Write10",
		Write16:                    "Write16",
		WriteSame16:                "WriteSame16",
	}
	result, ok := types[commandType]
	if !ok {
		return fmt.Sprintf("0x%x", int(commandType))
	}
	return result
}
