// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"encoding/binary"
	"fmt"
)

type DataDirection int

const (
	DataNone DataDirection = iota
	DataIn
	DataOut
)

func (direction DataDirection) String() string {
	switch direction {
	case DataIn:
		return "in"
	case DataOut:
		return "out"
	}
	return "none"
}

// SCSIRequest is a command submitted by the upstream SCSI layer.
type SCSIRequest struct {
	LUN       uint64
	CDB       []byte
	Direction DataDirection
	// Buffer receives read data or holds the data to write.
	Buffer    []byte
	Attribute TaskAttribute
}

func (request *SCSIRequest) validate() error {
	if len(request.CDB) == 0 || len(request.CDB) > 16 {
		return statusErrorf(StatusInvalidParameter, "CDB length %d is not supported", len(request.CDB))
	}
	if request.Direction != DataNone && len(request.Buffer) == 0 {
		return statusErrorf(StatusInvalidParameter, "data %s command without a buffer", request.Direction)
	}
	return nil
}

func (request *SCSIRequest) transferLength() uint32 {
	if request.Direction == DataNone {
		return 0
	}
	return uint32(len(request.Buffer))
}

// SCSIResult is reported once per submitted request.
type SCSIResult struct {
	Status     Status `json:"status"`
	Response   byte   `json:"response"`
	SCSIStatus byte   `json:"scsi_status"`
	Sense      []byte `json:"sense,omitempty"`
	Residual   uint32 `json:"residual"`
	Overflow   bool   `json:"overflow"`
	Underflow  bool   `json:"underflow"`
	// Transferred counts the bytes that actually moved.
	Transferred uint32 `json:"transferred"`
	Err         error  `json:"-"`
}

func (result *SCSIResult) String() string {
	return fmt.Sprintf("status=%s scsi_status=0x%02x residual=%d transferred=%d",
		result.Status, result.SCSIStatus, result.Residual, result.Transferred)
}

const (
	samStatGood           = 0x00
	samStatCheckCondition = 0x02
	samStatBusy           = 0x08
	samStatTaskSetFull    = 0x28
	samStatTaskAborted    = 0x40
)

// statusFromSCSI maps the target's response and SAM status onto a Status.
func statusFromSCSI(response byte, scsiStatus byte) Status {
	if response != 0 {
		return StatusTargetError
	}
	switch scsiStatus {
	case samStatGood:
		return StatusSuccess
	case samStatCheckCondition:
		return StatusCheckCondition
	case samStatBusy, samStatTaskSetFull:
		return StatusTargetBusy
	case samStatTaskAborted:
		return StatusTaskAborted
	}
	return StatusTargetError
}

// senseFromData extracts sense bytes from a SCSI Response data segment,
// which starts with a two byte SenseLength.
func senseFromData(data []byte) []byte {
	if len(data) < 2 {
		return nil
	}
	length := int(binary.BigEndian.Uint16(data[0:2]))
	if length > len(data)-2 {
		length = len(data) - 2
	}
	sense := make([]byte, length)
	copy(sense, data[2:2+length])
	return sense
}

func (ccb *CCB) scsiResult() *SCSIResult {
	result := ccb.result
	result.Status = ccb.status
	result.Err = ccb.Err()
	result.Transferred = ccb.received
	if ccb.request != nil && ccb.request.Direction == DataOut && ccb.status == StatusSuccess {
		result.Transferred = ccb.request.transferLength() - result.Residual
	}
	return &result
}
