// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"encoding/binary"
	"fmt"
	"strings"
)

type OpCode byte

const (
	// Defined on the initiator.
	OpNoopOut     OpCode = 0x00
	OpSCSICmd     OpCode = 0x01
	OpSCSITaskReq OpCode = 0x02
	OpLoginReq    OpCode = 0x03
	OpTextReq     OpCode = 0x04
	OpSCSIOut     OpCode = 0x05
	OpLogoutReq   OpCode = 0x06
	OpSNACKReq    OpCode = 0x10
	// Defined on the target.
	OpNoopIn       OpCode = 0x20
	OpSCSIResp     OpCode = 0x21
	OpSCSITaskResp OpCode = 0x22
	OpLoginResp    OpCode = 0x23
	OpTextResp     OpCode = 0x24
	OpSCSIIn       OpCode = 0x25
	OpLogoutResp   OpCode = 0x26
	OpReady        OpCode = 0x31
	OpAsync        OpCode = 0x32
	OpReject       OpCode = 0x3f
)

const IscsiOpcodeMask byte = 0x3F

var opCodeMap = map[OpCode]string{
	OpNoopOut:      "NOP-Out",
	OpSCSICmd:      "SCSI Command",
	OpSCSITaskReq:  "SCSI Task Management Function Request",
	OpLoginReq:     "Login Request",
	OpTextReq:      "Text Request",
	OpSCSIOut:      "SCSI Data-Out (write)",
	OpLogoutReq:    "Logout Request",
	OpSNACKReq:     "SNACK Request",
	OpNoopIn:       "NOP-In",
	OpSCSIResp:     "SCSI Response",
	OpSCSITaskResp: "SCSI Task Management Function Response",
	OpLoginResp:    "Login Response",
	OpTextResp:     "Text Response",
	OpSCSIIn:       "SCSI Data-In (read)",
	OpLogoutResp:   "Logout Response",
	OpReady:        "Ready To Transfer (R2T)",
	OpAsync:        "Asynchronous Message",
	OpReject:       "Reject",
}

func (opCode OpCode) String() string {
	name, ok := opCodeMap[opCode]
	if !ok {
		return fmt.Sprintf("opcode 0x%02x", byte(opCode))
	}
	return name
}

const (
	BasicHeaderSegmentSize = 48
	DigestSize             = 4
	DataPadding            = 4
	// MaxDataSegmentLength is the largest value of the 3 byte length field.
	MaxDataSegmentLength = 1<<24 - 1
	ReservedTag          = uint32(0xffffffff)
)

const (
	flagFinal         byte = 0x80
	flagTransit       byte = 0x80
	flagContinue      byte = 0x40
	flagRead          byte = 0x40
	flagWrite         byte = 0x20
	flagAcknowledge   byte = 0x40
	flagBidiOverflow  byte = 0x10
	flagBidiUnderflow byte = 0x08
	flagOverflow      byte = 0x04
	flagUnderflow     byte = 0x02
	flagStatus        byte = 0x01
	flagImmediate     byte = 0x40
)

type LoginStage byte

const (
	SecurityNegotiation         LoginStage = 0
	LoginOperationalNegotiation LoginStage = 1
	FullFeaturePhase            LoginStage = 3
)

func (stage LoginStage) String() string {
	switch stage {
	case SecurityNegotiation:
		return "Security Negotiation"
	case LoginOperationalNegotiation:
		return "Login Operational Negotiation"
	case FullFeaturePhase:
		return "Full Feature Phase"
	}
	return "Unknown Stage"
}

// TaskAttribute is the SAM task attribute of a SCSI command.
type TaskAttribute byte

const (
	TaskAttributeUntagged TaskAttribute = iota
	TaskAttributeSimple
	TaskAttributeOrdered
	TaskAttributeHeadOfQueue
	TaskAttributeACA
)

// Header is the decoded basic header segment. Fields holds the opcode
// specific part and always matches Opcode.
type Header struct {
	Opcode            OpCode
	Immediate         bool
	TotalAHSLength    uint8
	DataSegmentLength uint32
	LUN               uint64
	InitiatorTaskTag  uint32
	Fields            FieldBlock
}

// FieldBlock is the opcode specific part of a basic header segment.
type FieldBlock interface {
	OpCode() OpCode
	encode(bhs []byte)
	decode(bhs []byte)
}

type ErrProtocol struct {
	message string
}

func (err ErrProtocol) Error() string {
	return "protocol error: " + err.message
}

func protocolErrorf(format string, args ...any) error {
	return &ErrProtocol{message: fmt.Sprintf(format, args...)}
}

// bytes 8..15 carry a LUN only for these opcodes
var lunOpcodes = map[OpCode]bool{
	OpNoopOut:     true,
	OpSCSICmd:     true,
	OpSCSITaskReq: true,
	OpTextReq:     true,
	OpSCSIOut:     true,
	OpSNACKReq:    true,
	OpNoopIn:      true,
	OpTextResp:    true,
	OpSCSIIn:      true,
	OpReady:       true,
	OpAsync:       true,
}

func newFieldBlock(opCode OpCode) (FieldBlock, error) {
	switch opCode {
	case OpNoopOut:
		return &NopOutFields{}, nil
	case OpSCSICmd:
		return &SCSICommandFields{}, nil
	case OpSCSITaskReq:
		return &TaskManagementRequestFields{}, nil
	case OpLoginReq:
		return &LoginRequestFields{}, nil
	case OpTextReq:
		return &TextRequestFields{}, nil
	case OpSCSIOut:
		return &DataOutFields{}, nil
	case OpLogoutReq:
		return &LogoutRequestFields{}, nil
	case OpSNACKReq:
		return &SNACKRequestFields{}, nil
	case OpNoopIn:
		return &NopInFields{}, nil
	case OpSCSIResp:
		return &SCSIResponseFields{}, nil
	case OpSCSITaskResp:
		return &TaskManagementResponseFields{}, nil
	case OpLoginResp:
		return &LoginResponseFields{}, nil
	case OpTextResp:
		return &TextResponseFields{}, nil
	case OpSCSIIn:
		return &DataInFields{}, nil
	case OpLogoutResp:
		return &LogoutResponseFields{}, nil
	case OpReady:
		return &R2TFields{}, nil
	case OpAsync:
		return &AsyncMessageFields{}, nil
	case OpReject:
		return &RejectFields{}, nil
	}
	return nil, protocolErrorf("unsupported opcode 0x%02x", byte(opCode))
}

// Marshal encodes the header into the 48 byte wire form.
func (header *Header) Marshal(bhs []byte) error {
	if len(bhs) < BasicHeaderSegmentSize {
		return fmt.Errorf("header buffer too short: %d", len(bhs))
	}
	if header.Fields == nil || header.Fields.OpCode() != header.Opcode {
		return protocolErrorf("field block does not match opcode %s", header.Opcode)
	}
	if header.DataSegmentLength > MaxDataSegmentLength {
		return protocolErrorf("data segment length %d does not fit", header.DataSegmentLength)
	}
	bhs = bhs[:BasicHeaderSegmentSize]
	for i := range bhs {
		bhs[i] = 0
	}
	bhs[0] = byte(header.Opcode) & IscsiOpcodeMask
	if header.Immediate {
		bhs[0] |= flagImmediate
	}
	bhs[4] = header.TotalAHSLength
	putUint24(bhs[5:8], header.DataSegmentLength)
	if lunOpcodes[header.Opcode] {
		binary.BigEndian.PutUint64(bhs[8:16], header.LUN)
	}
	binary.BigEndian.PutUint32(bhs[16:20], header.InitiatorTaskTag)
	header.Fields.encode(bhs)
	return nil
}

// Unmarshal decodes a basic header segment, validating the opcode before
// the opcode specific block is interpreted.
func (header *Header) Unmarshal(bhs []byte) error {
	if len(bhs) < BasicHeaderSegmentSize {
		return protocolErrorf("garbled header of %d bytes", len(bhs))
	}
	opCode := OpCode(bhs[0] & IscsiOpcodeMask)
	fields, err := newFieldBlock(opCode)
	if err != nil {
		return err
	}
	fields.decode(bhs)
	*header = Header{
		Opcode:            opCode,
		Immediate:         bhs[0]&flagImmediate != 0,
		TotalAHSLength:    bhs[4],
		DataSegmentLength: uint24(bhs[5:8]),
		InitiatorTaskTag:  binary.BigEndian.Uint32(bhs[16:20]),
		Fields:            fields,
	}
	if lunOpcodes[opCode] {
		header.LUN = binary.BigEndian.Uint64(bhs[8:16])
	}
	return nil
}

func (header *Header) String() string {
	var s []string
	s = append(s, fmt.Sprintf("Op: %v", header.Opcode))
	s = append(s, fmt.Sprintf("Immediate = %v", header.Immediate))
	s = append(s, fmt.Sprintf("Data Segment Length = %d", header.DataSegmentLength))
	s = append(s, fmt.Sprintf("Task Tag = %x", header.InitiatorTaskTag))
	if lunOpcodes[header.Opcode] {
		s = append(s, fmt.Sprintf("LUN = %d", header.LUN))
	}
	if header.Fields != nil {
		s = append(s, fmt.Sprintf("%+v", header.Fields))
	}
	return strings.Join(s, "\n")
}

// fieldsAs returns the opcode specific block of the wanted type or a
// protocol error when the header carries a different opcode.
func fieldsAs[T FieldBlock](header *Header) (T, error) {
	fields, ok := header.Fields.(T)
	if !ok {
		var empty T
		return empty, protocolErrorf("%s does not carry %T", header.Opcode, empty)
	}
	return fields, nil
}

func putUint24(data []byte, value uint32) {
	data[0] = byte(value >> 16)
	data[1] = byte(value >> 8)
	data[2] = byte(value)
}

func uint24(data []byte) uint32 {
	return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
}

func putStage(flags byte, currentStage, nextStage LoginStage) byte {
	return flags | byte(currentStage&0x03)<<2 | byte(nextStage&0x03)
}

type NopOutFields struct {
	TargetTransferTag uint32
	CmdSN             uint32
	ExpStatSN         uint32
}

func (fields *NopOutFields) OpCode() OpCode { return OpNoopOut }

func (fields *NopOutFields) encode(bhs []byte) {
	bhs[1] = flagFinal
	binary.BigEndian.PutUint32(bhs[20:24], fields.TargetTransferTag)
	binary.BigEndian.PutUint32(bhs[24:28], fields.CmdSN)
	binary.BigEndian.PutUint32(bhs[28:32], fields.ExpStatSN)
}

func (fields *NopOutFields) decode(bhs []byte) {
	fields.TargetTransferTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.CmdSN = binary.BigEndian.Uint32(bhs[24:28])
	fields.ExpStatSN = binary.BigEndian.Uint32(bhs[28:32])
}

type SCSICommandFields struct {
	Final                      bool
	Read                       bool
	Write                      bool
	Attribute                  TaskAttribute
	ExpectedDataTransferLength uint32
	CmdSN                      uint32
	ExpStatSN                  uint32
	CDB                        [16]byte
}

func (fields *SCSICommandFields) OpCode() OpCode { return OpSCSICmd }

func (fields *SCSICommandFields) encode(bhs []byte) {
	if fields.Final {
		bhs[1] |= flagFinal
	}
	if fields.Read {
		bhs[1] |= flagRead
	}
	if fields.Write {
		bhs[1] |= flagWrite
	}
	bhs[1] |= byte(fields.Attribute) & 0x07
	binary.BigEndian.PutUint32(bhs[20:24], fields.ExpectedDataTransferLength)
	binary.BigEndian.PutUint32(bhs[24:28], fields.CmdSN)
	binary.BigEndian.PutUint32(bhs[28:32], fields.ExpStatSN)
	copy(bhs[32:48], fields.CDB[:])
}

func (fields *SCSICommandFields) decode(bhs []byte) {
	fields.Final = bhs[1]&flagFinal != 0
	fields.Read = bhs[1]&flagRead != 0
	fields.Write = bhs[1]&flagWrite != 0
	fields.Attribute = TaskAttribute(bhs[1] & 0x07)
	fields.ExpectedDataTransferLength = binary.BigEndian.Uint32(bhs[20:24])
	fields.CmdSN = binary.BigEndian.Uint32(bhs[24:28])
	fields.ExpStatSN = binary.BigEndian.Uint32(bhs[28:32])
	copy(fields.CDB[:], bhs[32:48])
}

type TaskManagementRequestFields struct {
	Function          TaskManagementFunction
	ReferencedTaskTag uint32
	CmdSN             uint32
	ExpStatSN         uint32
	RefCmdSN          uint32
	ExpDataSN         uint32
}

func (fields *TaskManagementRequestFields) OpCode() OpCode { return OpSCSITaskReq }

func (fields *TaskManagementRequestFields) encode(bhs []byte) {
	bhs[1] = flagFinal | byte(fields.Function)&0x7f
	binary.BigEndian.PutUint32(bhs[20:24], fields.ReferencedTaskTag)
	binary.BigEndian.PutUint32(bhs[24:28], fields.CmdSN)
	binary.BigEndian.PutUint32(bhs[28:32], fields.ExpStatSN)
	binary.BigEndian.PutUint32(bhs[32:36], fields.RefCmdSN)
	binary.BigEndian.PutUint32(bhs[36:40], fields.ExpDataSN)
}

func (fields *TaskManagementRequestFields) decode(bhs []byte) {
	fields.Function = TaskManagementFunction(bhs[1] & 0x7f)
	fields.ReferencedTaskTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.CmdSN = binary.BigEndian.Uint32(bhs[24:28])
	fields.ExpStatSN = binary.BigEndian.Uint32(bhs[28:32])
	fields.RefCmdSN = binary.BigEndian.Uint32(bhs[32:36])
	fields.ExpDataSN = binary.BigEndian.Uint32(bhs[36:40])
}

type LoginRequestFields struct {
	Transit      bool
	Continue     bool
	CurrentStage LoginStage
	NextStage    LoginStage
	VersionMax   byte
	VersionMin   byte
	ISID         [6]byte
	TSIH         uint16
	CID          uint16
	CmdSN        uint32
	ExpStatSN    uint32
}

func (fields *LoginRequestFields) OpCode() OpCode { return OpLoginReq }

func (fields *LoginRequestFields) encode(bhs []byte) {
	var flags byte
	if fields.Transit {
		flags |= flagTransit
	}
	if fields.Continue {
		flags |= flagContinue
	}
	bhs[1] = putStage(flags, fields.CurrentStage, fields.NextStage)
	bhs[2] = fields.VersionMax
	bhs[3] = fields.VersionMin
	copy(bhs[8:14], fields.ISID[:])
	binary.BigEndian.PutUint16(bhs[14:16], fields.TSIH)
	binary.BigEndian.PutUint16(bhs[20:22], fields.CID)
	binary.BigEndian.PutUint32(bhs[24:28], fields.CmdSN)
	binary.BigEndian.PutUint32(bhs[28:32], fields.ExpStatSN)
}

func (fields *LoginRequestFields) decode(bhs []byte) {
	fields.Transit = bhs[1]&flagTransit != 0
	fields.Continue = bhs[1]&flagContinue != 0
	fields.CurrentStage = LoginStage((bhs[1] >> 2) & 0x03)
	fields.NextStage = LoginStage(bhs[1] & 0x03)
	fields.VersionMax = bhs[2]
	fields.VersionMin = bhs[3]
	copy(fields.ISID[:], bhs[8:14])
	fields.TSIH = binary.BigEndian.Uint16(bhs[14:16])
	fields.CID = binary.BigEndian.Uint16(bhs[20:22])
	fields.CmdSN = binary.BigEndian.Uint32(bhs[24:28])
	fields.ExpStatSN = binary.BigEndian.Uint32(bhs[28:32])
}

type TextRequestFields struct {
	Final             bool
	Continue          bool
	TargetTransferTag uint32
	CmdSN             uint32
	ExpStatSN         uint32
}

func (fields *TextRequestFields) OpCode() OpCode { return OpTextReq }

func (fields *TextRequestFields) encode(bhs []byte) {
	if fields.Final {
		bhs[1] |= flagFinal
	}
	if fields.Continue {
		bhs[1] |= flagContinue
	}
	binary.BigEndian.PutUint32(bhs[20:24], fields.TargetTransferTag)
	binary.BigEndian.PutUint32(bhs[24:28], fields.CmdSN)
	binary.BigEndian.PutUint32(bhs[28:32], fields.ExpStatSN)
}

func (fields *TextRequestFields) decode(bhs []byte) {
	fields.Final = bhs[1]&flagFinal != 0
	fields.Continue = bhs[1]&flagContinue != 0
	fields.TargetTransferTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.CmdSN = binary.BigEndian.Uint32(bhs[24:28])
	fields.ExpStatSN = binary.BigEndian.Uint32(bhs[28:32])
}

type DataOutFields struct {
	Final             bool
	TargetTransferTag uint32
	ExpStatSN         uint32
	DataSN            uint32
	BufferOffset      uint32
}

func (fields *DataOutFields) OpCode() OpCode { return OpSCSIOut }

func (fields *DataOutFields) encode(bhs []byte) {
	if fields.Final {
		bhs[1] |= flagFinal
	}
	binary.BigEndian.PutUint32(bhs[20:24], fields.TargetTransferTag)
	binary.BigEndian.PutUint32(bhs[28:32], fields.ExpStatSN)
	binary.BigEndian.PutUint32(bhs[36:40], fields.DataSN)
	binary.BigEndian.PutUint32(bhs[40:44], fields.BufferOffset)
}

func (fields *DataOutFields) decode(bhs []byte) {
	fields.Final = bhs[1]&flagFinal != 0
	fields.TargetTransferTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.ExpStatSN = binary.BigEndian.Uint32(bhs[28:32])
	fields.DataSN = binary.BigEndian.Uint32(bhs[36:40])
	fields.BufferOffset = binary.BigEndian.Uint32(bhs[40:44])
}

type LogoutReason byte

const (
	LogoutCloseSession LogoutReason = iota
	LogoutCloseConnection
	LogoutRemoveConnectionForRecovery
)

type LogoutRequestFields struct {
	Reason    LogoutReason
	CID       uint16
	CmdSN     uint32
	ExpStatSN uint32
}

func (fields *LogoutRequestFields) OpCode() OpCode { return OpLogoutReq }

func (fields *LogoutRequestFields) encode(bhs []byte) {
	bhs[1] = flagFinal | byte(fields.Reason)&0x7f
	binary.BigEndian.PutUint16(bhs[20:22], fields.CID)
	binary.BigEndian.PutUint32(bhs[24:28], fields.CmdSN)
	binary.BigEndian.PutUint32(bhs[28:32], fields.ExpStatSN)
}

func (fields *LogoutRequestFields) decode(bhs []byte) {
	fields.Reason = LogoutReason(bhs[1] & 0x7f)
	fields.CID = binary.BigEndian.Uint16(bhs[20:22])
	fields.CmdSN = binary.BigEndian.Uint32(bhs[24:28])
	fields.ExpStatSN = binary.BigEndian.Uint32(bhs[28:32])
}

type SNACKType byte

const (
	SNACKData SNACKType = iota
	SNACKStatus
	SNACKDataAck
	SNACKRData
)

type SNACKRequestFields struct {
	Type              SNACKType
	TargetTransferTag uint32
	ExpStatSN         uint32
	BegRun            uint32
	RunLength         uint32
}

func (fields *SNACKRequestFields) OpCode() OpCode { return OpSNACKReq }

func (fields *SNACKRequestFields) encode(bhs []byte) {
	bhs[1] = flagFinal | byte(fields.Type)&0x0f
	binary.BigEndian.PutUint32(bhs[20:24], fields.TargetTransferTag)
	binary.BigEndian.PutUint32(bhs[28:32], fields.ExpStatSN)
	binary.BigEndian.PutUint32(bhs[40:44], fields.BegRun)
	binary.BigEndian.PutUint32(bhs[44:48], fields.RunLength)
}

func (fields *SNACKRequestFields) decode(bhs []byte) {
	fields.Type = SNACKType(bhs[1] & 0x0f)
	fields.TargetTransferTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.ExpStatSN = binary.BigEndian.Uint32(bhs[28:32])
	fields.BegRun = binary.BigEndian.Uint32(bhs[40:44])
	fields.RunLength = binary.BigEndian.Uint32(bhs[44:48])
}

// targetSequence is the StatSN/ExpCmdSN/MaxCmdSN triple most target PDUs
// carry at bytes 24..35.
type targetSequence struct {
	StatSN   uint32
	ExpCmdSN uint32
	MaxCmdSN uint32
}

func (sequence *targetSequence) encodeSequence(bhs []byte) {
	binary.BigEndian.PutUint32(bhs[24:28], sequence.StatSN)
	binary.BigEndian.PutUint32(bhs[28:32], sequence.ExpCmdSN)
	binary.BigEndian.PutUint32(bhs[32:36], sequence.MaxCmdSN)
}

func (sequence *targetSequence) decodeSequence(bhs []byte) {
	sequence.StatSN = binary.BigEndian.Uint32(bhs[24:28])
	sequence.ExpCmdSN = binary.BigEndian.Uint32(bhs[28:32])
	sequence.MaxCmdSN = binary.BigEndian.Uint32(bhs[32:36])
}

func (sequence *targetSequence) sequenceNumbers() *targetSequence {
	return sequence
}

// sequenced is implemented by every target PDU that reports the command
// window.
type sequenced interface {
	sequenceNumbers() *targetSequence
}

type NopInFields struct {
	targetSequence
	TargetTransferTag uint32
}

func (fields *NopInFields) OpCode() OpCode { return OpNoopIn }

func (fields *NopInFields) encode(bhs []byte) {
	bhs[1] = flagFinal
	binary.BigEndian.PutUint32(bhs[20:24], fields.TargetTransferTag)
	fields.encodeSequence(bhs)
}

func (fields *NopInFields) decode(bhs []byte) {
	fields.TargetTransferTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.decodeSequence(bhs)
}

type SCSIResponseFields struct {
	targetSequence
	BidiOverflow          bool
	BidiUnderflow         bool
	Overflow              bool
	Underflow             bool
	Response              byte
	Status                byte
	SNACKTag              uint32
	ExpDataSN             uint32
	BidiReadResidualCount uint32
	ResidualCount         uint32
}

func (fields *SCSIResponseFields) OpCode() OpCode { return OpSCSIResp }

func (fields *SCSIResponseFields) encode(bhs []byte) {
	bhs[1] = flagFinal
	if fields.BidiOverflow {
		bhs[1] |= flagBidiOverflow
	}
	if fields.BidiUnderflow {
		bhs[1] |= flagBidiUnderflow
	}
	if fields.Overflow {
		bhs[1] |= flagOverflow
	}
	if fields.Underflow {
		bhs[1] |= flagUnderflow
	}
	bhs[2] = fields.Response
	bhs[3] = fields.Status
	binary.BigEndian.PutUint32(bhs[20:24], fields.SNACKTag)
	fields.encodeSequence(bhs)
	binary.BigEndian.PutUint32(bhs[36:40], fields.ExpDataSN)
	binary.BigEndian.PutUint32(bhs[40:44], fields.BidiReadResidualCount)
	binary.BigEndian.PutUint32(bhs[44:48], fields.ResidualCount)
}

func (fields *SCSIResponseFields) decode(bhs []byte) {
	fields.BidiOverflow = bhs[1]&flagBidiOverflow != 0
	fields.BidiUnderflow = bhs[1]&flagBidiUnderflow != 0
	fields.Overflow = bhs[1]&flagOverflow != 0
	fields.Underflow = bhs[1]&flagUnderflow != 0
	fields.Response = bhs[2]
	fields.Status = bhs[3]
	fields.SNACKTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.decodeSequence(bhs)
	fields.ExpDataSN = binary.BigEndian.Uint32(bhs[36:40])
	fields.BidiReadResidualCount = binary.BigEndian.Uint32(bhs[40:44])
	fields.ResidualCount = binary.BigEndian.Uint32(bhs[44:48])
}

type TaskManagementResponseFields struct {
	targetSequence
	Response TaskManagementResponse
}

func (fields *TaskManagementResponseFields) OpCode() OpCode { return OpSCSITaskResp }

func (fields *TaskManagementResponseFields) encode(bhs []byte) {
	bhs[1] = flagFinal
	bhs[2] = byte(fields.Response)
	fields.encodeSequence(bhs)
}

func (fields *TaskManagementResponseFields) decode(bhs []byte) {
	fields.Response = TaskManagementResponse(bhs[2])
	fields.decodeSequence(bhs)
}

type LoginResponseFields struct {
	targetSequence
	Transit       bool
	Continue      bool
	CurrentStage  LoginStage
	NextStage     LoginStage
	VersionMax    byte
	VersionActive byte
	ISID          [6]byte
	TSIH          uint16
	StatusClass   uint8
	StatusDetail  uint8
}

func (fields *LoginResponseFields) OpCode() OpCode { return OpLoginResp }

func (fields *LoginResponseFields) encode(bhs []byte) {
	var flags byte
	if fields.Transit {
		flags |= flagTransit
	}
	if fields.Continue {
		flags |= flagContinue
	}
	bhs[1] = putStage(flags, fields.CurrentStage, fields.NextStage)
	bhs[2] = fields.VersionMax
	bhs[3] = fields.VersionActive
	copy(bhs[8:14], fields.ISID[:])
	binary.BigEndian.PutUint16(bhs[14:16], fields.TSIH)
	fields.encodeSequence(bhs)
	bhs[36] = fields.StatusClass
	bhs[37] = fields.StatusDetail
}

func (fields *LoginResponseFields) decode(bhs []byte) {
	fields.Transit = bhs[1]&flagTransit != 0
	fields.Continue = bhs[1]&flagContinue != 0
	fields.CurrentStage = LoginStage((bhs[1] >> 2) & 0x03)
	fields.NextStage = LoginStage(bhs[1] & 0x03)
	fields.VersionMax = bhs[2]
	fields.VersionActive = bhs[3]
	copy(fields.ISID[:], bhs[8:14])
	fields.TSIH = binary.BigEndian.Uint16(bhs[14:16])
	fields.decodeSequence(bhs)
	fields.StatusClass = bhs[36]
	fields.StatusDetail = bhs[37]
}

type TextResponseFields struct {
	targetSequence
	Final             bool
	Continue          bool
	TargetTransferTag uint32
}

func (fields *TextResponseFields) OpCode() OpCode { return OpTextResp }

func (fields *TextResponseFields) encode(bhs []byte) {
	if fields.Final {
		bhs[1] |= flagFinal
	}
	if fields.Continue {
		bhs[1] |= flagContinue
	}
	binary.BigEndian.PutUint32(bhs[20:24], fields.TargetTransferTag)
	fields.encodeSequence(bhs)
}

func (fields *TextResponseFields) decode(bhs []byte) {
	fields.Final = bhs[1]&flagFinal != 0
	fields.Continue = bhs[1]&flagContinue != 0
	fields.TargetTransferTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.decodeSequence(bhs)
}

type DataInFields struct {
	targetSequence
	Final             bool
	Acknowledge       bool
	Overflow          bool
	Underflow         bool
	HasStatus         bool
	Status            byte
	TargetTransferTag uint32
	DataSN            uint32
	BufferOffset      uint32
	ResidualCount     uint32
}

func (fields *DataInFields) OpCode() OpCode { return OpSCSIIn }

func (fields *DataInFields) encode(bhs []byte) {
	if fields.Final {
		bhs[1] |= flagFinal
	}
	if fields.Acknowledge {
		bhs[1] |= flagAcknowledge
	}
	if fields.Overflow {
		bhs[1] |= flagOverflow
	}
	if fields.Underflow {
		bhs[1] |= flagUnderflow
	}
	if fields.HasStatus {
		bhs[1] |= flagStatus
	}
	bhs[3] = fields.Status
	binary.BigEndian.PutUint32(bhs[20:24], fields.TargetTransferTag)
	fields.encodeSequence(bhs)
	binary.BigEndian.PutUint32(bhs[36:40], fields.DataSN)
	binary.BigEndian.PutUint32(bhs[40:44], fields.BufferOffset)
	binary.BigEndian.PutUint32(bhs[44:48], fields.ResidualCount)
}

func (fields *DataInFields) decode(bhs []byte) {
	fields.Final = bhs[1]&flagFinal != 0
	fields.Acknowledge = bhs[1]&flagAcknowledge != 0
	fields.Overflow = bhs[1]&flagOverflow != 0
	fields.Underflow = bhs[1]&flagUnderflow != 0
	fields.HasStatus = bhs[1]&flagStatus != 0
	fields.Status = bhs[3]
	fields.TargetTransferTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.decodeSequence(bhs)
	fields.DataSN = binary.BigEndian.Uint32(bhs[36:40])
	fields.BufferOffset = binary.BigEndian.Uint32(bhs[40:44])
	fields.ResidualCount = binary.BigEndian.Uint32(bhs[44:48])
}

type LogoutResponse byte

const (
	LogoutResponseSuccess LogoutResponse = iota
	LogoutResponseCIDNotFound
	LogoutResponseRecoveryNotSupported
	LogoutResponseCleanupFailed
)

type LogoutResponseFields struct {
	targetSequence
	Response    LogoutResponse
	Time2Wait   uint16
	Time2Retain uint16
}

func (fields *LogoutResponseFields) OpCode() OpCode { return OpLogoutResp }

func (fields *LogoutResponseFields) encode(bhs []byte) {
	bhs[1] = flagFinal
	bhs[2] = byte(fields.Response)
	fields.encodeSequence(bhs)
	binary.BigEndian.PutUint16(bhs[40:42], fields.Time2Wait)
	binary.BigEndian.PutUint16(bhs[42:44], fields.Time2Retain)
}

func (fields *LogoutResponseFields) decode(bhs []byte) {
	fields.Response = LogoutResponse(bhs[2])
	fields.decodeSequence(bhs)
	fields.Time2Wait = binary.BigEndian.Uint16(bhs[40:42])
	fields.Time2Retain = binary.BigEndian.Uint16(bhs[42:44])
}

type R2TFields struct {
	targetSequence
	TargetTransferTag         uint32
	R2TSN                     uint32
	BufferOffset              uint32
	DesiredDataTransferLength uint32
}

func (fields *R2TFields) OpCode() OpCode { return OpReady }

func (fields *R2TFields) encode(bhs []byte) {
	bhs[1] = flagFinal
	binary.BigEndian.PutUint32(bhs[20:24], fields.TargetTransferTag)
	fields.encodeSequence(bhs)
	binary.BigEndian.PutUint32(bhs[36:40], fields.R2TSN)
	binary.BigEndian.PutUint32(bhs[40:44], fields.BufferOffset)
	binary.BigEndian.PutUint32(bhs[44:48], fields.DesiredDataTransferLength)
}

func (fields *R2TFields) decode(bhs []byte) {
	fields.TargetTransferTag = binary.BigEndian.Uint32(bhs[20:24])
	fields.decodeSequence(bhs)
	fields.R2TSN = binary.BigEndian.Uint32(bhs[36:40])
	fields.BufferOffset = binary.BigEndian.Uint32(bhs[40:44])
	fields.DesiredDataTransferLength = binary.BigEndian.Uint32(bhs[44:48])
}

type AsyncEvent byte

const (
	AsyncEventSCSI                 AsyncEvent = 0
	AsyncEventRequestLogout        AsyncEvent = 1
	AsyncEventDropConnection       AsyncEvent = 2
	AsyncEventDropAllConnections   AsyncEvent = 3
	AsyncEventRequestRenegotiation AsyncEvent = 4
	AsyncEventVendorSpecific       AsyncEvent = 255
)

type AsyncMessageFields struct {
	targetSequence
	AsyncEvent AsyncEvent
	AsyncVCode byte
	Parameter1 uint16
	Parameter2 uint16
	Parameter3 uint16
}

func (fields *AsyncMessageFields) OpCode() OpCode { return OpAsync }

func (fields *AsyncMessageFields) encode(bhs []byte) {
	bhs[1] = flagFinal
	fields.encodeSequence(bhs)
	bhs[36] = byte(fields.AsyncEvent)
	bhs[37] = fields.AsyncVCode
	binary.BigEndian.PutUint16(bhs[38:40], fields.Parameter1)
	binary.BigEndian.PutUint16(bhs[40:42], fields.Parameter2)
	binary.BigEndian.PutUint16(bhs[42:44], fields.Parameter3)
}

func (fields *AsyncMessageFields) decode(bhs []byte) {
	fields.decodeSequence(bhs)
	fields.AsyncEvent = AsyncEvent(bhs[36])
	fields.AsyncVCode = bhs[37]
	fields.Parameter1 = binary.BigEndian.Uint16(bhs[38:40])
	fields.Parameter2 = binary.BigEndian.Uint16(bhs[40:42])
	fields.Parameter3 = binary.BigEndian.Uint16(bhs[42:44])
}

type RejectReason byte

const (
	RejectDataDigestError     RejectReason = 0x02
	RejectSNACKReject         RejectReason = 0x03
	RejectProtocolError       RejectReason = 0x04
	RejectCommandNotSupported RejectReason = 0x05
	RejectImmediateCommand    RejectReason = 0x06
	RejectTaskInProgress      RejectReason = 0x07
	RejectInvalidDataAck      RejectReason = 0x08
	RejectInvalidPDUField     RejectReason = 0x09
	RejectLongOperation       RejectReason = 0x0a
	RejectNegotiationReset    RejectReason = 0x0b
	RejectWaitingForLogout    RejectReason = 0x0c
)

type RejectFields struct {
	targetSequence
	Reason RejectReason
	DataSN uint32
}

func (fields *RejectFields) OpCode() OpCode { return OpReject }

func (fields *RejectFields) encode(bhs []byte) {
	bhs[1] = flagFinal
	bhs[2] = byte(fields.Reason)
	fields.encodeSequence(bhs)
	binary.BigEndian.PutUint32(bhs[36:40], fields.DataSN)
}

func (fields *RejectFields) decode(bhs []byte) {
	fields.Reason = RejectReason(bhs[2])
	fields.decodeSequence(bhs)
	fields.DataSN = binary.BigEndian.Uint32(bhs[36:40])
}
