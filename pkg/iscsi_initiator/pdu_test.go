// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSCSICommandLayout(t *testing.T) {
	header := Header{
		Opcode:           OpSCSICmd,
		Immediate:        true,
		LUN:              0x0001000000000000,
		InitiatorTaskTag: 0x11223344,
		Fields: &SCSICommandFields{
			Final:                      true,
			Read:                       true,
			Attribute:                  TaskAttributeSimple,
			ExpectedDataTransferLength: 4096,
			CmdSN:                      5,
			ExpStatSN:                  9,
			CDB:                        [16]byte{0x28, 0, 0, 0, 0, 0x10, 0, 0, 8, 0},
		},
	}
	bhs := make([]byte, BasicHeaderSegmentSize)
	require.Nil(t, header.Marshal(bhs))

	assert.Equal(t, byte(0x41), bhs[0], "immediate bit and opcode")
	assert.Equal(t, byte(0xc1), bhs[1], "final, read and simple attribute")
	assert.Equal(t, uint64(0x0001000000000000), binary.BigEndian.Uint64(bhs[8:16]))
	assert.Equal(t, uint32(0x11223344), binary.BigEndian.Uint32(bhs[16:20]))
	assert.Equal(t, uint32(4096), binary.BigEndian.Uint32(bhs[20:24]))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(bhs[24:28]))
	assert.Equal(t, uint32(9), binary.BigEndian.Uint32(bhs[28:32]))
	assert.Equal(t, byte(0x28), bhs[32])

	var decoded Header
	require.Nil(t, decoded.Unmarshal(bhs))
	assert.Equal(t, header, decoded)
}

func TestFieldBlocksRoundTrip(t *testing.T) {
	sequence := targetSequence{StatSN: 0x01020304, ExpCmdSN: 0x05060708, MaxCmdSN: 0x090a0b0c}
	isid := [6]byte{0x80, 0x12, 0x34, 0x56, 0x78, 0x9a}
	blocks := []FieldBlock{
		&NopOutFields{TargetTransferTag: 0x1111, CmdSN: 0x2222, ExpStatSN: 0x3333},
		&SCSICommandFields{
			Final:                      true,
			Read:                       true,
			Write:                      true,
			Attribute:                  TaskAttributeHeadOfQueue,
			ExpectedDataTransferLength: 0x10000,
			CmdSN:                      0x2222,
			ExpStatSN:                  0x3333,
			CDB:                        [16]byte{0x88, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		},
		&TaskManagementRequestFields{
			Function:          TaskLogicalUnitReset,
			ReferencedTaskTag: 0x4444,
			CmdSN:             0x2222,
			ExpStatSN:         0x3333,
			RefCmdSN:          0x5555,
			ExpDataSN:         0x6666,
		},
		&LoginRequestFields{
			Transit:      true,
			Continue:     true,
			CurrentStage: LoginOperationalNegotiation,
			NextStage:    FullFeaturePhase,
			VersionMax:   0x01,
			VersionMin:   0x02,
			ISID:         isid,
			TSIH:         0x0107,
			CID:          0x0009,
			CmdSN:        0x2222,
			ExpStatSN:    0x3333,
		},
		&TextRequestFields{Final: true, Continue: true, TargetTransferTag: 0x1111, CmdSN: 0x2222, ExpStatSN: 0x3333},
		&DataOutFields{Final: true, TargetTransferTag: 0x1111, ExpStatSN: 0x3333, DataSN: 0x7777, BufferOffset: 0x8888},
		&LogoutRequestFields{Reason: LogoutRemoveConnectionForRecovery, CID: 0x0009, CmdSN: 0x2222, ExpStatSN: 0x3333},
		&SNACKRequestFields{Type: SNACKRData, TargetTransferTag: 0x1111, ExpStatSN: 0x3333, BegRun: 0x9999, RunLength: 0xaaaa},
		&NopInFields{targetSequence: sequence, TargetTransferTag: 0x1111},
		&SCSIResponseFields{
			targetSequence:        sequence,
			BidiOverflow:          true,
			BidiUnderflow:         true,
			Overflow:              true,
			Underflow:             true,
			Response:              0x01,
			Status:                samStatCheckCondition,
			SNACKTag:              0xbbbb,
			ExpDataSN:             0x6666,
			BidiReadResidualCount: 0xcccc,
			ResidualCount:         0xdddd,
		},
		&TaskManagementResponseFields{targetSequence: sequence, Response: TaskResponseNoLUN},
		&LoginResponseFields{
			targetSequence: sequence,
			Transit:        true,
			Continue:       true,
			CurrentStage:   SecurityNegotiation,
			NextStage:      LoginOperationalNegotiation,
			VersionMax:     0x01,
			VersionActive:  0x02,
			ISID:           isid,
			TSIH:           0x0107,
			StatusClass:    0x02,
			StatusDetail:   0x06,
		},
		&TextResponseFields{targetSequence: sequence, Final: true, Continue: true, TargetTransferTag: 0x1111},
		&DataInFields{
			targetSequence:    sequence,
			Final:             true,
			Acknowledge:       true,
			Overflow:          true,
			Underflow:         true,
			HasStatus:         true,
			Status:            samStatBusy,
			TargetTransferTag: 0x1111,
			DataSN:            0x7777,
			BufferOffset:      0x8888,
			ResidualCount:     0xdddd,
		},
		&LogoutResponseFields{targetSequence: sequence, Response: LogoutResponseCleanupFailed, Time2Wait: 2, Time2Retain: 20},
		&R2TFields{
			targetSequence:            sequence,
			TargetTransferTag:         0x1111,
			R2TSN:                     0xeeee,
			BufferOffset:              0x8888,
			DesiredDataTransferLength: 0x10000,
		},
		&AsyncMessageFields{
			targetSequence: sequence,
			AsyncEvent:     AsyncEventDropConnection,
			AsyncVCode:     0x42,
			Parameter1:     0x0009,
			Parameter2:     2,
			Parameter3:     20,
		},
		&RejectFields{targetSequence: sequence, Reason: RejectInvalidPDUField, DataSN: 0x7777},
	}

	covered := map[OpCode]bool{}
	for _, fields := range blocks {
		covered[fields.OpCode()] = true
		t.Run(fields.OpCode().String(), func(t *testing.T) {
			header := Header{
				Opcode:            fields.OpCode(),
				Immediate:         true,
				DataSegmentLength: 0x010203,
				LUN:               0x0001020304050607,
				InitiatorTaskTag:  0xdeadbeef,
				Fields:            fields,
			}
			bhs := make([]byte, BasicHeaderSegmentSize)
			require.Nil(t, header.Marshal(bhs))
			var decoded Header
			require.Nil(t, decoded.Unmarshal(bhs))
			if lunOpcodes[header.Opcode] {
				assert.Equal(t, header.LUN, binary.BigEndian.Uint64(bhs[8:16]), "LUN at bytes 8..15")
			} else {
				// bytes 8..15 belong to the opcode specific block or are reserved
				header.LUN = 0
			}
			assert.Equal(t, header, decoded)
		})
	}
	assert.Len(t, covered, len(opCodeMap), "one field block per opcode")
}

func TestLoginResponseStages(t *testing.T) {
	bhs := make([]byte, BasicHeaderSegmentSize)
	bhs[0] = byte(OpLoginResp)
	// transit, CSG=1, NSG=3
	bhs[1] = 0x87
	binary.BigEndian.PutUint16(bhs[14:16], 0x1234)
	bhs[36] = 0x02
	bhs[37] = 0x01

	var header Header
	require.Nil(t, header.Unmarshal(bhs))
	fields, err := fieldsAs[*LoginResponseFields](&header)
	require.Nil(t, err)
	assert.True(t, fields.Transit)
	assert.False(t, fields.Continue)
	assert.Equal(t, LoginOperationalNegotiation, fields.CurrentStage)
	assert.Equal(t, FullFeaturePhase, fields.NextStage)
	assert.Equal(t, uint16(0x1234), fields.TSIH)
	assert.Equal(t, uint8(2), fields.StatusClass)
	assert.Equal(t, uint8(1), fields.StatusDetail)
	assert.Zero(t, header.LUN, "login responses carry no LUN")

	_, err = fieldsAs[*DataInFields](&header)
	var protocolErr *ErrProtocol
	assert.True(t, errors.As(err, &protocolErr))
}

func TestUnmarshalRejectsUnknownOpcode(t *testing.T) {
	bhs := make([]byte, BasicHeaderSegmentSize)
	bhs[0] = 0x1c
	var header Header
	err := header.Unmarshal(bhs)
	var protocolErr *ErrProtocol
	assert.True(t, errors.As(err, &protocolErr), "got %v", err)

	err = header.Unmarshal(bhs[:20])
	assert.True(t, errors.As(err, &protocolErr), "got %v", err)
}

func TestMarshalRejectsMismatchedFields(t *testing.T) {
	header := Header{Opcode: OpNoopOut, Fields: &TextRequestFields{}}
	assert.NotNil(t, header.Marshal(make([]byte, BasicHeaderSegmentSize)))
	header.Fields = nil
	assert.NotNil(t, header.Marshal(make([]byte, BasicHeaderSegmentSize)))
}

func TestDigestIsCRC32C(t *testing.T) {
	assert.Equal(t, uint32(0xe3069283), digest([]byte("123456789")))
	assert.Equal(t, digest([]byte("123456789")), digest([]byte("1234"), []byte("56789")))
}

func TestFramingWithDigests(t *testing.T) {
	digests := digestSettings{header: true, data: true}
	pdu := &PDU{
		Header: Header{
			Opcode:           OpTextReq,
			InitiatorTaskTag: 3,
			Fields:           &TextRequestFields{Final: true, TargetTransferTag: ReservedTag, CmdSN: 1},
		},
		Data: []byte("SendTargets=All"),
	}
	frame, err := marshalPDU(pdu, digests, nil)
	require.Nil(t, err)
	// 15 data bytes are padded to 16
	assert.Len(t, frame, BasicHeaderSegmentSize+DigestSize+16+DigestSize)
	assert.Equal(t, uint32(15), uint24(frame[5:8]))

	received := &PDU{}
	require.Nil(t, readPDU(bytes.NewReader(frame), received, digests, 8192))
	assert.Equal(t, pdu.Data, received.Data)
	fields, err := fieldsAs[*TextRequestFields](&received.Header)
	require.Nil(t, err)
	assert.True(t, fields.Final)
	assert.Equal(t, ReservedTag, fields.TargetTransferTag)
}

func TestReadPDUDigestErrors(t *testing.T) {
	digests := digestSettings{header: true, data: true}
	pdu := &PDU{
		Header: Header{
			Opcode:           OpSCSIIn,
			InitiatorTaskTag: 0x42,
			Fields:           &DataInFields{DataSN: 1},
		},
		Data: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	frame, err := marshalPDU(pdu, digests, nil)
	require.Nil(t, err)

	corruptedData := append([]byte(nil), frame...)
	corruptedData[BasicHeaderSegmentSize+DigestSize] ^= 0xff
	err = readPDU(bytes.NewReader(corruptedData), &PDU{}, digests, 8192)
	var dataErr *ErrDataDigest
	require.True(t, errors.As(err, &dataErr), "got %v", err)
	assert.Equal(t, OpSCSIIn, dataErr.Opcode)
	assert.Equal(t, uint32(0x42), dataErr.InitiatorTaskTag)

	corruptedHeader := append([]byte(nil), frame...)
	corruptedHeader[20] ^= 0x01
	err = readPDU(bytes.NewReader(corruptedHeader), &PDU{}, digests, 8192)
	var headerErr *ErrHeaderDigest
	assert.True(t, errors.As(err, &headerErr), "got %v", err)
}

func TestReadPDURejectsOversizedSegment(t *testing.T) {
	pdu := &PDU{
		Header: Header{Opcode: OpNoopIn, InitiatorTaskTag: ReservedTag, Fields: &NopInFields{}},
		Data:   make([]byte, 1024),
	}
	frame, err := marshalPDU(pdu, digestSettings{}, nil)
	require.Nil(t, err)
	err = readPDU(bytes.NewReader(frame), &PDU{}, digestSettings{}, 512)
	var protocolErr *ErrProtocol
	assert.True(t, errors.As(err, &protocolErr), "got %v", err)
}

func TestPDUPool(t *testing.T) {
	pool := newPDUPool(2)
	first, err := pool.get(false)
	require.Nil(t, err)
	second, err := pool.get(false)
	require.Nil(t, err)
	assert.NotSame(t, first, second)
	_, err = pool.get(false)
	var exhausted *ErrPoolExhausted
	assert.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 2, pool.inUse())

	pool.put(first)
	pool.put(first)
	assert.Equal(t, 1, pool.inUse(), "double put is ignored")

	pool.put(second)
	pool.close()
	_, err = pool.get(true)
	var closed *ErrPoolClosed
	assert.True(t, errors.As(err, &closed))
	pool.reopen()
	_, err = pool.get(true)
	assert.Nil(t, err)
}
