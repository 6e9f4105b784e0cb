// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iscsiinitiator/pkg/iscsi_initiator"
)

type fakeRunner struct {
	requests []*iscsi_initiator.SCSIRequest
	respond  func(request *iscsi_initiator.SCSIRequest) *iscsi_initiator.SCSIResult
}

func (runner *fakeRunner) Run(_ context.Context, request *iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error) {
	runner.requests = append(runner.requests, request)
	result := runner.respond(request)
	return result, result.Err
}

func TestDeviceCheckConditionIsSense(t *testing.T) {
	runner := &fakeRunner{respond: func(*iscsi_initiator.SCSIRequest) *iscsi_initiator.SCSIResult {
		return &iscsi_initiator.SCSIResult{
			SCSIStatus: SamStatCheckCondition,
			Sense:      BuildSenseData(NotReady, AscMediumNotPresent),
		}
	}}
	device := NewDevice(runner, 3)
	err := device.TestUnitReady(context.Background())
	require.NotNil(t, err)
	var sense Sense
	require.True(t, errors.As(err, &sense), "got %v", err)
	assert.Equal(t, NotReady, sense.Key)
	assert.Equal(t, AscMediumNotPresent, sense.Code)
	assert.Contains(t, err.Error(), "TestUnitReady")

	require.Len(t, runner.requests, 1)
	assert.Equal(t, EncodeLUN(3), runner.requests[0].LUN)
	assert.Equal(t, iscsi_initiator.DataNone, runner.requests[0].Direction)
}

func TestDeviceReadCapacitySwitchesToLongForm(t *testing.T) {
	runner := &fakeRunner{respond: func(request *iscsi_initiator.SCSIRequest) *iscsi_initiator.SCSIResult {
		switch CommandType(request.CDB[0]) {
		case ReadCapacity10:
			binary.BigEndian.PutUint32(request.Buffer[0:4], 0xffffffff)
			binary.BigEndian.PutUint32(request.Buffer[4:8], 512)
		case ServiceActionIn:
			binary.BigEndian.PutUint64(request.Buffer[0:8], 0x1_ffff_ffff)
			binary.BigEndian.PutUint32(request.Buffer[8:12], 4096)
		}
		return &iscsi_initiator.SCSIResult{Transferred: uint32(len(request.Buffer))}
	}}
	capacity, err := NewDevice(runner, 0).ReadCapacity(context.Background())
	require.Nil(t, err)
	assert.Equal(t, uint64(0x2_0000_0000), capacity.Blocks())
	assert.Equal(t, uint32(4096), capacity.BlockSize)
	require.Len(t, runner.requests, 2)
	assert.Equal(t, ServiceActionReadCapacity16, runner.requests[1].CDB[1])
}

func TestDeviceReportLunsGrowsBuffer(t *testing.T) {
	const lunCount = 100
	runner := &fakeRunner{respond: func(request *iscsi_initiator.SCSIRequest) *iscsi_initiator.SCSIResult {
		buffer := request.Buffer
		binary.BigEndian.PutUint32(buffer[0:4], lunCount*8)
		entries := buffer[8:]
		for lun := uint16(0); lun < lunCount && len(entries) >= 8; lun++ {
			binary.BigEndian.PutUint64(entries, EncodeLUN(lun))
			entries = entries[8:]
		}
		return &iscsi_initiator.SCSIResult{Transferred: uint32(len(buffer))}
	}}
	luns, err := NewDevice(runner, 0).ReportLuns(context.Background())
	require.Nil(t, err)
	assert.Len(t, luns, lunCount)
	assert.Equal(t, uint16(lunCount-1), luns[lunCount-1])
	require.Len(t, runner.requests, 2)
	assert.Equal(t, lunCount*8+8, len(runner.requests[1].Buffer))
}

func TestDeviceInquiryUsesTransferredLength(t *testing.T) {
	runner := &fakeRunner{respond: func(request *iscsi_initiator.SCSIRequest) *iscsi_initiator.SCSIResult {
		copy(request.Buffer, standardInquiry())
		return &iscsi_initiator.SCSIResult{Transferred: StandardInquiryLength}
	}}
	inquiry, err := NewDevice(runner, 0).Inquiry(context.Background())
	require.Nil(t, err)
	assert.Equal(t, "VMS disk", inquiry.ProductID)
	assert.Equal(t, iscsi_initiator.DataIn, runner.requests[0].Direction)
}

func TestDeviceBlockIO(t *testing.T) {
	runner := &fakeRunner{respond: func(request *iscsi_initiator.SCSIRequest) *iscsi_initiator.SCSIResult {
		return &iscsi_initiator.SCSIResult{}
	}}
	device := NewDevice(runner, 1)
	require.Nil(t, device.WriteBlocks(context.Background(), 64, 512, make([]byte, 2048)))
	cdb := runner.requests[0].CDB
	assert.Equal(t, byte(Write10), cdb[0])
	assert.Equal(t, uint64(64), ReadWriteOffset(cdb))
	assert.Equal(t, uint32(4), ReadWriteCount(cdb))
	assert.Equal(t, iscsi_initiator.DataOut, runner.requests[0].Direction)

	assert.NotNil(t, device.ReadBlocks(context.Background(), 0, 512, make([]byte, 100)))
	assert.Len(t, runner.requests, 1, "misaligned buffers are not sent")
}
