// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"context"

	"github.com/pkg/errors"

	"iscsiinitiator/pkg/iscsi_initiator"
	"iscsiinitiator/pkg/logger"
)

// CommandRunner executes one SCSI command, a session for example.
type CommandRunner interface {
	Run(ctx context.Context, request *iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error)
}

// Device is a logical unit seen through a CommandRunner.
type Device struct {
	runner CommandRunner
	lun    uint64
	log    *logger.Logger
}

func NewDevice(runner CommandRunner, lun uint16) *Device {
	return &Device{
		runner: runner,
		lun:    EncodeLUN(lun),
		log:    logger.GetLogger().WithField("lun", lun),
	}
}

func (device *Device) run(ctx context.Context, cdb []byte, direction iscsi_initiator.DataDirection, buffer []byte) (*iscsi_initiator.SCSIResult, error) {
	request := &iscsi_initiator.SCSIRequest{
		LUN:       device.lun,
		CDB:       cdb,
		Direction: direction,
		Buffer:    buffer,
		Attribute: iscsi_initiator.TaskAttributeSimple,
	}
	name := OperationCodeToString(CommandType(cdb[0]))
	result, err := device.runner.Run(ctx, request)
	if result != nil && result.SCSIStatus == SamStatCheckCondition && len(result.Sense) > 0 {
		sense, parseErr := ParseSense(result.Sense)
		if parseErr == nil {
			device.log.Debugf("%s: %s", name, sense)
			return result, errors.Wrap(sense, name)
		}
	}
	if err != nil {
		return result, errors.Wrap(err, name)
	}
	return result, nil
}

func (device *Device) TestUnitReady(ctx context.Context) error {
	_, err := device.run(ctx, TestUnitReadyCDB(), iscsi_initiator.DataNone, nil)
	return err
}

func (device *Device) Inquiry(ctx context.Context) (InquiryData, error) {
	buffer := make([]byte, 96)
	result, err := device.run(ctx, InquiryCDB(false, 0, uint16(len(buffer))), iscsi_initiator.DataIn, buffer)
	if err != nil {
		return InquiryData{}, err
	}
	return ParseInquiry(buffer[:received(result, len(buffer))])
}

func (device *Device) SerialNumber(ctx context.Context) (string, error) {
	buffer := make([]byte, 255)
	result, err := device.run(ctx, InquiryCDB(true, UnitSerialNumberVpdPageCode, uint16(len(buffer))), iscsi_initiator.DataIn, buffer)
	if err != nil {
		return "", err
	}
	return ParseUnitSerialNumber(buffer[:received(result, len(buffer))])
}

// ReadCapacity asks READ CAPACITY(10) first and switches to the 16 byte
// form for large devices.
func (device *Device) ReadCapacity(ctx context.Context) (Capacity, error) {
	buffer := make([]byte, ReadCapacity10Length)
	if _, err := device.run(ctx, ReadCapacity10CDB(), iscsi_initiator.DataIn, buffer); err != nil {
		return Capacity{}, err
	}
	capacity, err := ParseReadCapacity10(buffer)
	if err != nil || capacity.LastLBA != 0xffffffff {
		return capacity, err
	}
	buffer = make([]byte, ReadCapacity16Length)
	result, err := device.run(ctx, ReadCapacity16CDB(uint32(len(buffer))), iscsi_initiator.DataIn, buffer)
	if err != nil {
		return Capacity{}, err
	}
	return ParseReadCapacity16(buffer[:received(result, len(buffer))])
}

// ReadBlocks fills buffer starting at logicalBlockAddress. The buffer
// length must be a multiple of blockSize.
func (device *Device) ReadBlocks(ctx context.Context, logicalBlockAddress uint64, blockSize uint32, buffer []byte) error {
	blocks, err := blockCount(blockSize, len(buffer))
	if err != nil {
		return err
	}
	_, err = device.run(ctx, ReadWriteCDB(false, logicalBlockAddress, blocks), iscsi_initiator.DataIn, buffer)
	return err
}

func (device *Device) WriteBlocks(ctx context.Context, logicalBlockAddress uint64, blockSize uint32, buffer []byte) error {
	blocks, err := blockCount(blockSize, len(buffer))
	if err != nil {
		return err
	}
	_, err = device.run(ctx, ReadWriteCDB(true, logicalBlockAddress, blocks), iscsi_initiator.DataOut, buffer)
	return err
}

func (device *Device) SynchronizeCache(ctx context.Context) error {
	_, err := device.run(ctx, SynchronizeCacheCDB(0, 0), iscsi_initiator.DataNone, nil)
	return err
}

// ReportLuns lists the logical units of the target.
func (device *Device) ReportLuns(ctx context.Context) ([]uint16, error) {
	length := uint32(16 + 8*64)
	for {
		buffer := make([]byte, length)
		result, err := device.run(ctx, ReportLunsCDB(length), iscsi_initiator.DataIn, buffer)
		if err != nil {
			return nil, err
		}
		fields, listLength, err := ParseReportLuns(buffer[:received(result, len(buffer))])
		if err != nil {
			return nil, err
		}
		if listLength+8 > length {
			length = listLength + 8
			continue
		}
		luns := make([]uint16, 0, len(fields))
		for _, field := range fields {
			lun, err := DecodeLUN(field)
			if err != nil {
				device.log.Warnf("skipping %s", err)
				continue
			}
			luns = append(luns, lun)
		}
		return luns, nil
	}
}

func received(result *iscsi_initiator.SCSIResult, capacity int) int {
	if result == nil || result.Transferred == 0 || int(result.Transferred) > capacity {
		return capacity
	}
	return int(result.Transferred)
}

func blockCount(blockSize uint32, length int) (uint32, error) {
	if blockSize == 0 || length == 0 || uint32(length)%blockSize != 0 {
		return 0, errors.Errorf("buffer of %d bytes is not a multiple of block size %d", length, blockSize)
	}
	return uint32(length) / blockSize, nil
}
