// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func standardInquiry() []byte {
	data := make([]byte, StandardInquiryLength)
	data[0] = byte(TypeDisk)
	data[2] = 0x06
	data[7] = 0x02
	copy(data[8:16], "NX      ")
	copy(data[16:32], "VMS disk        ")
	copy(data[32:36], "1.0 ")
	return data
}

func TestParseInquiry(t *testing.T) {
	inquiry, err := ParseInquiry(standardInquiry())
	require.Nil(t, err)
	assert.Equal(t, TypeDisk, inquiry.DeviceType)
	assert.Equal(t, byte(0x06), inquiry.Version)
	assert.True(t, inquiry.CmdQue)
	assert.False(t, inquiry.Removable)
	assert.Equal(t, "NX", inquiry.VendorID)
	assert.Equal(t, "VMS disk", inquiry.ProductID)
	assert.Equal(t, "1.0", inquiry.ProductRev)
	assert.Equal(t, "NX VMS disk 1.0 (type 0x00)", inquiry.String())

	_, err = ParseInquiry(make([]byte, 20))
	var short *ErrShortData
	assert.True(t, errors.As(err, &short), "got %v", err)
}

func TestParseVpdPages(t *testing.T) {
	pages, err := ParseSupportedVpdPages([]byte{0, 0x00, 0, 3, 0x00, 0x80, 0x83})
	require.Nil(t, err)
	assert.Equal(t, []byte{0x00, 0x80, 0x83}, pages)

	serial, err := ParseUnitSerialNumber([]byte{0, 0x80, 0, 8, 'S', 'N', '0', '0', '4', '2', ' ', ' '})
	require.Nil(t, err)
	assert.Equal(t, "SN0042", serial)

	_, err = ParseUnitSerialNumber([]byte{0, 0x83, 0, 0})
	assert.NotNil(t, err, "wrong page")
}

func TestParseDeviceIdentification(t *testing.T) {
	data := []byte{
		0, 0x83, 0, 20,
		// NAA, binary, logical unit
		InqCodeBin, DesignatorTypeNaa, 0, 8, 0x60, 1, 2, 3, 4, 5, 6, 7,
		// SCSI name string, UTF-8, target
		ProtocolIdentifierValueIscsi<<4 | InqCodeUtf8, 0x80 | AssociatedTarget<<4 | DesignatorTypeScsi, 0, 4, 'i', 'q', 'n', 0,
	}
	designators, err := ParseDeviceIdentification(data)
	require.Nil(t, err)
	require.Len(t, designators, 2)
	assert.Equal(t, byte(DesignatorTypeNaa), designators[0].Type)
	assert.Equal(t, "6001020304050607", designators[0].String())
	assert.Equal(t, ProtocolIdentifierValueIscsi, designators[1].Protocol)
	assert.Equal(t, AssociatedTarget, designators[1].Association)
	assert.Equal(t, byte(DesignatorTypeScsi), designators[1].Type)
	assert.Equal(t, "iqn", designators[1].String())
}

func TestParseCapacity(t *testing.T) {
	capacity, err := ParseReadCapacity10([]byte{0, 0, 0x0f, 0xff, 0, 0, 0x02, 0})
	require.Nil(t, err)
	assert.Equal(t, uint64(4096), capacity.Blocks())
	assert.Equal(t, uint64(4096*512), capacity.Bytes())

	data := make([]byte, ReadCapacity16Length)
	copy(data, []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0x10, 0, 0, 0x03, 0x00, 0x08})
	capacity, err = ParseReadCapacity16(data)
	require.Nil(t, err)
	assert.Equal(t, uint64(0x100000000), capacity.LastLBA)
	assert.Equal(t, uint32(4096), capacity.BlockSize)
	assert.Equal(t, byte(3), capacity.LBPPBE)
	assert.Equal(t, uint16(8), capacity.LowestAlignedLBA)

	_, err = ParseReadCapacity10(make([]byte, 4))
	assert.NotNil(t, err)
}
