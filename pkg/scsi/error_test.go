// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFixedSense(t *testing.T) {
	data := BuildSenseData(IllegalRequest, AscLbaOutOfRange)
	sense, err := ParseSense(data)
	require.Nil(t, err)
	assert.Equal(t, byte(0x70), sense.ResponseCode)
	assert.Equal(t, IllegalRequest, sense.Key)
	assert.Equal(t, AscLbaOutOfRange, sense.Code)
	assert.False(t, sense.Deferred)
	assert.Equal(t, "ILLEGAL REQUEST: logical block address out of range", sense.Error())

	// VALID bit set, information carries the failing LBA
	data[0] |= 0x80
	copy(data[3:7], []byte{0, 0, 0x10, 0})
	sense, err = ParseSense(data)
	require.Nil(t, err)
	assert.Equal(t, uint64(0x1000), sense.Information)
}

func TestParseDescriptorSense(t *testing.T) {
	data := []byte{
		0x72, UnitAttention, 0x29, 0x00, 0, 0, 0, 12,
		// information descriptor
		0x00, 0x0a, 0x80, 0, 0, 0, 0, 0, 0, 0, 0x01, 0x02,
	}
	sense, err := ParseSense(data)
	require.Nil(t, err)
	assert.Equal(t, UnitAttention, sense.Key)
	assert.Equal(t, AscPowerOnReset, sense.Code)
	assert.Equal(t, uint64(0x0102), sense.Information)
}

func TestParseSenseErrors(t *testing.T) {
	_, err := ParseSense([]byte{0x70})
	var short *ErrShortSense
	assert.True(t, errors.As(err, &short), "got %v", err)
	_, err = ParseSense([]byte{0x70, 0, 5, 0, 0, 0, 0, 10})
	assert.True(t, errors.As(err, &short), "got %v", err)
	_, err = ParseSense([]byte{0x7f, 0, 0, 0})
	assert.NotNil(t, err)
}

func TestSenseDescriptionFallback(t *testing.T) {
	sense := Sense{Key: 0x0e, Code: 0x1234}
	assert.Equal(t, "sense key 0xe: ASC/ASCQ 0x1234", sense.Error())
}
