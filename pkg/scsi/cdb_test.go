// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadWriteCDBForm(t *testing.T) {
	cdb := ReadWriteCDB(false, 0x12345678, 8)
	assert.Equal(t, []byte{0x28, 0, 0x12, 0x34, 0x56, 0x78, 0, 0, 8, 0}, cdb)
	assert.Equal(t, uint64(0x12345678), ReadWriteOffset(cdb))
	assert.Equal(t, uint32(8), ReadWriteCount(cdb))

	cdb = ReadWriteCDB(true, 0x100000000, 16)
	assert.Len(t, cdb, 16)
	assert.Equal(t, byte(Write16), cdb[0])
	assert.Equal(t, uint64(0x100000000), ReadWriteOffset(cdb))
	assert.Equal(t, uint32(16), ReadWriteCount(cdb))

	cdb = ReadWriteCDB(false, 0, 0x10000)
	assert.Equal(t, byte(Read16), cdb[0], "more blocks than READ(10) can address")
}

func TestInquiryCDB(t *testing.T) {
	assert.Equal(t, []byte{0x12, 0, 0, 0, 96, 0}, InquiryCDB(false, 0x80, 96))
	assert.Equal(t, []byte{0x12, 1, 0x80, 0x01, 0x00, 0}, InquiryCDB(true, 0x80, 256))
}

func TestFixedCDBs(t *testing.T) {
	assert.Equal(t, make([]byte, 6), TestUnitReadyCDB())
	assert.Equal(t, []byte{0xa0, 0, 0, 0, 0, 0, 0, 0, 0x02, 0x10, 0, 0}, ReportLunsCDB(528))
	assert.Equal(t, byte(0x25), ReadCapacity10CDB()[0])
	capacity16 := ReadCapacity16CDB(32)
	assert.Equal(t, []byte{0x9e, 0x10}, capacity16[:2])
	assert.Equal(t, byte(32), capacity16[13])
	assert.Equal(t, []byte{0x1b, 0, 0, 0, 0x03, 0}, StartStopCDB(true, true))
	assert.Equal(t, []byte{0x03, 0, 0, 0, 252, 0}, RequestSenseCDB(252))
	assert.Equal(t, []byte{0x5a, 0x08, 0x3f, 0xff, 0, 0, 0, 0x10, 0, 0}, ModeSense10CDB(true, 0xff, 0xff, 4096))
}

func TestSynchronizeCacheCDB(t *testing.T) {
	cdb := SynchronizeCacheCDB(0, 0)
	assert.Equal(t, []byte{0x35, 0, 0, 0, 0, 0, 0, 0, 0, 0}, cdb)
	cdb = SynchronizeCacheCDB(0x1_0000_0000, 1)
	assert.Equal(t, byte(SynchronizeCache16), cdb[0])
	assert.Equal(t, uint64(0x1_0000_0000), ReadWriteOffset(cdb))
}
