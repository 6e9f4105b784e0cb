// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
)

const (
	ReadCapacity10Length = 8
	ReadCapacity16Length = 32
)

type Capacity struct {
	// address of the last logical block
	LastLBA   uint64
	BlockSize uint32
	// logical blocks per physical block exponent
	LBPPBE           byte
	LowestAlignedLBA uint16
}

func (capacity Capacity) Blocks() uint64 {
	return capacity.LastLBA + 1
}

func (capacity Capacity) Bytes() uint64 {
	return capacity.Blocks() * uint64(capacity.BlockSize)
}

// ParseReadCapacity10 decodes READ CAPACITY(10) data. A LastLBA of
// 0xffffffff means READ CAPACITY(16) is needed.
func ParseReadCapacity10(data []byte) (Capacity, error) {
	if len(data) < ReadCapacity10Length {
		return Capacity{}, &ErrShortData{what: "READ CAPACITY(10) data", length: len(data), need: ReadCapacity10Length}
	}
	return Capacity{
		LastLBA:   uint64(binary.BigEndian.Uint32(data[0:4])),
		BlockSize: binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

func ParseReadCapacity16(data []byte) (Capacity, error) {
	if len(data) < 12 {
		return Capacity{}, &ErrShortData{what: "READ CAPACITY(16) data", length: len(data), need: 12}
	}
	capacity := Capacity{
		LastLBA:   binary.BigEndian.Uint64(data[0:8]),
		BlockSize: binary.BigEndian.Uint32(data[8:12]),
	}
	if len(data) >= 16 {
		capacity.LBPPBE = data[13] & 0x0f
		capacity.LowestAlignedLBA = binary.BigEndian.Uint16(data[14:16]) & 0x3fff
	}
	return capacity, nil
}
