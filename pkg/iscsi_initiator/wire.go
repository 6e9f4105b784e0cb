// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"time"

	"github.com/armon/circbuf"
	"github.com/pkg/errors"

	"iscsiinitiator/pkg/logger"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const (
	resyncDrainTimeout = 50 * time.Millisecond
	resyncTraceSize    = 256
)

type digestSettings struct {
	header bool
	data   bool
}

type ErrHeaderDigest struct {
	expected uint32
	received uint32
}

func (err ErrHeaderDigest) Error() string {
	return fmt.Sprintf("header digest mismatch: computed 0x%08x, received 0x%08x", err.expected, err.received)
}

// ErrDataDigest is returned after the header was decoded, so the receive
// path can choose between a data and a status SNACK.
type ErrDataDigest struct {
	Opcode           OpCode
	InitiatorTaskTag uint32
	expected         uint32
	received         uint32
}

func (err ErrDataDigest) Error() string {
	return fmt.Sprintf(
		"data digest mismatch on %s (ITT 0x%x): computed 0x%08x, received 0x%08x",
		err.Opcode, err.InitiatorTaskTag, err.expected, err.received,
	)
}

func paddingLength(length uint32) uint32 {
	return (DataPadding - length%DataPadding) % DataPadding
}

func digest(parts ...[]byte) uint32 {
	var crc uint32
	for _, part := range parts {
		crc = crc32.Update(crc, crc32cTable, part)
	}
	return crc
}

// marshalPDU frames a PDU into buffer: header, optional header digest, data
// padded to 4 bytes and optional data digest.
func marshalPDU(pdu *PDU, digests digestSettings, buffer []byte) ([]byte, error) {
	dataLength := uint32(len(pdu.Data))
	pdu.Header.DataSegmentLength = dataLength
	pdu.Header.TotalAHSLength = 0
	size := BasicHeaderSegmentSize + int(dataLength+paddingLength(dataLength))
	if digests.header {
		size += DigestSize
	}
	if digests.data && dataLength > 0 {
		size += DigestSize
	}
	if cap(buffer) < size {
		buffer = make([]byte, size)
	}
	buffer = buffer[:size]
	if err := pdu.Header.Marshal(buffer[:BasicHeaderSegmentSize]); err != nil {
		return buffer, err
	}
	offset := BasicHeaderSegmentSize
	if digests.header {
		binary.LittleEndian.PutUint32(buffer[offset:], digest(buffer[:BasicHeaderSegmentSize]))
		offset += DigestSize
	}
	if dataLength > 0 {
		dataStart := offset
		offset += copy(buffer[offset:], pdu.Data)
		for padding := paddingLength(dataLength); padding > 0; padding-- {
			buffer[offset] = 0
			offset++
		}
		if digests.data {
			binary.LittleEndian.PutUint32(buffer[offset:], digest(buffer[dataStart:offset]))
			offset += DigestSize
		}
	}
	return buffer[:offset], nil
}

// readPDU reads exactly one PDU. maxDataLength is the MaxRecvDataSegmentLength
// we declared.
func readPDU(reader io.Reader, pdu *PDU, digests digestSettings, maxDataLength uint32) error {
	var bhs [BasicHeaderSegmentSize]byte
	if _, err := io.ReadFull(reader, bhs[:]); err != nil {
		return errors.Wrap(err, "read basic header segment")
	}
	ahsLength := uint32(bhs[4]) * 4
	if ahsLength > 0 {
		if cap(pdu.AHS) < int(ahsLength) {
			pdu.AHS = make([]byte, ahsLength)
		}
		pdu.AHS = pdu.AHS[:ahsLength]
		if _, err := io.ReadFull(reader, pdu.AHS); err != nil {
			return errors.Wrap(err, "read additional header segment")
		}
	} else {
		pdu.AHS = pdu.AHS[:0]
	}
	if digests.header {
		var received [DigestSize]byte
		if _, err := io.ReadFull(reader, received[:]); err != nil {
			return errors.Wrap(err, "read header digest")
		}
		computed := digest(bhs[:], pdu.AHS)
		if value := binary.LittleEndian.Uint32(received[:]); value != computed {
			return &ErrHeaderDigest{expected: computed, received: value}
		}
	}
	if err := pdu.Header.Unmarshal(bhs[:]); err != nil {
		return err
	}
	dataLength := pdu.Header.DataSegmentLength
	if dataLength > maxDataLength {
		return protocolErrorf(
			"%s data segment of %d bytes exceeds %d", pdu.Header.Opcode, dataLength, maxDataLength,
		)
	}
	if dataLength == 0 {
		pdu.Data = pdu.Data[:0]
		return nil
	}
	wireLength := dataLength + paddingLength(dataLength)
	if cap(pdu.Data) < int(wireLength) {
		pdu.Data = make([]byte, wireLength)
	}
	pdu.Data = pdu.Data[:wireLength]
	if _, err := io.ReadFull(reader, pdu.Data); err != nil {
		return errors.Wrap(err, "read data segment")
	}
	if digests.data {
		var received [DigestSize]byte
		if _, err := io.ReadFull(reader, received[:]); err != nil {
			return errors.Wrap(err, "read data digest")
		}
		computed := digest(pdu.Data)
		if value := binary.LittleEndian.Uint32(received[:]); value != computed {
			pdu.Data = pdu.Data[:dataLength]
			return &ErrDataDigest{
				Opcode:           pdu.Header.Opcode,
				InitiatorTaskTag: pdu.Header.InitiatorTaskTag,
				expected:         computed,
				received:         value,
			}
		}
	}
	pdu.Data = pdu.Data[:dataLength]
	return nil
}

// resynchronize drops whatever the peer has already sent after a corrupted
// header, so the next read starts on a fresh PDU boundary.
func resynchronize(connection net.Conn) (int64, error) {
	log := logger.GetLogger()
	trace, err := circbuf.NewBuffer(resyncTraceSize)
	if err != nil {
		return 0, err
	}
	buffer := make([]byte, 4096)
	var discarded int64
	for {
		if err := connection.SetReadDeadline(time.Now().Add(resyncDrainTimeout)); err != nil {
			return discarded, err
		}
		length, err := connection.Read(buffer)
		if length > 0 {
			discarded += int64(length)
			_, _ = trace.Write(buffer[:length])
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return discarded, errors.Wrap(err, "drain after header digest error")
		}
	}
	if err := connection.SetReadDeadline(time.Time{}); err != nil {
		return discarded, err
	}
	if log.IsDebug() && trace.TotalWritten() > 0 {
		log.Debugf("resync discarded %d bytes, last %d:\n%s",
			discarded, len(trace.Bytes()), hex.Dump(trace.Bytes()))
	}
	return discarded, nil
}
