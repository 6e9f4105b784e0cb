// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import "fmt"

// SerialWindowSize bounds the number of unacknowledged sequence numbers a
// window keeps track of.
const SerialWindowSize = 64

// serialLess compares serial numbers with 32 bit wraparound.
func serialLess(first, second uint32) bool {
	return int32(first-second) < 0
}

func serialLessOrEqual(first, second uint32) bool {
	return first == second || serialLess(first, second)
}

type ErrWindowOverflow struct {
	expected uint32
	received uint32
}

func (err ErrWindowOverflow) Error() string {
	return fmt.Sprintf(
		"sequence number %d is too far ahead of %d (window %d)",
		err.received, err.expected, SerialWindowSize,
	)
}

type serialEntry struct {
	number       uint32
	received     bool
	acknowledged bool
}

// serialWindow tracks a received sequence number stream (StatSN, DataSN).
// Numbers between ExpSN and next are recorded in a ring until acknowledged.
type serialWindow struct {
	entries [SerialWindowSize]serialEntry
	bottom  int
	count   int
	// expSN is the externally visible next expected number: everything
	// before it was acknowledged.
	expSN uint32
	// next is one past the highest number ever added.
	next uint32
}

func newSerialWindow(start uint32) *serialWindow {
	window := &serialWindow{}
	window.reset(start)
	return window
}

func (window *serialWindow) reset(start uint32) {
	window.bottom = 0
	window.count = 0
	window.expSN = start
	window.next = start
}

func (window *serialWindow) entry(offset int) *serialEntry {
	return &window.entries[(window.bottom+offset)%SerialWindowSize]
}

// add registers a received number. It returns 0 for a duplicate, 1 for the
// next expected number or a number filling a recorded gap, and k+1 when k
// numbers were skipped.
func (window *serialWindow) add(number uint32) (int, error) {
	if serialLess(number, window.next) {
		if serialLess(number, window.expSN) {
			return 0, nil
		}
		for offset := 0; offset < window.count; offset++ {
			entry := window.entry(offset)
			if entry.number != number {
				continue
			}
			if entry.received {
				return 0, nil
			}
			entry.received = true
			return 1, nil
		}
		return 0, nil
	}
	distance := int(number-window.next) + 1
	if window.count+distance > SerialWindowSize {
		return 0, &ErrWindowOverflow{expected: window.next, received: number}
	}
	for sequence := window.next; sequence != number+1; sequence++ {
		entry := window.entry(window.count)
		*entry = serialEntry{number: sequence, received: sequence == number}
		window.count++
	}
	window.next = number + 1
	return distance, nil
}

// skip records number as expected but not received, so that a later copy
// fills the gap. It is used when a PDU arrived with a corrupted data segment.
func (window *serialWindow) skip(number uint32) error {
	if serialLess(number, window.next) {
		return nil
	}
	distance := int(number-window.next) + 1
	if window.count+distance > SerialWindowSize {
		return &ErrWindowOverflow{expected: window.next, received: number}
	}
	for sequence := window.next; sequence != number+1; sequence++ {
		*window.entry(window.count) = serialEntry{number: sequence}
		window.count++
	}
	window.next = number + 1
	return nil
}

// highest returns one past the highest number seen.
func (window *serialWindow) highest() uint32 {
	return window.next
}

// ack marks number as processed and returns the resulting ExpSN, which only
// moves across an unbroken acknowledged prefix.
func (window *serialWindow) ack(number uint32) uint32 {
	for offset := 0; offset < window.count; offset++ {
		entry := window.entry(offset)
		if entry.number == number {
			entry.received = true
			entry.acknowledged = true
			break
		}
	}
	for window.count > 0 && window.entry(0).acknowledged {
		window.expSN = window.entry(0).number + 1
		window.bottom = (window.bottom + 1) % SerialWindowSize
		window.count--
	}
	if window.count == 0 && serialLess(window.expSN, window.next) {
		window.expSN = window.next
	}
	return window.expSN
}

// empty reports whether every added number was acknowledged.
func (window *serialWindow) empty() bool {
	return window.count == 0
}

func (window *serialWindow) expected() uint32 {
	return window.expSN
}

func (window *serialWindow) pending() int {
	return window.count
}

type serialRun struct {
	begin  uint32
	length uint32
}

// missing lists the runs of numbers that were skipped and never received.
func (window *serialWindow) missing() []serialRun {
	var runs []serialRun
	for offset := 0; offset < window.count; offset++ {
		entry := window.entry(offset)
		if entry.received {
			continue
		}
		if last := len(runs) - 1; last >= 0 && runs[last].begin+runs[last].length == entry.number {
			runs[last].length++
			continue
		}
		runs = append(runs, serialRun{begin: entry.number, length: 1})
	}
	return runs
}
