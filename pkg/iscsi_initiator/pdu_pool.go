// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"fmt"
	"sync"

	"iscsiinitiator/pkg/fifo"
)

type pduDisposition int

const (
	pduUnused pduDisposition = iota
	// released as soon as it was written
	pduFree
	// kept by its CCB until the exchange completes, for resends
	pduWait
)

// PDU is one framed message owned by the connection that allocated it.
type PDU struct {
	Header Header
	AHS    []byte
	// Data is the unpadded data segment. For Data-Out it aliases the
	// CCB buffer.
	Data []byte

	connection  *Connection
	ccb         *CCB
	disposition pduDisposition
	priority    bool
	cell        *fifo.Cell[*PDU]
	// set while the writer still holds the PDU
	sending bool
	slot    int
	inUse   bool
}

func (pdu *PDU) String() string {
	return pdu.Header.String()
}

type ErrPoolExhausted struct {
	name     string
	capacity int
}

func (err ErrPoolExhausted) Error() string {
	return fmt.Sprintf("%s pool exhausted (capacity %d)", err.name, err.capacity)
}

type ErrPoolClosed struct {
	name string
}

func (err ErrPoolClosed) Error() string {
	return fmt.Sprintf("%s pool closed", err.name)
}

// pduPool is a fixed slab of PDUs with a free list of slot indices.
type pduPool struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	slots  []PDU
	free   []int
	closed bool
}

func newPDUPool(capacity int) *pduPool {
	pool := &pduPool{
		slots: make([]PDU, capacity),
		free:  make([]int, 0, capacity),
	}
	pool.cond = sync.NewCond(&pool.mutex)
	for index := capacity - 1; index >= 0; index-- {
		pool.slots[index].slot = index
		pool.free = append(pool.free, index)
	}
	return pool
}

// get hands out an unused PDU. With wait set it blocks until one is
// returned or the pool is closed.
func (pool *pduPool) get(wait bool) (*PDU, error) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	for len(pool.free) == 0 && !pool.closed {
		if !wait {
			return nil, &ErrPoolExhausted{name: "PDU", capacity: len(pool.slots)}
		}
		pool.cond.Wait()
	}
	if pool.closed {
		return nil, &ErrPoolClosed{name: "PDU"}
	}
	index := pool.free[len(pool.free)-1]
	pool.free = pool.free[:len(pool.free)-1]
	pdu := &pool.slots[index]
	*pdu = PDU{slot: index, inUse: true, disposition: pduFree}
	return pdu, nil
}

func (pool *pduPool) put(pdu *PDU) {
	if pdu == nil {
		return
	}
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	if !pdu.inUse {
		return
	}
	pdu.inUse = false
	pdu.disposition = pduUnused
	pdu.ccb = nil
	pdu.cell = nil
	pdu.sending = false
	pdu.Data = nil
	pdu.AHS = nil
	pool.free = append(pool.free, pdu.slot)
	pool.cond.Signal()
}

func (pool *pduPool) close() {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	pool.closed = true
	pool.cond.Broadcast()
}

func (pool *pduPool) reopen() {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	pool.closed = false
}

func (pool *pduPool) inUse() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return len(pool.slots) - len(pool.free)
}

func (pool *pduPool) capacity() int {
	return len(pool.slots)
}
