// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"fmt"
	"time"

	"iscsiinitiator/pkg/fifo"
)

// CCBDisposition tells wakeCCB what to do when an exchange completes.
type CCBDisposition int

const (
	DispositionUnused CCBDisposition = iota
	// completion already in progress
	DispositionBusy
	// parked while the CCB migrates between connections
	DispositionNoWait
	// free the CCB, nobody waits for it
	DispositionFree
	// a caller blocks on the done channel
	DispositionWait
	// deliver the result to the upstream callback
	DispositionUpstreamNotify
	// unsolicited data is being sent, completion is replayed afterwards
	DispositionDefer
)

var dispositionNames = map[CCBDisposition]string{
	DispositionUnused:         "unused",
	DispositionBusy:           "busy",
	DispositionNoWait:         "no-wait",
	DispositionFree:           "free",
	DispositionWait:           "wait",
	DispositionUpstreamNotify: "upstream-notify",
	DispositionDefer:          "defer",
}

func (disposition CCBDisposition) String() string {
	return dispositionNames[disposition]
}

type ccbLocation int

const (
	ccbNowhere ccbLocation = iota
	ccbWaiting
	ccbThrottled
)

type ccbFlags uint32

const (
	// final status arrived, possibly before all data
	ccbStatusReceived ccbFlags = 1 << iota
	// a Reassign TMF for this task is outstanding
	ccbReassigning
	// the command is currently being migrated to another connection
	ccbMigrating
	// no per-CCB timer
	ccbNoTimer
)

const (
	ittSlotBits = 12
	ittSlotMask = 1<<ittSlotBits - 1
	// MaxCCBs is bounded by the slot part of the initiator task tag.
	MaxCCBs = ittSlotMask
)

// CCB is the context of one outstanding exchange: a SCSI command, a task
// management request, a text or login step, a logout or a NOP ping.
type CCB struct {
	ITT uint32

	slot     int
	sequence uint32

	session     *Session
	connection  *Connection
	disposition CCBDisposition
	// original disposition while DispositionDefer is in effect
	saved    CCBDisposition
	status   Status
	err      error
	flags    ccbFlags
	location ccbLocation
	cell     *fifo.Cell[*CCB]
	done     chan struct{}

	kind       OpCode
	immediate  bool
	cmdSN      uint32
	pduWaiting *PDU

	// SCSI command
	request    *SCSIRequest
	result     SCSIResult
	onComplete func(*SCSIResult)
	dataSN     serialWindow
	received   uint32
	// final status held back until every Data-In arrived
	pendingStatus Status
	tries         int

	// task management
	function      TaskManagementFunction
	referenced    *CCB
	referencedITT uint32
	lun           uint64
	response      TaskManagementResponse

	// login and text
	text        []byte
	negotiation *negotiationState
	loginFields LoginResponseFields
	transferTag uint32
	textFinal   bool

	// logout
	logoutFields LogoutResponseFields
	logoutReason LogoutReason
	logoutCID    uint16

	timer    *time.Timer
	timeouts int
}

func (ccb *CCB) String() string {
	return fmt.Sprintf("CCB[itt=0x%08x kind=%s cmdSN=%d disposition=%s]",
		ccb.ITT, ccb.kind, ccb.cmdSN, ccb.disposition)
}

func (ccb *CCB) Status() Status {
	return ccb.status
}

func (ccb *CCB) Err() error {
	if ccb.err != nil {
		return ccb.err
	}
	return newStatusError(ccb.status, nil)
}

// allocateCCB takes a free slot. With wait set it blocks until a slot is
// released, the session terminates or ctx is done.
func (session *Session) allocateCCB(ctx context.Context, kind OpCode, disposition CCBDisposition, wait bool) (*CCB, error) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if wait && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			session.mutex.Lock()
			session.ccbAvailable.Broadcast()
			session.mutex.Unlock()
		})
		defer stop()
	}
	// a terminating session still logs its connections out
	closed := func() bool { return session.isTerminating() && kind != OpLogoutReq }
	for len(session.freeCCBs) == 0 {
		if closed() {
			return nil, statusErrorf(StatusSessionFailed, "session %d is terminating", session.ID)
		}
		if !wait {
			return nil, newStatusError(StatusNoResources, &ErrPoolExhausted{name: "CCB", capacity: len(session.ccbs)})
		}
		if err := ctx.Err(); err != nil {
			return nil, newStatusError(StatusCanceled, err)
		}
		session.ccbAvailable.Wait()
	}
	if closed() {
		return nil, statusErrorf(StatusSessionFailed, "session %d is terminating", session.ID)
	}
	index := session.freeCCBs[len(session.freeCCBs)-1]
	session.freeCCBs = session.freeCCBs[:len(session.freeCCBs)-1]
	ccb := &session.ccbs[index]
	sequence := ccb.sequence + 1
	*ccb = CCB{
		slot:        index,
		sequence:    sequence,
		session:     session,
		disposition: disposition,
		kind:        kind,
		done:        make(chan struct{}),
		transferTag: ReservedTag,
	}
	ccb.ITT = uint32(index) | sequence<<ittSlotBits
	if ccb.ITT == ReservedTag {
		ccb.sequence++
		ccb.ITT = uint32(index) | ccb.sequence<<ittSlotBits
	}
	ccb.dataSN.reset(0)
	return ccb, nil
}

// lookupCCB resolves an initiator task tag. Callers hold session.mutex.
func (session *Session) lookupCCB(itt uint32) *CCB {
	slot := int(itt & ittSlotMask)
	if slot >= len(session.ccbs) {
		return nil
	}
	ccb := &session.ccbs[slot]
	if ccb.disposition == DispositionUnused || ccb.ITT != itt {
		return nil
	}
	return ccb
}

func (session *Session) findCCB(itt uint32) *CCB {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.lookupCCB(itt)
}

// unlinkCCB removes the CCB from the wait-list or throttle queue.
// Callers hold session.mutex.
func (session *Session) unlinkCCB(ccb *CCB) {
	switch ccb.location {
	case ccbWaiting:
		connection := ccb.connection
		connection.mutex.Lock()
		_, _ = connection.waiting.RemoveByPointer(ccb.cell)
		connection.mutex.Unlock()
	case ccbThrottled:
		_, _ = session.throttled.RemoveByPointer(ccb.cell)
	}
	ccb.location = ccbNowhere
	ccb.cell = nil
}

// wakeCCB completes an exchange. It has no effect on a CCB which is unused,
// already completing or parked for migration.
func (session *Session) wakeCCB(ccb *CCB, status Status, err error) {
	session.mutex.Lock()
	session.finishWake(ccb, status, err)
}

// wakeTask completes a CCB found by its tag earlier, unless the slot was
// released and reused for another exchange in between.
func (session *Session) wakeTask(ccb *CCB, itt uint32, status Status, err error) {
	session.mutex.Lock()
	if ccb.ITT != itt {
		session.mutex.Unlock()
		return
	}
	session.finishWake(ccb, status, err)
}

// finishWake is entered with session.mutex held and releases it.
func (session *Session) finishWake(ccb *CCB, status Status, err error) {
	disposition := ccb.disposition
	if disposition == DispositionUnused || disposition == DispositionBusy || disposition == DispositionNoWait {
		session.mutex.Unlock()
		return
	}
	session.unlinkCCB(ccb)
	ccb.stopTimer()
	ccb.disposition = DispositionBusy
	ccb.status = status
	ccb.err = err
	session.mutex.Unlock()

	session.log.Debugf("wake %s status=%s", ccb, status)
	if disposition == DispositionDefer {
		// the sender replays the completion when it is done
		return
	}
	session.completeCCB(ccb, disposition)
}

func (session *Session) completeCCB(ccb *CCB, disposition CCBDisposition) {
	switch disposition {
	case DispositionFree:
		session.freeCCB(ccb)
	case DispositionWait:
		close(ccb.done)
	case DispositionUpstreamNotify:
		result := ccb.scsiResult()
		callback := ccb.onComplete
		session.freeCCB(ccb)
		if callback != nil {
			callback(result)
		}
	}
}

// deferCCB switches the CCB to DispositionDefer while unsolicited data is
// sent. The returned function restores the disposition and replays a
// completion which arrived in between.
func (session *Session) deferCCB(ccb *CCB) func() {
	session.mutex.Lock()
	if ccb.disposition != DispositionWait && ccb.disposition != DispositionUpstreamNotify && ccb.disposition != DispositionFree {
		session.mutex.Unlock()
		return func() {}
	}
	ccb.saved = ccb.disposition
	ccb.disposition = DispositionDefer
	session.mutex.Unlock()
	return func() {
		session.mutex.Lock()
		completed := ccb.disposition == DispositionBusy
		saved := ccb.saved
		// a CCB parked for migration keeps DispositionNoWait
		if ccb.disposition == DispositionDefer {
			ccb.disposition = saved
		}
		session.mutex.Unlock()
		if completed {
			session.completeCCB(ccb, saved)
		}
	}
}

// waitCCB blocks until the CCB completes. Cancelling ctx completes it
// with StatusCanceled.
func (session *Session) waitCCB(ctx context.Context, ccb *CCB) Status {
	select {
	case <-ccb.done:
	case <-ctx.Done():
		session.wakeCCB(ccb, StatusCanceled, ctx.Err())
		<-ccb.done
	}
	return ccb.status
}

// freeCCB returns the slot to the pool together with the PDU kept for
// resends.
func (session *Session) freeCCB(ccb *CCB) {
	session.mutex.Lock()
	if ccb.disposition == DispositionUnused {
		session.mutex.Unlock()
		return
	}
	session.unlinkCCB(ccb)
	ccb.stopTimer()
	pdu := ccb.pduWaiting
	if ccb.kind == OpSCSICmd && ccb.connection != nil {
		ccb.connection.usage.Dec()
	}
	sequence := ccb.sequence
	slot := ccb.slot
	*ccb = CCB{slot: slot, sequence: sequence, disposition: DispositionUnused}
	session.freeCCBs = append(session.freeCCBs, slot)
	session.ccbAvailable.Signal()
	session.mutex.Unlock()
	if pdu != nil && pdu.connection != nil {
		pdu.connection.releasePDU(pdu)
	}
}

// startTimer arms the per-CCB timeout. Callers hold session.mutex.
func (ccb *CCB) startTimer() {
	if ccb.flags&ccbNoTimer != 0 || ccb.session.config.CCBTimeout <= 0 {
		return
	}
	ccb.stopTimer()
	session, itt := ccb.session, ccb.ITT
	ccb.timer = time.AfterFunc(session.config.CCBTimeout.Duration(), func() {
		session.ccbTimedOut(itt)
	})
}

func (ccb *CCB) stopTimer() {
	if ccb.timer != nil {
		ccb.timer.Stop()
		ccb.timer = nil
	}
}

// waitingCCBs lists a connection's wait-list. Callers hold session.mutex.
func (connection *Connection) waitingCCBs() []*CCB {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.waiting.Content()
}
