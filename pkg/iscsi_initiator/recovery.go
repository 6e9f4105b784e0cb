// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"time"
)

// supervise finishes a connection failure once both duties exited. Tasks
// move to another connection or a reinstated one when the recovery level
// allows it, otherwise they fail with the connection or the session.
func (session *Session) supervise(connection *Connection, status Status, action recoveryAction) {
	connection.settle()
	erl := session.Parameters().ErrorRecoveryLevel
	established := connection.established.Load()
	connection.log.Debugf("supervising %s: status=%s erl=%d established=%t", connection, status, erl, established)

	switch {
	case !established || action != recoverConnection || connection.loggedOut.Load():
		session.failConnection(connection, StatusConnectionFailed)
		session.dropConnection(connection)
	case session.isTerminating():
		session.failConnection(connection, StatusSessionFailed)
		session.dropConnection(connection)
	case erl >= 2:
		session.recoverTasks(connection)
	default:
		session.terminate(status)
		session.dropConnection(connection)
	}
}

// holdTasks parks the SCSI commands of a failed connection and returns
// them together with the other exchanges still bound to it.
func (session *Session) holdTasks(connection *Connection) (tasks []*CCB, others []*CCB) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	for index := range session.ccbs {
		ccb := &session.ccbs[index]
		if ccb.connection != connection || ccb.disposition == DispositionUnused || ccb.disposition == DispositionBusy {
			continue
		}
		if ccb.kind != OpSCSICmd {
			others = append(others, ccb)
			continue
		}
		if ccb.disposition != DispositionNoWait {
			original := ccb.disposition
			if original == DispositionDefer {
				original = ccb.saved
			}
			ccb.saved = original
			ccb.disposition = DispositionNoWait
		}
		ccb.stopTimer()
		ccb.flags |= ccbMigrating
		tasks = append(tasks, ccb)
	}
	return tasks, others
}

// releaseTaskLocked undoes holdTasks for CCBs which stay where they are.
// Callers hold session.mutex.
func (session *Session) releaseTaskLocked(ccb *CCB) {
	if ccb.disposition == DispositionNoWait {
		ccb.disposition = ccb.saved
	}
	ccb.flags &^= ccbMigrating
}

// failConnection completes every exchange bound to the connection.
func (session *Session) failConnection(connection *Connection, status Status) {
	tasks, others := session.holdTasks(connection)
	session.mutex.Lock()
	for _, ccb := range tasks {
		session.releaseTaskLocked(ccb)
	}
	session.mutex.Unlock()
	for _, ccb := range append(others, tasks...) {
		session.wakeCCB(ccb, status, statusErrorf(status, "%s: %s", connection, connection.Status()))
	}
}

// dropConnection forgets a settled connection. The session ends with its
// last connection.
func (session *Session) dropConnection(connection *Connection) {
	connection.mutex.Lock()
	if connection.retainTimer != nil {
		connection.retainTimer.Stop()
		connection.retainTimer = nil
	}
	connection.mutex.Unlock()
	if session.removeConnection(connection) == 0 {
		session.finalize(connection.Status())
	}
}

// terminate fails the whole session. Healthy connections are logged out
// first.
func (session *Session) terminate(status Status) {
	if session.terminating.CompareAndSwap(false, true) {
		session.failure.Store(uint32(status))
		session.log.Warnf("session %d terminates: %s", session.ID, status)
	}
	session.mutex.Lock()
	session.ccbAvailable.Broadcast()
	session.mutex.Unlock()
	for _, connection := range session.Connections() {
		if connection.fullFeature() {
			connection.handleError(status, logoutConnection)
			continue
		}
		if !connection.isTerminating() {
			connection.handleError(status, noRecovery)
			continue
		}
		if connection.parked() {
			// parked, nobody else will pick it up
			session.failConnection(connection, StatusSessionFailed)
			session.dropConnection(connection)
		}
	}
	if len(session.Connections()) == 0 {
		session.finalize(status)
	}
}

// finalize releases what is left of the session and unregisters it.
func (session *Session) finalize(status Status) {
	session.finalized.Do(func() {
		session.terminating.Store(true)
		if Status(session.failure.Load()) == StatusSuccess {
			session.failure.Store(uint32(status))
		}
		var pending []*CCB
		session.mutex.Lock()
		for index := range session.ccbs {
			ccb := &session.ccbs[index]
			if ccb.disposition == DispositionUnused || ccb.disposition == DispositionBusy {
				continue
			}
			session.releaseTaskLocked(ccb)
			pending = append(pending, ccb)
		}
		session.ccbAvailable.Broadcast()
		session.mutex.Unlock()
		for _, ccb := range pending {
			session.wakeCCB(ccb, StatusSessionFailed, statusErrorf(StatusSessionFailed, "session %d closed", session.ID))
		}
		if session.engine != nil {
			session.engine.removeSession(session)
		}
		session.log.Infof("session %d closed", session.ID)
		close(session.done)
	})
}

// recoverTasks moves the tasks of a failed connection to a sibling, or
// reinstates the connection in place when it is the only one left.
func (session *Session) recoverTasks(connection *Connection) {
	tasks, others := session.holdTasks(connection)
	for _, ccb := range others {
		session.wakeCCB(ccb, StatusConnectionFailed, nil)
	}
	if sibling := session.pickConnection(connection); sibling != nil {
		session.reassign(connection, sibling, tasks)
		session.dropConnection(connection)
		return
	}
	if session.reinstate(connection) {
		session.reassign(connection, connection, tasks)
		return
	}
	session.park(connection)
}

// reinstate dials the connection's portal again and logs in with the same
// CID, which implicitly logs out the failed one.
func (session *Session) reinstate(connection *Connection) bool {
	attempts := session.config.MaxRecoverAttempts
	wait := time.Duration(session.Parameters().DefaultTime2Wait) * time.Second
	for attempt := 1; attempt <= attempts; attempt++ {
		if session.isTerminating() {
			return false
		}
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-session.done:
				return false
			}
		}
		connection.log.Infof("reinstating %s, attempt %d of %d", connection, attempt, attempts)
		err := session.rebind(context.Background(), connection)
		if err == nil {
			return true
		}
		connection.log.Warnf("reinstatement failed: %s", err)
	}
	return false
}

// rebind brings an idle connection back to FullFeature on a new transport.
func (session *Session) rebind(ctx context.Context, connection *Connection) error {
	dialCtx, cancel := context.WithTimeout(ctx, session.config.DialTimeout.Duration())
	transport, err := session.engine.dial(dialCtx, connection.Address)
	cancel()
	if err != nil {
		return newStatusError(StatusSocketError, err)
	}
	connection.reinstating.Store(true)
	defer connection.reinstating.Store(false)
	connection.fire(eventRebind)
	connection.bind(transport)
	if err := connection.login(ctx, false); err != nil {
		connection.handleError(StatusOf(err), noRecovery)
		connection.settle()
		return err
	}
	return nil
}

// park keeps a connection which could not be reinstated together with its
// tasks for DefaultTime2Retain. RestoreConnection can revive it meanwhile.
func (session *Session) park(connection *Connection) {
	retain := session.retainDuration()
	connection.log.Warnf("%s parked for %s", connection, retain)
	connection.mutex.Lock()
	connection.retainTimer = time.AfterFunc(retain, func() {
		connection.mutex.Lock()
		expired := connection.retainTimer != nil
		connection.retainTimer = nil
		connection.mutex.Unlock()
		if !expired {
			return
		}
		connection.log.Warnf("%s: Time2Retain expired", connection)
		session.failConnection(connection, StatusConnectionFailed)
		session.dropConnection(connection)
	})
	connection.mutex.Unlock()
}

func (connection *Connection) parked() bool {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.retainTimer != nil
}

// restore revives a parked connection.
func (session *Session) restore(ctx context.Context, connection *Connection) error {
	connection.mutex.Lock()
	timer := connection.retainTimer
	parked := timer != nil && timer.Stop()
	if parked {
		connection.retainTimer = nil
	}
	connection.mutex.Unlock()
	if !parked {
		return statusErrorf(StatusInvalidConnectionID, "%s is not waiting for recovery", connection)
	}
	if err := session.rebind(ctx, connection); err != nil {
		session.park(connection)
		return err
	}
	tasks, _ := session.holdTasks(connection)
	session.reassign(connection, connection, tasks)
	return nil
}

// reassign moves the tasks of failed to target.
func (session *Session) reassign(failed, target *Connection, tasks []*CCB) {
	if failed != target {
		ctx := context.Background()
		if err := session.logout(ctx, target, LogoutRemoveConnectionForRecovery, failed.CID); err != nil {
			target.log.Warnf("logout of failed cid %d: %s", failed.CID, err)
		}
	}
	for _, ccb := range tasks {
		if err := session.migrate(ccb, failed, target); err != nil {
			target.log.Warnf("migrating %s: %s", ccb, err)
			session.mutex.Lock()
			session.releaseTaskLocked(ccb)
			session.mutex.Unlock()
			session.wakeCCB(ccb, StatusConnectionFailed, err)
		}
	}
}

// migrate rebinds one parked SCSI command to target. A command the target
// already saw is reassigned with a task management request, any other is
// sent again with its original CmdSN.
func (session *Session) migrate(ccb *CCB, failed, target *Connection) error {
	session.mutex.Lock()
	old := ccb.pduWaiting
	if ccb.disposition != DispositionNoWait || old == nil {
		session.mutex.Unlock()
		return statusErrorf(StatusConnectionFailed, "nothing to migrate")
	}
	command, ok := old.Header.Fields.(*SCSICommandFields)
	if !ok {
		session.mutex.Unlock()
		return statusErrorf(StatusProtocolError, "%s without a command PDU", ccb)
	}
	fields := *command
	header := old.Header
	data := old.Data
	location := ccb.location
	seen := location == ccbWaiting && serialLess(ccb.cmdSN, session.expCmdSN)
	session.mutex.Unlock()

	pdu, err := target.newPDU(&fields)
	if err != nil {
		return err
	}
	pdu.Header.Immediate = header.Immediate
	pdu.Header.LUN = header.LUN
	pdu.Header.InitiatorTaskTag = ccb.ITT
	pdu.Data = data
	if old.connection != nil {
		old.connection.releasePDU(old)
	}

	session.mutex.Lock()
	if location == ccbWaiting {
		// the failed connection's wait-list is gone with it
		failed.mutex.Lock()
		_, _ = failed.waiting.RemoveByPointer(ccb.cell)
		failed.mutex.Unlock()
		ccb.location = ccbNowhere
		ccb.cell = nil
	}
	pdu.ccb = ccb
	pdu.disposition = pduWait
	ccb.pduWaiting = pdu
	ccb.connection = target
	if failed != target {
		failed.usage.Dec()
		target.usage.Inc()
	}
	session.releaseTaskLocked(ccb)
	itt := ccb.ITT
	if location == ccbThrottled {
		// dispatched with the rest of the throttle queue
		session.mutex.Unlock()
		return nil
	}
	if seen {
		ccb.flags |= ccbReassigning
		ccb.location = ccbWaiting
		target.mutex.Lock()
		ccb.cell = target.waiting.AddRear(ccb)
		target.mutex.Unlock()
		refCmdSN := ccb.cmdSN
		expDataSN := ccb.dataSN.expected()
		lun := header.LUN
		session.mutex.Unlock()
		return session.sendReassign(target, ccb, lun, refCmdSN, expDataSN)
	}
	ccb.dataSN.reset(0)
	ccb.received = 0
	ccb.flags &^= ccbStatusReceived
	ccb.result = SCSIResult{}
	ccb.location = ccbWaiting
	target.mutex.Lock()
	ccb.cell = target.waiting.AddRear(ccb)
	err = target.queuePDULocked(pdu, false)
	target.mutex.Unlock()
	ccb.startTimer()
	session.mutex.Unlock()
	if err != nil {
		return err
	}
	target.log.Debugf("resent %s with CmdSN %d", ccb, ccb.cmdSN)
	target.sendUnsolicited(ccb, itt)
	return nil
}

func (session *Session) sendReassign(target *Connection, task *CCB, lun uint64, refCmdSN, expDataSN uint32) error {
	tmf, err := session.allocateCCB(context.Background(), OpSCSITaskReq, DispositionFree, true)
	if err != nil {
		return err
	}
	tmf.function = TaskReassign
	tmf.referenced = task
	tmf.referencedITT = task.ITT
	tmf.lun = lun
	target.log.Debugf("reassigning %s, ExpDataSN %d", task, expDataSN)
	if err := target.sendTaskManagement(tmf, lun, task.ITT, refCmdSN, expDataSN); err != nil {
		session.wakeCCB(tmf, StatusOf(err), err)
		return err
	}
	return nil
}

// reassignAnswered resumes a reassigned task, or issues it afresh when the
// target could not take it over.
func (session *Session) reassignAnswered(tmf *CCB, status Status) {
	task := tmf.referenced
	session.mutex.Lock()
	if task == nil || task.ITT != tmf.referencedITT || task.disposition == DispositionUnused ||
		task.flags&ccbReassigning == 0 {
		session.mutex.Unlock()
		return
	}
	task.flags &^= ccbReassigning
	connection := task.connection
	if status == StatusSuccess {
		task.startTimer()
		session.mutex.Unlock()
		connection.log.Debugf("%s reassigned", task)
		return
	}
	session.unlinkCCB(task)
	task.dataSN.reset(0)
	task.received = 0
	task.flags &^= ccbStatusReceived
	task.result = SCSIResult{}
	itt := task.ITT
	err := connection.dispatchLocked(task, false)
	session.mutex.Unlock()
	if err != nil {
		session.wakeCCB(task, StatusConnectionFailed, err)
		return
	}
	connection.log.Infof("reassign of %s refused (%s), issued again", task, status)
	connection.sendUnsolicited(task, itt)
}

// ccbTimedOut runs when an exchange got no answer in time. With error
// recovery the initiator asks for the missing responses first and gives up
// on the connection after MaxCCBTimeouts.
func (session *Session) ccbTimedOut(itt uint32) {
	session.mutex.Lock()
	ccb := session.lookupCCB(itt)
	if ccb == nil || ccb.disposition == DispositionBusy || ccb.disposition == DispositionNoWait {
		session.mutex.Unlock()
		return
	}
	ccb.timer = nil
	ccb.timeouts++
	connection := ccb.connection
	kind := ccb.kind
	timeouts := ccb.timeouts
	var runs []serialRun
	if ccb.request != nil && ccb.request.Direction == DataIn {
		runs = ccb.dataSN.missing()
	}
	received := ccb.received
	session.mutex.Unlock()

	session.log.Debugf("%s timed out (%d)", ccb, timeouts)
	if kind == OpLoginReq || connection == nil {
		session.wakeCCB(ccb, StatusTimeout, nil)
		return
	}
	// internal exchanges such as a reassign TMF get the same budget as commands
	if session.Parameters().ErrorRecoveryLevel == 0 || timeouts > session.config.MaxCCBTimeouts {
		connection.handleError(StatusTimeout, recoverConnection)
		return
	}
	var err error
	if len(runs) > 0 {
		for _, run := range runs {
			if err = connection.sendSNACK(SNACKData, itt, ReservedTag, run.begin, run.length); err != nil {
				break
			}
		}
	} else if received == 0 {
		connection.mutex.Lock()
		expStatSN := connection.expStatSN()
		connection.mutex.Unlock()
		err = connection.sendSNACK(SNACKStatus, ReservedTag, ReservedTag, expStatSN, 0)
	}
	if err == nil {
		err = connection.sendPing()
	}
	if err != nil {
		connection.log.Debugf("recovering %s: %s", ccb, err)
	}
	session.mutex.Lock()
	if ccb.ITT == itt && ccb.disposition != DispositionUnused && ccb.disposition != DispositionBusy {
		ccb.startTimer()
	}
	session.mutex.Unlock()
}

// checkCmdSN runs when a ping came back. Commands sent before the ping
// which the target still expects were lost on the way and are sent again.
func (session *Session) checkCmdSN(connection *Connection) {
	if session.Parameters().ErrorRecoveryLevel == 0 {
		return
	}
	var lost []*CCB
	session.mutex.Lock()
	expCmdSN := session.expCmdSN
	for _, ccb := range connection.waitingCCBs() {
		if ccb.immediate || ccb.pduWaiting == nil || ccb.received > 0 ||
			ccb.flags&(ccbStatusReceived|ccbReassigning) != 0 {
			continue
		}
		if serialLess(ccb.cmdSN, expCmdSN) || !serialLess(ccb.cmdSN, connection.pingCmdSN) {
			continue
		}
		ccb.tries++
		if ccb.tries > session.config.MaxCCBTimeouts {
			continue
		}
		lost = append(lost, ccb)
	}
	session.mutex.Unlock()
	for _, ccb := range lost {
		connection.log.Infof("target did not see CmdSN %d, sending %s again", ccb.cmdSN, ccb)
		if err := connection.resend(ccb); err != nil {
			connection.log.Debugf("resend %s: %s", ccb, err)
		}
	}
}
