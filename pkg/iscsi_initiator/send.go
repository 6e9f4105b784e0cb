// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import "context"

func setCmdSN(pdu *PDU, cmdSN uint32) {
	switch fields := pdu.Header.Fields.(type) {
	case *NopOutFields:
		fields.CmdSN = cmdSN
	case *SCSICommandFields:
		fields.CmdSN = cmdSN
	case *TaskManagementRequestFields:
		fields.CmdSN = cmdSN
	case *LoginRequestFields:
		fields.CmdSN = cmdSN
	case *TextRequestFields:
		fields.CmdSN = cmdSN
	case *LogoutRequestFields:
		fields.CmdSN = cmdSN
	}
}

// issue attaches pdu to the CCB and sends it, or parks the CCB in the
// session's throttle queue while the command window is closed.
func (connection *Connection) issue(ccb *CCB, pdu *PDU, priority bool) error {
	session := connection.session
	session.mutex.Lock()
	defer session.mutex.Unlock()
	ccb.connection = connection
	ccb.pduWaiting = pdu
	pdu.ccb = ccb
	pdu.disposition = pduWait
	pdu.Header.InitiatorTaskTag = ccb.ITT
	pdu.Header.Immediate = ccb.immediate
	if !ccb.immediate && (session.throttled.Len() > 0 || !session.windowOpen()) {
		ccb.location = ccbThrottled
		ccb.cell = session.throttled.AddRear(ccb)
		connection.log.Debugf("throttled %s, CmdSN %d MaxCmdSN %d", ccb, session.cmdSN, session.maxCmdSN)
		return nil
	}
	return connection.dispatchLocked(ccb, priority)
}

// dispatchLocked assigns the CmdSN, links the CCB into the wait-list and
// queues its PDU. Callers hold session.mutex.
func (connection *Connection) dispatchLocked(ccb *CCB, priority bool) error {
	session := connection.session
	if connection.terminating.Load() {
		return statusErrorf(StatusConnectionFailed, "%s is terminating", connection)
	}
	ccb.cmdSN = session.cmdSN
	if !ccb.immediate {
		session.cmdSN++
	}
	setCmdSN(ccb.pduWaiting, ccb.cmdSN)
	connection.mutex.Lock()
	if ccb.location == ccbNowhere {
		ccb.location = ccbWaiting
		ccb.cell = connection.waiting.AddRear(ccb)
	}
	err := connection.queuePDULocked(ccb.pduWaiting, priority)
	connection.mutex.Unlock()
	if err != nil {
		connection.log.Debugf("dispatch %s: %s", ccb, err)
	}
	ccb.startTimer()
	return nil
}

// resend queues the CCB's kept PDU again unless it is still waiting for
// the writer.
func (connection *Connection) resend(ccb *CCB) error {
	connection.session.mutex.Lock()
	pdu := ccb.pduWaiting
	if pdu != nil {
		ccb.startTimer()
	}
	connection.session.mutex.Unlock()
	if pdu == nil {
		return nil
	}
	return connection.queuePDU(pdu, false)
}

func (connection *Connection) sendLogin(ccb *CCB, step loginStep, text []byte) error {
	session := connection.session
	fields := &LoginRequestFields{
		Transit:      step.transit,
		CurrentStage: step.currentStage,
		NextStage:    step.nextStage,
		ISID:         session.isid,
		TSIH:         session.TSIH(),
		CID:          connection.CID,
	}
	if !step.transit {
		fields.NextStage = 0
	}
	pdu, err := connection.newPDU(fields)
	if err != nil {
		return err
	}
	pdu.Data = text
	ccb.immediate = true
	ccb.flags |= ccbNoTimer
	return connection.issue(ccb, pdu, false)
}

func (connection *Connection) sendText(ccb *CCB, text []byte, transferTag uint32) error {
	pdu, err := connection.newPDU(&TextRequestFields{Final: true, TargetTransferTag: transferTag})
	if err != nil {
		return err
	}
	pdu.Data = text
	return connection.issue(ccb, pdu, false)
}

func (connection *Connection) sendLogout(ccb *CCB, reason LogoutReason, cid uint16) error {
	pdu, err := connection.newPDU(&LogoutRequestFields{Reason: reason, CID: cid})
	if err != nil {
		return err
	}
	ccb.immediate = true
	return connection.issue(ccb, pdu, false)
}

func (connection *Connection) sendTaskManagement(ccb *CCB, lun uint64, referencedTask uint32, refCmdSN uint32, expDataSN uint32) error {
	fields := &TaskManagementRequestFields{
		Function:          ccb.function,
		ReferencedTaskTag: referencedTask,
		RefCmdSN:          refCmdSN,
		ExpDataSN:         expDataSN,
	}
	pdu, err := connection.newPDU(fields)
	if err != nil {
		return err
	}
	pdu.Header.LUN = lun
	ccb.immediate = true
	return connection.issue(ccb, pdu, true)
}

// sendCommand sends a SCSI command with its immediate data followed by
// any unsolicited Data-Out allowed by the first burst.
func (connection *Connection) sendCommand(ccb *CCB) error {
	request := ccb.request
	fields := &SCSICommandFields{
		Final:                      true,
		Read:                       request.Direction == DataIn,
		Write:                      request.Direction == DataOut,
		Attribute:                  request.Attribute,
		ExpectedDataTransferLength: request.transferLength(),
	}
	copy(fields.CDB[:], request.CDB)
	pdu, err := connection.newPDU(fields)
	if err != nil {
		return err
	}
	pdu.Header.LUN = request.LUN
	immediate, unsolicited := connection.unsolicitedLengths(request)
	if immediate > 0 {
		pdu.Data = request.Buffer[:immediate]
	}
	if unsolicited > immediate {
		fields.Final = false
	}
	if err := connection.issue(ccb, pdu, false); err != nil {
		return err
	}
	if unsolicited > immediate && !connection.session.isThrottled(ccb) {
		connection.sendUnsolicited(ccb, ccb.ITT)
	}
	return nil
}

// unsolicitedLengths returns the immediate data length and the total
// unsolicited length of a write.
func (connection *Connection) unsolicitedLengths(request *SCSIRequest) (uint32, uint32) {
	if request.Direction != DataOut {
		return 0, 0
	}
	total := request.transferLength()
	immediateLimit, unsolicitedLimit := connection.session.Parameters().firstBurst()
	if limit := connection.targetMaxRecvDataSegmentLength(); immediateLimit > limit {
		immediateLimit = limit
	}
	immediate := minUint32(total, immediateLimit)
	unsolicited := minUint32(total, unsolicitedLimit)
	if unsolicited < immediate {
		unsolicited = immediate
	}
	return immediate, unsolicited
}

// sendUnsolicited sends the Data-Out part of the first burst. The CCB is
// deferred meanwhile so an early status is replayed afterwards.
func (connection *Connection) sendUnsolicited(ccb *CCB, itt uint32) {
	session := connection.session
	session.mutex.Lock()
	if ccb.ITT != itt || ccb.request == nil {
		session.mutex.Unlock()
		return
	}
	request := ccb.request
	session.mutex.Unlock()
	immediate, unsolicited := connection.unsolicitedLengths(request)
	if unsolicited <= immediate {
		return
	}
	restore := session.deferCCB(ccb)
	defer restore()
	session.mutex.Lock()
	active := ccb.ITT == itt && ccb.disposition == DispositionDefer
	session.mutex.Unlock()
	if !active {
		return
	}
	if err := connection.sendDataOut(ccb, ReservedTag, immediate, unsolicited-immediate); err != nil {
		connection.log.Debugf("unsolicited data for %s: %s", ccb, err)
	}
}

// sendDataOut sends length bytes of the CCB buffer starting at offset,
// split by the target's MaxRecvDataSegmentLength. DataSN restarts at 0
// for every sequence.
func (connection *Connection) sendDataOut(ccb *CCB, transferTag uint32, offset uint32, length uint32) error {
	buffer := ccb.request.Buffer
	if uint64(offset)+uint64(length) > uint64(len(buffer)) {
		return statusErrorf(StatusProtocolError, "data request %d+%d beyond buffer of %d", offset, length, len(buffer))
	}
	segment := connection.targetMaxRecvDataSegmentLength()
	var dataSN uint32
	for length > 0 {
		size := minUint32(length, segment)
		fields := &DataOutFields{
			Final:             size == length,
			TargetTransferTag: transferTag,
			DataSN:            dataSN,
			BufferOffset:      offset,
		}
		pdu, err := connection.newPDU(fields)
		if err != nil {
			return err
		}
		pdu.Header.LUN = ccb.request.LUN
		pdu.Header.InitiatorTaskTag = ccb.ITT
		pdu.Data = buffer[offset : offset+size]
		if err := connection.queuePDU(pdu, false); err != nil {
			return err
		}
		offset += size
		length -= size
		dataSN++
	}
	return nil
}

func (connection *Connection) sendSNACK(snackType SNACKType, itt uint32, transferTag uint32, begin uint32, length uint32) error {
	fields := &SNACKRequestFields{
		Type:              snackType,
		TargetTransferTag: transferTag,
		BegRun:            begin,
		RunLength:         length,
	}
	pdu, err := connection.newPDU(fields)
	if err != nil {
		return err
	}
	pdu.Header.InitiatorTaskTag = itt
	connection.log.Debugf("SNACK type %d itt 0x%08x BegRun %d RunLength %d", snackType, itt, begin, length)
	return connection.queuePDU(pdu, true)
}

// sendPing sends a NOP-Out the target has to answer.
func (connection *Connection) sendPing() error {
	session := connection.session
	ccb, err := session.allocateCCB(context.Background(), OpNoopOut, DispositionFree, false)
	if err != nil {
		return err
	}
	ccb.immediate = true
	ccb.flags |= ccbNoTimer
	pdu, err := connection.newPDU(&NopOutFields{TargetTransferTag: ReservedTag})
	if err != nil {
		session.freeCCB(ccb)
		return err
	}
	connection.pingPending.Store(true)
	session.mutex.Lock()
	connection.pingCmdSN = session.cmdSN
	session.mutex.Unlock()
	// not a priority PDU: the answer must reflect every command queued before it
	if err := connection.issue(ccb, pdu, false); err != nil {
		session.wakeCCB(ccb, StatusConnectionFailed, err)
		return err
	}
	return nil
}

// replyNopIn answers a target ping, echoing its TTT and data.
func (connection *Connection) replyNopIn(transferTag uint32, lun uint64, data []byte) error {
	fields := &NopOutFields{TargetTransferTag: transferTag}
	pdu, err := connection.newPDU(fields)
	if err != nil {
		return err
	}
	pdu.Header.Immediate = true
	pdu.Header.LUN = lun
	if len(data) > 0 {
		pdu.Data = append([]byte(nil), data...)
	}
	fields.CmdSN = connection.session.currentCmdSN()
	return connection.queuePDU(pdu, true)
}

func minUint32(first, second uint32) uint32 {
	if first < second {
		return first
	}
	return second
}
