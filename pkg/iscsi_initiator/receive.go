// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"github.com/pkg/errors"
)

// receiveLoop is the reader duty. It owns a single receive PDU outside of
// the pool.
func (connection *Connection) receiveLoop() {
	defer close(connection.readerDone)
	pdu := &connection.receivePDU
	pdu.connection = connection
	for !connection.terminating.Load() {
		err := readPDU(connection.transport, pdu, connection.currentDigests(), connection.maxReceiveLength())
		if connection.terminating.Load() {
			return
		}
		if err != nil {
			if !connection.receiveFailed(pdu, err) {
				return
			}
			continue
		}
		connection.touch()
		if err := connection.dispatch(pdu); err != nil {
			connection.log.Errorf("handle %s: %s", pdu.Header.Opcode, err)
			status := StatusOf(err)
			if status == StatusGeneralError {
				status = StatusProtocolError
			}
			connection.handleError(status, recoverConnection)
			return
		}
	}
}

// receiveFailed reports whether the reader can continue after err.
func (connection *Connection) receiveFailed(pdu *PDU, err error) bool {
	var headerErr *ErrHeaderDigest
	var dataErr *ErrDataDigest
	var protocolErr *ErrProtocol
	switch {
	case errors.As(err, &headerErr):
		connection.log.Warnf("%s, resynchronizing", headerErr)
		if _, err := resynchronize(connection.transport); err != nil {
			connection.handleError(StatusSocketError, recoverConnection)
			return false
		}
		return !connection.terminating.Load()
	case errors.As(err, &dataErr):
		connection.log.Warnf("%s", dataErr)
		return connection.dataDigestFailed(pdu)
	case errors.As(err, &protocolErr):
		connection.log.Errorf("%s", protocolErr)
		connection.handleError(StatusProtocolError, recoverConnection)
		return false
	}
	connection.log.Infof("read: %s", err)
	connection.handleError(StatusSocketError, recoverConnection)
	return false
}

// dataDigestFailed asks for a corrupted PDU again when the recovery level
// allows it. Its header is intact.
func (connection *Connection) dataDigestFailed(pdu *PDU) bool {
	session := connection.session
	if !connection.fullFeature() || session.Parameters().ErrorRecoveryLevel == 0 {
		connection.handleError(StatusDataDigestError, recoverConnection)
		return false
	}
	header := &pdu.Header
	if numbers, ok := header.Fields.(sequenced); ok {
		sequence := numbers.sequenceNumbers()
		session.updateCommandWindow(sequence.ExpCmdSN, sequence.MaxCmdSN)
	}
	var err error
	switch fields := header.Fields.(type) {
	case *DataInFields:
		itt := header.InitiatorTaskTag
		session.mutex.Lock()
		ccb := session.commandCCB(itt)
		if ccb == nil {
			session.mutex.Unlock()
			return true
		}
		err = ccb.dataSN.skip(fields.DataSN)
		session.mutex.Unlock()
		if err == nil {
			err = connection.sendSNACK(SNACKData, itt, ReservedTag, fields.DataSN, 1)
		}
	case *SCSIResponseFields, *TextResponseFields, *RejectFields, *AsyncMessageFields, *TaskManagementResponseFields, *LogoutResponseFields:
		statSN := fields.(sequenced).sequenceNumbers().StatSN
		connection.mutex.Lock()
		err = connection.statSN.skip(statSN)
		connection.mutex.Unlock()
		if err == nil {
			err = connection.sendSNACK(SNACKStatus, ReservedTag, ReservedTag, statSN, 1)
		}
	case *NopInFields:
		// pings are retried by the idle timer
		return true
	default:
		err = statusErrorf(StatusDataDigestError, "%s", header.Opcode)
	}
	if err != nil {
		connection.handleError(StatusOf(err), recoverConnection)
		return false
	}
	return true
}

// advancesStatSN tells whether the PDU carries a StatSN of its own.
func advancesStatSN(header *Header) bool {
	switch fields := header.Fields.(type) {
	case *SCSIResponseFields, *TaskManagementResponseFields, *TextResponseFields,
		*LogoutResponseFields, *AsyncMessageFields, *RejectFields:
		return true
	case *NopInFields:
		return header.InitiatorTaskTag != ReservedTag
	case *DataInFields:
		return fields.HasStatus
	}
	return false
}

func (connection *Connection) dispatch(pdu *PDU) error {
	header := &pdu.Header
	session := connection.session
	if login, ok := header.Fields.(*LoginResponseFields); ok {
		return connection.receiveLoginResponse(pdu, login)
	}
	if !connection.state.Is(string(StateFullFeature)) && !connection.state.Is(string(StateLogoutSent)) {
		return statusErrorf(StatusProtocolError, "%s received during login", header.Opcode)
	}
	numbers, ok := header.Fields.(sequenced)
	if !ok {
		return statusErrorf(StatusProtocolError, "unexpected %s from target", header.Opcode)
	}
	sequence := numbers.sequenceNumbers()
	session.updateCommandWindow(sequence.ExpCmdSN, sequence.MaxCmdSN)
	if advancesStatSN(header) {
		proceed, err := connection.checkStatSN(sequence.StatSN)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
		defer connection.ackStatSN(sequence.StatSN)
	}
	switch fields := header.Fields.(type) {
	case *NopInFields:
		return connection.receiveNopIn(pdu, fields)
	case *SCSIResponseFields:
		return connection.receiveSCSIResponse(pdu, fields)
	case *TaskManagementResponseFields:
		return connection.receiveTaskManagementResponse(pdu, fields)
	case *TextResponseFields:
		return connection.receiveTextResponse(pdu, fields)
	case *DataInFields:
		return connection.receiveDataIn(pdu, fields)
	case *LogoutResponseFields:
		return connection.receiveLogoutResponse(pdu, fields)
	case *R2TFields:
		return connection.receiveR2T(pdu, fields)
	case *AsyncMessageFields:
		return connection.receiveAsyncMessage(pdu, fields)
	case *RejectFields:
		return connection.receiveReject(pdu, fields)
	}
	return statusErrorf(StatusProtocolError, "unexpected %s from target", header.Opcode)
}

// checkStatSN registers a StatSN. It returns false for a duplicate. A gap
// is answered with a status SNACK when the recovery level allows it.
func (connection *Connection) checkStatSN(statSN uint32) (bool, error) {
	connection.mutex.Lock()
	result, err := connection.statSN.add(statSN)
	connection.mutex.Unlock()
	if err != nil {
		return false, newStatusError(StatusSerialWindowOverflow, err)
	}
	switch {
	case result == 0:
		connection.log.Debugf("duplicate StatSN %d dropped", statSN)
		return false, nil
	case result > 1:
		skipped := uint32(result - 1)
		if !connection.fullFeature() || connection.session.Parameters().ErrorRecoveryLevel == 0 {
			return false, statusErrorf(StatusProtocolError, "StatSN %d skipped %d responses", statSN, skipped)
		}
		if err := connection.sendSNACK(SNACKStatus, ReservedTag, ReservedTag, statSN-skipped, skipped); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (connection *Connection) ackStatSN(statSN uint32) {
	connection.mutex.Lock()
	connection.statSN.ack(statSN)
	connection.mutex.Unlock()
}

func (connection *Connection) receiveLoginResponse(pdu *PDU, fields *LoginResponseFields) error {
	session := connection.session
	state := connection.State()
	if state != StateSecurityNegotiation && state != StateOperationalNegotiation {
		return statusErrorf(StatusProtocolError, "login response in state %s", state)
	}
	connection.mutex.Lock()
	if !connection.statSNSet {
		connection.statSN.reset(fields.StatSN)
		connection.statSNSet = true
	}
	if _, err := connection.statSN.add(fields.StatSN); err == nil {
		connection.statSN.ack(fields.StatSN)
	}
	connection.mutex.Unlock()
	if fields.StatusClass == 0 {
		session.updateCommandWindow(fields.ExpCmdSN, fields.MaxCmdSN)
	}

	ccb := session.findCCB(pdu.Header.InitiatorTaskTag)
	if ccb == nil || ccb.negotiation == nil {
		return statusErrorf(StatusProtocolError, "login response for unknown task 0x%08x", pdu.Header.InitiatorTaskTag)
	}
	negotiation := ccb.negotiation
	ccb.loginFields = *fields
	err := negotiation.processResponse(fields, pdu.Data)
	if err == nil {
		if negotiation.complete {
			connection.completeLogin(negotiation, fields)
		} else if negotiation.stage == LoginOperationalNegotiation && state == StateSecurityNegotiation {
			connection.fire(eventSecurityDone)
		}
	}
	session.wakeCCB(ccb, StatusOf(err), err)
	return nil
}

// completeLogin commits the negotiated values before the login waiter is
// woken.
func (connection *Connection) completeLogin(negotiation *negotiationState, fields *LoginResponseFields) {
	parameters := negotiation.result()
	if negotiation.leading {
		connection.session.commit(parameters, fields.TSIH)
	}
	connection.commit(parameters)
	connection.established.Store(true)
	connection.fire(eventLoginComplete)
}

func (connection *Connection) receiveNopIn(pdu *PDU, fields *NopInFields) error {
	if pdu.Header.InitiatorTaskTag == ReservedTag {
		if fields.TargetTransferTag != ReservedTag {
			return connection.replyNopIn(fields.TargetTransferTag, pdu.Header.LUN, pdu.Data)
		}
		return nil
	}
	session := connection.session
	if ccb := session.findCCB(pdu.Header.InitiatorTaskTag); ccb != nil {
		session.wakeCCB(ccb, StatusSuccess, nil)
	}
	if connection.pingPending.CompareAndSwap(true, false) {
		session.checkCmdSN(connection)
	}
	return nil
}

// commandCCB resolves the tag of a SCSI command PDU. Callers hold
// session.mutex. A command which is already completing is left alone, so
// that nothing touches the caller's buffer once Run or the callback has
// seen the result.
func (session *Session) commandCCB(itt uint32) *CCB {
	ccb := session.lookupCCB(itt)
	if ccb == nil || ccb.request == nil || ccb.disposition == DispositionBusy {
		return nil
	}
	return ccb
}

func (connection *Connection) receiveSCSIResponse(pdu *PDU, fields *SCSIResponseFields) error {
	session := connection.session
	erl := session.Parameters().ErrorRecoveryLevel
	itt := pdu.Header.InitiatorTaskTag
	session.mutex.Lock()
	ccb := session.commandCCB(itt)
	if ccb == nil {
		session.mutex.Unlock()
		connection.log.Debugf("SCSI response for unknown task 0x%08x", itt)
		return nil
	}
	ccb.result.Response = fields.Response
	ccb.result.SCSIStatus = fields.Status
	ccb.result.Residual = fields.ResidualCount
	ccb.result.Overflow = fields.Overflow
	ccb.result.Underflow = fields.Underflow
	if fields.Status == samStatCheckCondition {
		ccb.result.Sense = senseFromData(pdu.Data)
	}
	status := statusFromSCSI(fields.Response, fields.Status)
	var tail *serialRun
	held := false
	if ccb.request.Direction == DataIn && erl > 0 {
		window := &ccb.dataSN
		if fields.ExpDataSN != 0 && serialLess(window.highest(), fields.ExpDataSN) {
			// the tail of the Data-In sequence never arrived
			begin := window.highest()
			if err := window.skip(fields.ExpDataSN - 1); err != nil {
				session.mutex.Unlock()
				return newStatusError(StatusSerialWindowOverflow, err)
			}
			tail = &serialRun{begin: begin, length: fields.ExpDataSN - begin}
		}
		if !window.empty() {
			ccb.flags |= ccbStatusReceived
			ccb.pendingStatus = status
			held = true
		}
	}
	session.mutex.Unlock()

	if tail != nil {
		if err := connection.sendSNACK(SNACKData, itt, ReservedTag, tail.begin, tail.length); err != nil {
			return err
		}
	}
	if !held {
		connection.completeCommand(ccb, itt, status)
	}
	return nil
}

func (connection *Connection) completeCommand(ccb *CCB, itt uint32, status Status) {
	connection.session.wakeTask(ccb, itt, status, nil)
}

func (connection *Connection) receiveDataIn(pdu *PDU, fields *DataInFields) error {
	session := connection.session
	erl := session.Parameters().ErrorRecoveryLevel
	itt := pdu.Header.InitiatorTaskTag
	session.mutex.Lock()
	ccb := session.commandCCB(itt)
	if ccb == nil {
		session.mutex.Unlock()
		connection.log.Debugf("Data-In for unknown task 0x%08x", itt)
		return nil
	}
	request := ccb.request
	if request.Direction != DataIn {
		session.mutex.Unlock()
		return statusErrorf(StatusProtocolError, "Data-In for %s", ccb)
	}
	length := uint32(len(pdu.Data))
	if uint64(fields.BufferOffset)+uint64(length) > uint64(len(request.Buffer)) {
		session.mutex.Unlock()
		return statusErrorf(StatusProtocolError, "Data-In %d+%d beyond buffer of %d",
			fields.BufferOffset, length, len(request.Buffer))
	}
	window := &ccb.dataSN
	result, err := window.add(fields.DataSN)
	if err != nil {
		session.mutex.Unlock()
		return newStatusError(StatusSerialWindowOverflow, err)
	}
	if result == 0 {
		session.mutex.Unlock()
		connection.log.Debugf("duplicate DataSN %d for task 0x%08x", fields.DataSN, itt)
		return nil
	}
	copy(request.Buffer[fields.BufferOffset:], pdu.Data)
	ccb.received += length
	expected := window.ack(fields.DataSN)
	if fields.HasStatus {
		ccb.result.SCSIStatus = fields.Status
		ccb.result.Residual = fields.ResidualCount
		ccb.result.Overflow = fields.Overflow
		ccb.result.Underflow = fields.Underflow
		ccb.flags |= ccbStatusReceived
		ccb.pendingStatus = statusFromSCSI(0, fields.Status)
	}
	complete := ccb.flags&ccbStatusReceived != 0 && window.empty()
	status := ccb.pendingStatus
	session.mutex.Unlock()

	if result > 1 {
		skipped := uint32(result - 1)
		if erl == 0 {
			return statusErrorf(StatusProtocolError, "DataSN %d skipped %d PDUs", fields.DataSN, skipped)
		}
		if err := connection.sendSNACK(SNACKData, itt, ReservedTag, fields.DataSN-skipped, skipped); err != nil {
			return err
		}
	}
	if fields.Acknowledge && erl > 0 {
		if err := connection.sendSNACK(SNACKDataAck, itt, fields.TargetTransferTag, expected, 0); err != nil {
			return err
		}
	}
	if complete {
		connection.completeCommand(ccb, itt, status)
	}
	return nil
}

func (connection *Connection) receiveR2T(pdu *PDU, fields *R2TFields) error {
	session := connection.session
	itt := pdu.Header.InitiatorTaskTag
	session.mutex.Lock()
	ccb := session.commandCCB(itt)
	session.mutex.Unlock()
	if ccb == nil {
		connection.log.Debugf("R2T for unknown task 0x%08x", itt)
		return nil
	}
	if ccb.request.Direction != DataOut {
		return statusErrorf(StatusProtocolError, "R2T for %s", ccb)
	}
	if maxBurst := session.Parameters().MaxBurstLength; fields.DesiredDataTransferLength > maxBurst {
		return statusErrorf(StatusProtocolError, "R2T asks for %d bytes, MaxBurstLength is %d",
			fields.DesiredDataTransferLength, maxBurst)
	}
	return connection.sendDataOut(ccb, fields.TargetTransferTag, fields.BufferOffset, fields.DesiredDataTransferLength)
}

func (connection *Connection) receiveTaskManagementResponse(pdu *PDU, fields *TaskManagementResponseFields) error {
	session := connection.session
	ccb := session.findCCB(pdu.Header.InitiatorTaskTag)
	if ccb == nil {
		connection.log.Debugf("task management response for unknown task 0x%08x", pdu.Header.InitiatorTaskTag)
		return nil
	}
	ccb.response = fields.Response
	status := fields.Response.status()
	if ccb.function == TaskReassign {
		session.reassignAnswered(ccb, status)
	} else if status == StatusSuccess {
		session.abortAffected(ccb)
	}
	session.wakeCCB(ccb, status, nil)
	return nil
}

func (connection *Connection) receiveTextResponse(pdu *PDU, fields *TextResponseFields) error {
	session := connection.session
	ccb := session.findCCB(pdu.Header.InitiatorTaskTag)
	if ccb == nil {
		connection.log.Debugf("text response for unknown task 0x%08x", pdu.Header.InitiatorTaskTag)
		return nil
	}
	ccb.text = append(ccb.text, pdu.Data...)
	ccb.transferTag = fields.TargetTransferTag
	ccb.textFinal = fields.Final && !fields.Continue
	session.wakeCCB(ccb, StatusSuccess, nil)
	return nil
}

func logoutStatus(response LogoutResponse) Status {
	switch response {
	case LogoutResponseSuccess:
		return StatusSuccess
	case LogoutResponseCIDNotFound:
		return StatusLogoutCIDNotFound
	case LogoutResponseRecoveryNotSupported:
		return StatusLogoutRecoveryNotSupported
	}
	return StatusLogoutFailed
}

func (connection *Connection) receiveLogoutResponse(pdu *PDU, fields *LogoutResponseFields) error {
	session := connection.session
	ccb := session.findCCB(pdu.Header.InitiatorTaskTag)
	if ccb == nil {
		return statusErrorf(StatusProtocolError, "logout response for unknown task 0x%08x", pdu.Header.InitiatorTaskTag)
	}
	ccb.logoutFields = *fields
	status := logoutStatus(fields.Response)
	closesThis := ccb.logoutReason == LogoutCloseSession ||
		(ccb.logoutReason == LogoutCloseConnection && ccb.logoutCID == connection.CID)
	session.wakeCCB(ccb, status, nil)
	if status == StatusSuccess && closesThis {
		connection.loggedOut.Store(true)
		connection.handleError(StatusCanceled, noRecovery)
	}
	return nil
}

func (connection *Connection) receiveAsyncMessage(pdu *PDU, fields *AsyncMessageFields) error {
	session := connection.session
	switch fields.AsyncEvent {
	case AsyncEventSCSI:
		connection.log.Infof("SCSI asynchronous event on LUN %d, sense %x", pdu.Header.LUN, senseFromData(pdu.Data))
	case AsyncEventRequestLogout:
		connection.log.Infof("target requests logout within %d seconds", fields.Parameter3)
		connection.handleError(StatusTargetLogout, logoutConnection)
	case AsyncEventDropConnection:
		connection.log.Infof("target drops connection %d, Time2Wait %d", fields.Parameter1, fields.Parameter2)
		if target := session.connectionByCID(uint16(fields.Parameter1)); target != nil {
			target.handleError(StatusTargetDroppedConnection, recoverConnection)
		}
	case AsyncEventDropAllConnections:
		connection.log.Infof("target drops all connections, Time2Wait %d", fields.Parameter2)
		for _, target := range session.activeConnections() {
			target.handleError(StatusTargetDroppedConnection, recoverConnection)
		}
	case AsyncEventRequestRenegotiation:
		connection.log.Infof("target requests parameter renegotiation, ignored")
	case AsyncEventVendorSpecific:
		connection.log.Infof("vendor specific asynchronous event, code %d", fields.AsyncVCode)
	default:
		connection.log.Warnf("unknown asynchronous event %d", fields.AsyncEvent)
	}
	return nil
}

func (connection *Connection) receiveReject(pdu *PDU, fields *RejectFields) error {
	session := connection.session
	if len(pdu.Data) < BasicHeaderSegmentSize {
		return statusErrorf(StatusProtocolError, "reject without the rejected header")
	}
	var rejected Header
	if err := rejected.Unmarshal(pdu.Data[:BasicHeaderSegmentSize]); err != nil {
		connection.log.Warnf("reject reason 0x%02x for an undecodable header: %s", fields.Reason, err)
		return nil
	}
	connection.log.Warnf("target rejected %s, reason 0x%02x", rejected.Opcode, fields.Reason)
	var ccb *CCB
	if rejected.InitiatorTaskTag != ReservedTag {
		ccb = session.findCCB(rejected.InitiatorTaskTag)
	}
	switch fields.Reason {
	case RejectDataDigestError:
		if rejected.Opcode != OpSCSIOut && ccb != nil {
			return connection.resend(ccb)
		}
	case RejectSNACKReject:
		return statusErrorf(StatusProtocolError, "target rejected a SNACK")
	default:
		if ccb != nil {
			session.wakeCCB(ccb, StatusPDURejected, statusErrorf(StatusPDURejected, "reason 0x%02x", fields.Reason))
		}
	}
	return nil
}
