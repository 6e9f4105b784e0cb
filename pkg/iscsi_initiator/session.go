// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"

	"iscsiinitiator/pkg/fifo"
	"iscsiinitiator/pkg/logger"
)

const initialCmdSN = 1

// Session groups the connections to one target and owns the CCB pool and
// the command window.
type Session struct {
	ID   uint32
	UUID uuid.UUID

	engine *Engine
	config *Config
	log    *logger.Logger
	login  LoginParameters
	isid   [6]byte

	mutex        sync.Mutex
	ccbAvailable *sync.Cond
	ccbs         []CCB
	freeCCBs     []int
	throttled    *fifo.List[*CCB]
	cmdSN        uint32
	expCmdSN     uint32
	maxCmdSN     uint32
	windowValid  bool
	tsih         uint16
	parameters   NegotiatedParameters
	connections  []*Connection
	// connections which are still logging in, by CID
	joining map[uint16]*Connection
	// round-robin position of the last connection used
	lastConnection int

	terminating *atomic.Bool
	failure     *atomic.Uint32
	done        chan struct{}
	finalized   sync.Once
}

func newSession(engine *Engine, id uint32, parameters LoginParameters) *Session {
	config := &engine.config
	session := &Session{
		ID:          id,
		UUID:        uuid.NewV1(),
		engine:      engine,
		config:      config,
		log:         logger.GetLogger().WithField("session", id),
		login:       parameters,
		ccbs:        make([]CCB, config.MaxCCBs),
		freeCCBs:    make([]int, 0, config.MaxCCBs),
		throttled:   fifo.New[*CCB](),
		joining:     map[uint16]*Connection{},
		cmdSN:       initialCmdSN,
		expCmdSN:    initialCmdSN,
		maxCmdSN:    initialCmdSN,
		terminating: atomic.NewBool(false),
		failure:     atomic.NewUint32(uint32(StatusSuccess)),
		done:        make(chan struct{}),
	}
	session.ccbAvailable = sync.NewCond(&session.mutex)
	for index := len(session.ccbs) - 1; index >= 0; index-- {
		session.ccbs[index].slot = index
		session.freeCCBs = append(session.freeCCBs, index)
	}
	// random ISID format, the qualifier keeps sessions of one engine apart
	qualifier := uuid.NewV4()
	session.isid[0] = 0x80
	copy(session.isid[1:4], qualifier.Bytes()[:3])
	binary.BigEndian.PutUint16(session.isid[4:6], uint16(id))
	session.parameters = newNegotiatedParameters(defaultNegotiatedValues(), config.Operational.MaxRecvDataSegmentLength, nil)
	return session
}

func (session *Session) isTerminating() bool {
	return session.terminating.Load()
}

func (session *Session) TargetName() string {
	return session.login.TargetName
}

func (session *Session) Type() SessionType {
	return session.login.SessionType
}

func (session *Session) TSIH() uint16 {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.tsih
}

func (session *Session) ISID() [6]byte {
	return session.isid
}

// Parameters returns the session wide negotiated values.
func (session *Session) Parameters() NegotiatedParameters {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.parameters
}

// commit installs the outcome of the leading login.
func (session *Session) commit(parameters NegotiatedParameters, tsih uint16) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.parameters = parameters
	session.tsih = tsih
}

func (session *Session) currentCmdSN() uint32 {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.cmdSN
}

// windowOpen reports whether a non-immediate command may be sent.
// Callers hold session.mutex.
func (session *Session) windowOpen() bool {
	if !session.windowValid {
		return true
	}
	return serialLessOrEqual(session.cmdSN, session.maxCmdSN)
}

func (session *Session) isThrottled(ccb *CCB) bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return ccb.location == ccbThrottled
}

// updateCommandWindow applies the ExpCmdSN/MaxCmdSN the target reported
// and releases throttled commands which now fit.
func (session *Session) updateCommandWindow(expCmdSN, maxCmdSN uint32) {
	session.mutex.Lock()
	if serialLess(maxCmdSN, expCmdSN-1) {
		session.mutex.Unlock()
		return
	}
	if !session.windowValid {
		session.expCmdSN = expCmdSN
		session.maxCmdSN = maxCmdSN
		session.windowValid = true
	} else {
		if serialLess(session.expCmdSN, expCmdSN) {
			session.expCmdSN = expCmdSN
		}
		if serialLess(session.maxCmdSN, maxCmdSN) {
			session.maxCmdSN = maxCmdSN
		}
	}
	var released, failed []*CCB
	for session.throttled.Len() > 0 && session.windowOpen() {
		ccb, _ := session.throttled.RemoveFront()
		ccb.location = ccbNowhere
		ccb.cell = nil
		if err := ccb.connection.dispatchLocked(ccb, false); err != nil {
			failed = append(failed, ccb)
			continue
		}
		if ccb.request != nil && ccb.request.Direction == DataOut {
			released = append(released, ccb)
		}
	}
	itts := make([]uint32, len(released))
	for index, ccb := range released {
		itts[index] = ccb.ITT
	}
	session.mutex.Unlock()
	for _, ccb := range failed {
		session.wakeCCB(ccb, StatusConnectionFailed, nil)
	}
	for index, ccb := range released {
		ccb.connection.sendUnsolicited(ccb, itts[index])
	}
}

// join adds a logged in connection to the session set. A session which
// started terminating meanwhile refuses it.
func (session *Session) join(connection *Connection) error {
	session.mutex.Lock()
	if session.isTerminating() {
		session.mutex.Unlock()
		connection.handleError(StatusSessionFailed, noRecovery)
		return statusErrorf(StatusSessionFailed, "session %d is terminating", session.ID)
	}
	delete(session.joining, connection.CID)
	session.connections = append(session.connections, connection)
	session.mutex.Unlock()
	return nil
}

// removeConnection drops the connection, or the CID it holds while joining, and
// reports how many connections remain.
func (session *Session) removeConnection(connection *Connection) int {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	for index, candidate := range session.connections {
		if candidate == connection {
			session.connections = append(session.connections[:index], session.connections[index+1:]...)
			return len(session.connections)
		}
	}
	if session.joining[connection.CID] == connection {
		delete(session.joining, connection.CID)
	}
	return len(session.connections)
}

// connectionCount counts the connections including those still joining.
func (session *Session) connectionCount() int {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return len(session.connections) + len(session.joining)
}

func (session *Session) Connections() []*Connection {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return append([]*Connection(nil), session.connections...)
}

func (session *Session) activeConnections() []*Connection {
	var result []*Connection
	for _, connection := range session.Connections() {
		if connection.fullFeature() {
			result = append(result, connection)
		}
	}
	return result
}

func (session *Session) connectionByCID(cid uint16) *Connection {
	for _, connection := range session.Connections() {
		if connection.CID == cid {
			return connection
		}
	}
	return nil
}

func (session *Session) connectionByID(id uint32) *Connection {
	for _, connection := range session.Connections() {
		if connection.ID == id {
			return connection
		}
	}
	return nil
}

// pickConnection chooses the next FullFeature connection round-robin.
func (session *Session) pickConnection(exclude *Connection) *Connection {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	count := len(session.connections)
	for step := 1; step <= count; step++ {
		index := (session.lastConnection + step) % count
		connection := session.connections[index]
		if connection != exclude && connection.fullFeature() {
			session.lastConnection = index
			return connection
		}
	}
	return nil
}

// newJoiningConnection creates a connection with an unused CID. The CID
// stays taken until the connection joined the session or was dropped.
func (session *Session) newJoiningConnection(id uint32, address string) (*Connection, error) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	used := map[uint16]bool{}
	for _, connection := range session.connections {
		used[connection.CID] = true
	}
	for cid := uint16(1); cid != 0; cid++ {
		if used[cid] || session.joining[cid] != nil {
			continue
		}
		connection := newConnection(session, id, cid, address)
		session.joining[cid] = connection
		return connection, nil
	}
	return nil, statusErrorf(StatusNoResources, "no free connection id")
}

// Submit queues a SCSI command. done is called exactly once when Submit
// returns nil.
func (session *Session) Submit(request *SCSIRequest, done func(*SCSIResult)) error {
	if err := request.validate(); err != nil {
		return err
	}
	ccb, err := session.allocateCCB(context.Background(), OpSCSICmd, DispositionUpstreamNotify, true)
	if err != nil {
		return err
	}
	ccb.request = request
	ccb.onComplete = done
	session.startCommand(ccb)
	return nil
}

// Run executes a SCSI command and waits for its result. Cancelling ctx
// aborts the task on the target.
func (session *Session) Run(ctx context.Context, request *SCSIRequest) (*SCSIResult, error) {
	if err := request.validate(); err != nil {
		return nil, err
	}
	ccb, err := session.allocateCCB(ctx, OpSCSICmd, DispositionWait, true)
	if err != nil {
		return nil, err
	}
	ccb.request = request
	session.startCommand(ccb)
	status := session.waitCCB(ctx, ccb)
	result := ccb.scsiResult()
	if status == StatusCanceled {
		// the slot keeps its ITT and CmdSN until the abort is answered
		session.abortInBackground(ccb)
		return result, result.Err
	}
	session.freeCCB(ccb)
	return result, result.Err
}

func (session *Session) startCommand(ccb *CCB) {
	connection := session.pickConnection(nil)
	if connection == nil {
		session.wakeCCB(ccb, StatusSessionFailed, statusErrorf(StatusSessionFailed, "no connection in full feature phase"))
		return
	}
	session.mutex.Lock()
	ccb.connection = connection
	session.mutex.Unlock()
	connection.usage.Inc()
	if err := connection.sendCommand(ccb); err != nil {
		session.wakeCCB(ccb, StatusOf(err), err)
	}
}

// abortInBackground sends ABORT TASK for a canceled command and releases
// its CCB afterwards. The CCB stays busy meanwhile, so late Data-In and
// responses for it are dropped.
func (session *Session) abortInBackground(ccb *CCB) {
	session.mutex.Lock()
	itt, lun := ccb.ITT, ccb.request.LUN
	session.mutex.Unlock()
	go func() {
		defer session.freeCCB(ccb)
		ctx, cancel := context.WithTimeout(context.Background(), session.config.LogoutTimeout.Duration())
		defer cancel()
		if err := session.TaskManagement(ctx, TaskAbortTask, lun, itt); err != nil {
			session.log.Debugf("abort of canceled task 0x%08x: %s", itt, err)
		}
	}()
}

// TaskManagement sends a task management request and waits for the answer.
func (session *Session) TaskManagement(ctx context.Context, function TaskManagementFunction, lun uint64, referencedITT uint32) error {
	if function == TaskReassign {
		return statusErrorf(StatusInvalidParameter, "reassign is issued by recovery only")
	}
	ccb, err := session.allocateCCB(ctx, OpSCSITaskReq, DispositionWait, true)
	if err != nil {
		return err
	}
	defer session.freeCCB(ccb)
	ccb.function = function
	ccb.lun = lun
	ccb.referencedITT = ReservedTag
	var connection *Connection
	refCmdSN := session.currentCmdSN()
	if function.referencesTask() {
		session.mutex.Lock()
		referenced := session.lookupCCB(referencedITT)
		if referenced != nil {
			ccb.referenced = referenced
			refCmdSN = referenced.cmdSN
			if referenced.connection != nil && referenced.connection.fullFeature() {
				connection = referenced.connection
			}
		}
		session.mutex.Unlock()
		ccb.referencedITT = referencedITT
	}
	if connection == nil {
		connection = session.pickConnection(nil)
	}
	if connection == nil {
		return statusErrorf(StatusSessionFailed, "no connection in full feature phase")
	}
	if err := connection.sendTaskManagement(ccb, lun, ccb.referencedITT, refCmdSN, 0); err != nil {
		session.wakeCCB(ccb, StatusOf(err), err)
	}
	session.waitCCB(ctx, ccb)
	return ccb.Err()
}

// abortAffected completes the tasks a successful task management function
// terminated on the target.
func (session *Session) abortAffected(tmf *CCB) {
	var affected []*CCB
	session.mutex.Lock()
	for index := range session.ccbs {
		ccb := &session.ccbs[index]
		if ccb.disposition == DispositionUnused || ccb.kind != OpSCSICmd || ccb.request == nil {
			continue
		}
		switch tmf.function {
		case TaskAbortTask:
			if ccb.ITT == tmf.referencedITT {
				affected = append(affected, ccb)
			}
		case TaskAbortTaskSet, TaskClearTaskSet, TaskLogicalUnitReset:
			if ccb.request.LUN == tmf.lun {
				affected = append(affected, ccb)
			}
		case TaskTargetWarmReset, TaskTargetColdReset:
			affected = append(affected, ccb)
		}
	}
	session.mutex.Unlock()
	for _, ccb := range affected {
		session.wakeCCB(ccb, StatusTaskAborted, nil)
	}
}

// rearmCCB prepares a completed CCB for the next step of a multi PDU
// exchange which keeps its ITT.
func (session *Session) rearmCCB(ccb *CCB) {
	session.mutex.Lock()
	pdu := ccb.pduWaiting
	ccb.pduWaiting = nil
	ccb.disposition = DispositionWait
	ccb.status = StatusSuccess
	ccb.err = nil
	ccb.done = make(chan struct{})
	session.mutex.Unlock()
	if pdu != nil && pdu.connection != nil {
		pdu.connection.releasePDU(pdu)
	}
}

// textExchange sends a Text Request and collects the complete answer,
// following the target's continuation.
func (session *Session) textExchange(ctx context.Context, text []byte) ([]byte, error) {
	connection := session.pickConnection(nil)
	if connection == nil {
		return nil, statusErrorf(StatusSessionFailed, "no connection in full feature phase")
	}
	ccb, err := session.allocateCCB(ctx, OpTextReq, DispositionWait, true)
	if err != nil {
		return nil, err
	}
	defer session.freeCCB(ccb)
	transferTag := ReservedTag
	for {
		if err := connection.sendText(ccb, text, transferTag); err != nil {
			session.wakeCCB(ccb, StatusOf(err), err)
		}
		if status := session.waitCCB(ctx, ccb); status != StatusSuccess {
			return nil, ccb.Err()
		}
		if ccb.textFinal || ccb.transferTag == ReservedTag {
			return ccb.text, nil
		}
		transferTag = ccb.transferTag
		text = nil
		session.rearmCCB(ccb)
	}
}

// SendTargets asks the target for its targets. key is usually "All".
func (session *Session) SendTargets(ctx context.Context, key string) ([]DiscoveredTarget, error) {
	if key == "" {
		key = "All"
	}
	request := newKeyValueList()
	request.add("SendTargets", key)
	data, err := session.textExchange(ctx, UnparseIscsiKeyValue(request))
	if err != nil {
		return nil, err
	}
	return parseSendTargets(data)
}

// logout sends a Logout Request on connection and waits for the answer.
func (session *Session) logout(ctx context.Context, connection *Connection, reason LogoutReason, cid uint16) error {
	ccb, err := session.allocateCCB(ctx, OpLogoutReq, DispositionWait, true)
	if err != nil {
		return err
	}
	defer session.freeCCB(ccb)
	ccb.logoutReason = reason
	ccb.logoutCID = cid
	ctx, cancel := context.WithTimeout(ctx, session.config.LogoutTimeout.Duration())
	defer cancel()
	if reason != LogoutRemoveConnectionForRecovery {
		connection.fire(eventLogoutSent)
	}
	if err := connection.sendLogout(ccb, reason, cid); err != nil {
		session.wakeCCB(ccb, StatusOf(err), err)
	}
	if status := session.waitCCB(ctx, ccb); status != StatusSuccess {
		if status == StatusCanceled {
			return statusErrorf(StatusTimeout, "logout of cid %d timed out", cid)
		}
		return ccb.Err()
	}
	if wait := ccb.logoutFields.Time2Wait; reason == LogoutRemoveConnectionForRecovery && wait > 0 {
		session.log.Debugf("target asks to wait %d seconds before reconnecting", wait)
	}
	return nil
}

// logoutAndDrop logs the connection out and then drops it without
// recovery.
func (connection *Connection) logoutAndDrop(status Status) {
	session := connection.session
	if connection.loggedOut.Load() {
		return
	}
	reason := LogoutCloseConnection
	if len(session.Connections()) == 1 {
		reason = LogoutCloseSession
	}
	if err := session.logout(context.Background(), connection, reason, connection.CID); err != nil {
		connection.log.Warnf("logout: %s", err)
	}
	connection.handleError(status, noRecovery)
}

// waitDone blocks until the session finished tearing down.
func (session *Session) waitDone(ctx context.Context) error {
	select {
	case <-session.done:
		return nil
	case <-ctx.Done():
		return newStatusError(StatusTimeout, ctx.Err())
	}
}

func (session *Session) retainDuration() time.Duration {
	return time.Duration(session.Parameters().DefaultTime2Retain) * time.Second
}
