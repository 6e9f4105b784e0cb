// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"iscsiinitiator/pkg/fifo"
	"iscsiinitiator/pkg/logger"
)

type ConnectionState string

const (
	StateSecurityNegotiation    ConnectionState = "SecurityNegotiation"
	StateOperationalNegotiation ConnectionState = "OperationalNegotiation"
	StateFullFeature            ConnectionState = "FullFeature"
	StateWindingDown            ConnectionState = "WindingDown"
	StateLogoutSent             ConnectionState = "LogoutSent"
	StateSettling               ConnectionState = "Settling"
	StateIdle                   ConnectionState = "Idle"
)

const (
	eventSecurityDone  = "security_done"
	eventLoginComplete = "login_complete"
	eventWindDown      = "wind_down"
	eventLogoutSent    = "logout_sent"
	eventSettle        = "settle"
	eventIdle          = "idle"
	eventRebind        = "rebind"
)

func newConnectionStateMachine(callbacks fsm.Callbacks) *fsm.FSM {
	loginStates := []string{string(StateSecurityNegotiation), string(StateOperationalNegotiation)}
	activeStates := append(loginStates,
		string(StateFullFeature), string(StateWindingDown), string(StateLogoutSent))
	return fsm.NewFSM(
		string(StateSecurityNegotiation),
		fsm.Events{
			{Name: eventSecurityDone, Src: []string{string(StateSecurityNegotiation)}, Dst: string(StateOperationalNegotiation)},
			{Name: eventLoginComplete, Src: loginStates, Dst: string(StateFullFeature)},
			{Name: eventWindDown, Src: append(loginStates, string(StateFullFeature)), Dst: string(StateWindingDown)},
			{Name: eventLogoutSent, Src: []string{string(StateFullFeature), string(StateWindingDown)}, Dst: string(StateLogoutSent)},
			{Name: eventSettle, Src: activeStates, Dst: string(StateSettling)},
			{Name: eventIdle, Src: []string{string(StateSettling)}, Dst: string(StateIdle)},
			{Name: eventRebind, Src: []string{string(StateIdle)}, Dst: string(StateSecurityNegotiation)},
		},
		callbacks,
	)
}

// Connection is one TCP connection of a session. A reader and a writer
// goroutine serve it while it is bound to a transport.
type Connection struct {
	ID      uint32
	CID     uint16
	Address string

	session *Session
	log     *logger.Logger
	state   *fsm.FSM

	transport net.Conn

	mutex     sync.Mutex
	sendCond  *sync.Cond
	sendQueue *fifo.List[*PDU]
	waiting   *fifo.List[*CCB]
	statSN    *serialWindow
	statSNSet bool
	pdus      *pduPool
	// negotiated values, committed when the login completes
	parameters NegotiatedParameters
	digests    digestSettings

	terminating  *atomic.Bool
	failure      *atomic.Uint32
	loggedOut    *atomic.Bool
	usage        *atomic.Int32
	idleTimeouts *atomic.Int32
	pingPending  *atomic.Bool
	// the login completed on the current transport
	established *atomic.Bool
	// a reinstatement attempt owns the connection, failures do not start
	// the supervisor
	reinstating *atomic.Bool
	// CmdSN current when the last ping was queued, under session.mutex
	pingCmdSN uint32

	idleTimer   *time.Timer
	retainTimer *time.Timer

	receivePDU  PDU
	writeBuffer []byte
	readerDone  chan struct{}
	writerDone  chan struct{}
}

func newConnection(session *Session, id uint32, cid uint16, address string) *Connection {
	connection := &Connection{
		ID:           id,
		CID:          cid,
		Address:      address,
		session:      session,
		log:          session.log.WithField("cid", cid),
		sendQueue:    fifo.New[*PDU](),
		waiting:      fifo.New[*CCB](),
		statSN:       newSerialWindow(0),
		pdus:         newPDUPool(session.config.MaxPDUs),
		terminating:  atomic.NewBool(false),
		failure:      atomic.NewUint32(uint32(StatusSuccess)),
		loggedOut:    atomic.NewBool(false),
		usage:        atomic.NewInt32(0),
		idleTimeouts: atomic.NewInt32(0),
		pingPending:  atomic.NewBool(false),
		established:  atomic.NewBool(false),
		reinstating:  atomic.NewBool(false),
	}
	connection.sendCond = sync.NewCond(&connection.mutex)
	connection.state = newConnectionStateMachine(fsm.Callbacks{
		"enter_state": func(_ context.Context, event *fsm.Event) {
			connection.log.Debugf("connection state %s -> %s", event.Src, event.Dst)
		},
		"enter_" + string(StateFullFeature): func(_ context.Context, _ *fsm.Event) {
			connection.armIdleTimer()
		},
	})
	connection.parameters.MaxRecvDataSegmentLength = session.config.Operational.MaxRecvDataSegmentLength
	connection.parameters.TargetMaxRecvDataSegmentLength = uint32(operationalKeys["MaxRecvDataSegmentLength"].def)
	return connection
}

func (connection *Connection) String() string {
	return fmt.Sprintf("connection %d (cid %d, %s)", connection.ID, connection.CID, connection.State())
}

func (connection *Connection) State() ConnectionState {
	return ConnectionState(connection.state.Current())
}

func (connection *Connection) fullFeature() bool {
	return connection.state.Is(string(StateFullFeature)) && !connection.terminating.Load()
}

func (connection *Connection) fire(event string) {
	if err := connection.state.Event(context.Background(), event); err != nil {
		connection.log.Debugf("state event %s from %s ignored: %s", event, connection.State(), err)
	}
}

// Status is the status the connection failed with, StatusSuccess while it
// is healthy.
func (connection *Connection) Status() Status {
	return Status(connection.failure.Load())
}

func (connection *Connection) isTerminating() bool {
	return connection.terminating.Load()
}

// bind attaches a freshly dialed transport and starts both duties.
func (connection *Connection) bind(transport net.Conn) {
	connection.mutex.Lock()
	connection.transport = transport
	connection.sendQueue = fifo.New[*PDU]()
	connection.statSN.reset(0)
	connection.statSNSet = false
	connection.digests = digestSettings{}
	connection.parameters.HeaderDigest = false
	connection.parameters.DataDigest = false
	connection.parameters.TargetMaxRecvDataSegmentLength = uint32(operationalKeys["MaxRecvDataSegmentLength"].def)
	connection.readerDone = make(chan struct{})
	connection.writerDone = make(chan struct{})
	connection.mutex.Unlock()

	connection.pdus.reopen()
	connection.terminating.Store(false)
	connection.failure.Store(uint32(StatusSuccess))
	connection.loggedOut.Store(false)
	connection.idleTimeouts.Store(0)
	connection.pingPending.Store(false)
	connection.established.Store(false)
	go connection.receiveLoop()
	go connection.sendLoop()
}

// maxReceiveLength is the MaxRecvDataSegmentLength we declared. During
// login the protocol default applies.
func (connection *Connection) maxReceiveLength() uint32 {
	if !connection.state.Is(string(StateFullFeature)) {
		return uint32(operationalKeys["MaxRecvDataSegmentLength"].def)
	}
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.parameters.MaxRecvDataSegmentLength
}

func (connection *Connection) currentDigests() digestSettings {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.digests
}

// commit installs the negotiated connection values. It runs on the reader
// before the login waiter is woken.
func (connection *Connection) commit(parameters NegotiatedParameters) {
	connection.mutex.Lock()
	connection.parameters = parameters
	connection.digests = digestSettings{header: parameters.HeaderDigest, data: parameters.DataDigest}
	connection.mutex.Unlock()
}

func (connection *Connection) targetMaxRecvDataSegmentLength() uint32 {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.parameters.TargetMaxRecvDataSegmentLength
}

// expStatSN is the next StatSN we expect. Callers hold connection.mutex.
func (connection *Connection) expStatSN() uint32 {
	return connection.statSN.expected()
}

// sendLoop is the writer duty: it drains the send queue until the
// connection terminates.
func (connection *Connection) sendLoop() {
	defer close(connection.writerDone)
	for {
		connection.mutex.Lock()
		for connection.sendQueue.Len() == 0 && !connection.terminating.Load() {
			connection.sendCond.Wait()
		}
		if connection.terminating.Load() {
			connection.dropSendQueue()
			connection.mutex.Unlock()
			return
		}
		pdu, _ := connection.sendQueue.RemoveFront()
		pdu.cell = nil
		pdu.sending = true
		stampExpStatSN(pdu, connection.expStatSN())
		digests := connection.digests
		transport := connection.transport
		connection.mutex.Unlock()

		buffer, err := marshalPDU(pdu, digests, connection.writeBuffer)
		connection.writeBuffer = buffer[:0]
		if err == nil {
			_, err = transport.Write(buffer)
		}

		connection.mutex.Lock()
		pdu.sending = false
		release := pdu.disposition == pduFree
		connection.mutex.Unlock()
		if release {
			connection.pdus.put(pdu)
		}
		if err != nil {
			if !connection.terminating.Load() {
				connection.log.Errorf("write %s: %s", pdu.Header.Opcode, err)
			}
			connection.handleError(StatusSocketError, recoverConnection)
		}
	}
}

// dropSendQueue discards queued PDUs. PDUs owned by a CCB stay with it for
// a later resend. Callers hold connection.mutex.
func (connection *Connection) dropSendQueue() {
	for _, pdu := range connection.sendQueue.Drain() {
		pdu.cell = nil
		if pdu.disposition == pduFree {
			connection.pdus.put(pdu)
		}
	}
}

func stampExpStatSN(pdu *PDU, expStatSN uint32) {
	switch fields := pdu.Header.Fields.(type) {
	case *NopOutFields:
		fields.ExpStatSN = expStatSN
	case *SCSICommandFields:
		fields.ExpStatSN = expStatSN
	case *TaskManagementRequestFields:
		fields.ExpStatSN = expStatSN
	case *LoginRequestFields:
		fields.ExpStatSN = expStatSN
	case *TextRequestFields:
		fields.ExpStatSN = expStatSN
	case *DataOutFields:
		fields.ExpStatSN = expStatSN
	case *LogoutRequestFields:
		fields.ExpStatSN = expStatSN
	case *SNACKRequestFields:
		fields.ExpStatSN = expStatSN
	}
}

// queuePDU hands a PDU to the writer. Priority PDUs overtake the queue.
func (connection *Connection) queuePDU(pdu *PDU, priority bool) error {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.queuePDULocked(pdu, priority)
}

func (connection *Connection) queuePDULocked(pdu *PDU, priority bool) error {
	if connection.terminating.Load() {
		if pdu.disposition == pduFree {
			connection.pdus.put(pdu)
		}
		return statusErrorf(StatusConnectionFailed, "%s is terminating", connection)
	}
	if pdu.cell.Linked() || pdu.sending {
		return nil
	}
	pdu.priority = priority
	if priority {
		pdu.cell = connection.sendQueue.AddFront(pdu)
	} else {
		pdu.cell = connection.sendQueue.AddRear(pdu)
	}
	connection.sendCond.Signal()
	return nil
}

// releasePDU returns a CCB's PDU. A PDU still queued is withdrawn, one the
// writer holds is released by the writer.
func (connection *Connection) releasePDU(pdu *PDU) {
	connection.mutex.Lock()
	pdu.ccb = nil
	if pdu.cell.Linked() {
		_, _ = connection.sendQueue.RemoveByPointer(pdu.cell)
		pdu.cell = nil
	}
	if pdu.sending {
		pdu.disposition = pduFree
		connection.mutex.Unlock()
		return
	}
	connection.mutex.Unlock()
	connection.pdus.put(pdu)
}

func (connection *Connection) newPDU(fields FieldBlock) (*PDU, error) {
	pdu, err := connection.pdus.get(true)
	if err != nil {
		return nil, newStatusError(StatusConnectionFailed, err)
	}
	pdu.connection = connection
	pdu.Header.Opcode = fields.OpCode()
	pdu.Header.Fields = fields
	pdu.Header.InitiatorTaskTag = ReservedTag
	return pdu, nil
}

type recoveryAction int

const (
	// fail the connection's tasks
	noRecovery recoveryAction = iota
	// reassign or recreate when the error recovery level allows it
	recoverConnection
	// log the connection out before dropping it
	logoutConnection
)

// handleError starts tearing the connection down. It never blocks: the
// supervisor finishes the work once both duties exited.
func (connection *Connection) handleError(status Status, action recoveryAction) {
	if action == logoutConnection && connection.fullFeature() {
		go connection.logoutAndDrop(status)
		return
	}
	if !connection.terminating.CompareAndSwap(false, true) {
		return
	}
	connection.failure.Store(uint32(status))
	if status != StatusSuccess {
		connection.log.Warnf("%s failed: %s", connection, status)
	}
	connection.fire(eventWindDown)
	connection.stopIdleTimer()
	connection.shutdownTransport()
	connection.mutex.Lock()
	connection.sendCond.Broadcast()
	connection.mutex.Unlock()
	connection.pdus.close()
	if !connection.reinstating.Load() {
		go connection.session.supervise(connection, status, action)
	}
}

// shutdownTransport unblocks both duties without closing the socket.
func (connection *Connection) shutdownTransport() {
	connection.mutex.Lock()
	transport := connection.transport
	connection.mutex.Unlock()
	if transport == nil {
		return
	}
	now := time.Now()
	_ = transport.SetReadDeadline(now)
	_ = transport.SetWriteDeadline(now)
	if tcp, ok := transport.(*net.TCPConn); ok {
		_ = tcp.CloseRead()
	}
}

// settle waits for both duties and closes the transport.
func (connection *Connection) settle() {
	<-connection.readerDone
	<-connection.writerDone
	connection.fire(eventSettle)
	connection.mutex.Lock()
	transport := connection.transport
	connection.dropSendQueue()
	connection.mutex.Unlock()
	if transport != nil {
		_ = transport.Close()
	}
	connection.fire(eventIdle)
}

func (connection *Connection) armIdleTimer() {
	timeout := connection.session.config.IdleTimeout.Duration()
	if timeout <= 0 {
		return
	}
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	if connection.idleTimer != nil {
		connection.idleTimer.Reset(timeout)
		return
	}
	connection.idleTimer = time.AfterFunc(timeout, connection.idleTimedOut)
}

func (connection *Connection) stopIdleTimer() {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	if connection.idleTimer != nil {
		connection.idleTimer.Stop()
		connection.idleTimer = nil
	}
}

// touch records traffic from the target.
func (connection *Connection) touch() {
	connection.idleTimeouts.Store(0)
	connection.mutex.Lock()
	if connection.idleTimer != nil {
		connection.idleTimer.Reset(connection.session.config.IdleTimeout.Duration())
	}
	connection.mutex.Unlock()
}

// idleTimedOut pings a quiet target and gives up after MaxIdleTimeouts
// unanswered pings.
func (connection *Connection) idleTimedOut() {
	if !connection.fullFeature() {
		return
	}
	if int(connection.idleTimeouts.Inc()) > connection.session.config.MaxIdleTimeouts {
		connection.handleError(StatusTimeout, recoverConnection)
		return
	}
	if err := connection.sendPing(); err != nil {
		connection.log.Debugf("idle ping: %s", err)
	}
	connection.armIdleTimer()
}
