// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"encoding/hex"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"iscsiinitiator/pkg/logger"
)

// a temporary redirection is followed this many times
const maxRedirects = 3

// DialFunc opens the transport to a portal.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

type EngineOption func(engine *Engine)

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) EngineOption {
	return func(engine *Engine) {
		engine.dialer = dial
	}
}

// idAllocator hands out non-zero identifiers.
type idAllocator struct {
	last *atomic.Uint32
}

func newIDAllocator() idAllocator {
	return idAllocator{last: atomic.NewUint32(0)}
}

func (allocator idAllocator) next() uint32 {
	for {
		if id := allocator.last.Inc(); id != 0 {
			return id
		}
	}
}

// Engine owns every session of the initiator.
type Engine struct {
	config Config
	log    *logger.Logger
	dialer DialFunc

	mutex         sync.Mutex
	sessions      map[uint32]*Session
	sessionIDs    idAllocator
	connectionIDs idAllocator
	shutdown      bool
}

func NewEngine(config Config, options ...EngineOption) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	engine := &Engine{
		config:        config,
		log:           logger.GetLogger(),
		sessions:      make(map[uint32]*Session),
		sessionIDs:    newIDAllocator(),
		connectionIDs: newIDAllocator(),
	}
	engine.dialer = engine.dialTCP
	for _, option := range options {
		option(engine)
	}
	return engine, nil
}

func (engine *Engine) Config() Config {
	return engine.config
}

func (engine *Engine) dial(ctx context.Context, address string) (net.Conn, error) {
	address = portalAddress(address)
	transport, err := engine.dialer(ctx, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	return transport, nil
}

// portalAddress turns a TargetAddress value, which may carry a portal
// group tag, into host:port.
func portalAddress(address string) string {
	if comma := strings.LastIndexByte(address, ','); comma >= 0 {
		address = address[:comma]
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(strings.Trim(address, "[]"), "3260")
	}
	return address
}

func (engine *Engine) dialTCP(ctx context.Context, address string) (net.Conn, error) {
	dialer := newDialer(engine.config.DialTimeout.Duration(), engine.config.KeepAliveIdle.Duration())
	return dialer.DialContext(ctx, "tcp", address)
}

func (engine *Engine) session(id uint32) (*Session, error) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	session, ok := engine.sessions[id]
	if !ok {
		return nil, statusErrorf(StatusInvalidSessionID, "no session %d", id)
	}
	return session, nil
}

func (engine *Engine) Session(id uint32) (*Session, error) {
	return engine.session(id)
}

func (engine *Engine) connection(sessionID, connectionID uint32) (*Session, *Connection, error) {
	session, err := engine.session(sessionID)
	if err != nil {
		return nil, nil, err
	}
	connection := session.connectionByID(connectionID)
	if connection == nil {
		return nil, nil, statusErrorf(StatusInvalidConnectionID, "no connection %d in session %d", connectionID, sessionID)
	}
	return session, connection, nil
}

func (engine *Engine) removeSession(session *Session) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	if engine.sessions[session.ID] == session {
		delete(engine.sessions, session.ID)
	}
}

func (engine *Engine) withDefaults(parameters LoginParameters) LoginParameters {
	if parameters.InitiatorName == "" {
		parameters.InitiatorName = engine.config.InitiatorName
	}
	if parameters.InitiatorAlias == "" {
		parameters.InitiatorAlias = engine.config.InitiatorAlias
	}
	if parameters.Operational == nil {
		operational := engine.config.Operational
		parameters.Operational = &operational
	}
	return parameters
}

// Login creates a session and logs its leading connection in. A
// temporary redirection by the target is followed.
func (engine *Engine) Login(ctx context.Context, parameters LoginParameters) (*Session, error) {
	parameters = engine.withDefaults(parameters)
	if err := parameters.validate(); err != nil {
		return nil, err
	}
	for redirect := 0; ; redirect++ {
		session, err := engine.login(ctx, parameters)
		var moved *TargetMovedError
		if err == nil || !errors.As(err, &moved) || redirect >= maxRedirects {
			return session, err
		}
		engine.log.Infof("target %s moved to %s (permanent %t)", parameters.TargetName, moved.Address, moved.Permanent)
		parameters.TargetAddress = moved.Address
	}
}

func (engine *Engine) login(ctx context.Context, parameters LoginParameters) (*Session, error) {
	engine.mutex.Lock()
	if engine.shutdown {
		engine.mutex.Unlock()
		return nil, statusErrorf(StatusSessionFailed, "engine is shut down")
	}
	if len(engine.sessions) >= engine.config.MaxSessions {
		engine.mutex.Unlock()
		return nil, newStatusError(StatusNoResources, &ErrPoolExhausted{name: "session", capacity: engine.config.MaxSessions})
	}
	session := newSession(engine, engine.sessionIDs.next(), parameters)
	engine.sessions[session.ID] = session
	engine.mutex.Unlock()

	connection, err := session.newJoiningConnection(engine.connectionIDs.next(), parameters.TargetAddress)
	if err != nil {
		session.finalize(StatusNoResources)
		return nil, err
	}
	transport, err := engine.dial(ctx, parameters.TargetAddress)
	if err != nil {
		session.removeConnection(connection)
		session.finalize(StatusSocketError)
		return nil, newStatusError(StatusSocketError, err)
	}
	connection.bind(transport)
	if err := connection.login(ctx, true); err != nil {
		connection.handleError(StatusOf(err), noRecovery)
		<-session.done
		return nil, err
	}
	if err := session.join(connection); err != nil {
		<-session.done
		return nil, err
	}
	session.log.Infof("session %d to %s established, TSIH %d", session.ID, parameters.TargetName, session.TSIH())
	return session, nil
}

// AddConnection logs in one more connection of a normal session.
func (engine *Engine) AddConnection(ctx context.Context, sessionID uint32, address string) (*Connection, error) {
	session, err := engine.session(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Type() != SessionNormal {
		return nil, statusErrorf(StatusInvalidParameter, "discovery sessions have a single connection")
	}
	if limit := int(session.Parameters().MaxConnections); session.connectionCount() >= limit {
		return nil, statusErrorf(StatusMaxConnectionsReached, "session %d already has %d connections", sessionID, limit)
	}
	if address == "" {
		address = session.login.TargetAddress
	}
	connection, err := session.newJoiningConnection(engine.connectionIDs.next(), address)
	if err != nil {
		return nil, err
	}
	transport, err := engine.dial(ctx, address)
	if err != nil {
		session.removeConnection(connection)
		return nil, newStatusError(StatusSocketError, err)
	}
	connection.bind(transport)
	if err := connection.login(ctx, false); err != nil {
		connection.handleError(StatusOf(err), noRecovery)
		return nil, err
	}
	if err := session.join(connection); err != nil {
		return nil, err
	}
	return connection, nil
}

// RestoreConnection revives a connection which failed and could not be
// reinstated automatically, while its tasks are still retained.
func (engine *Engine) RestoreConnection(ctx context.Context, sessionID, connectionID uint32) error {
	session, connection, err := engine.connection(sessionID, connectionID)
	if err != nil {
		return err
	}
	return session.restore(ctx, connection)
}

// Logout ends the session. A failed logout still tears it down.
func (engine *Engine) Logout(ctx context.Context, sessionID uint32) error {
	session, err := engine.session(sessionID)
	if err != nil {
		return err
	}
	var logoutErr error
	if connection := session.pickConnection(nil); connection != nil {
		logoutErr = session.logout(ctx, connection, LogoutCloseSession, connection.CID)
	}
	session.terminate(StatusSuccess)
	for _, connection := range session.Connections() {
		connection.handleError(StatusCanceled, noRecovery)
	}
	if err := session.waitDone(ctx); err != nil {
		return err
	}
	return logoutErr
}

// RemoveConnection logs one connection out. Removing the last connection
// ends the session.
func (engine *Engine) RemoveConnection(ctx context.Context, sessionID, connectionID uint32) error {
	session, connection, err := engine.connection(sessionID, connectionID)
	if err != nil {
		return err
	}
	if len(session.Connections()) == 1 {
		return engine.Logout(ctx, sessionID)
	}
	if connection.parked() {
		connection.mutex.Lock()
		if connection.retainTimer != nil {
			connection.retainTimer.Stop()
			connection.retainTimer = nil
		}
		connection.mutex.Unlock()
		session.failConnection(connection, StatusConnectionFailed)
		session.dropConnection(connection)
		return nil
	}
	if connection.fullFeature() {
		if err := session.logout(ctx, connection, LogoutCloseConnection, connection.CID); err != nil {
			connection.log.Warnf("logout: %s", err)
		}
	}
	connection.handleError(StatusCanceled, noRecovery)
	return nil
}

// SendTargets runs a discovery session against a portal.
func (engine *Engine) SendTargets(ctx context.Context, parameters LoginParameters) ([]DiscoveredTarget, error) {
	parameters.SessionType = SessionDiscovery
	parameters.TargetName = ""
	session, err := engine.Login(ctx, parameters)
	if err != nil {
		return nil, err
	}
	targets, err := session.SendTargets(ctx, "All")
	if logoutErr := engine.Logout(ctx, session.ID); logoutErr != nil {
		engine.log.Debugf("discovery logout: %s", logoutErr)
	}
	return targets, err
}

// IOCommand runs a SCSI command on a session.
func (engine *Engine) IOCommand(ctx context.Context, sessionID uint32, request *SCSIRequest) (*SCSIResult, error) {
	session, err := engine.session(sessionID)
	if err != nil {
		return nil, err
	}
	return session.Run(ctx, request)
}

type ConnectionInfo struct {
	ID      uint32          `json:"id"`
	CID     uint16          `json:"cid"`
	Address string          `json:"address"`
	State   ConnectionState `json:"state"`
	Status  string          `json:"status"`
	Tasks   int32           `json:"tasks"`
	Parked  bool            `json:"parked"`
}

type SessionInfo struct {
	ID          uint32               `json:"id"`
	UUID        string               `json:"uuid"`
	TargetName  string               `json:"target_name"`
	Type        string               `json:"type"`
	ISID        string               `json:"isid"`
	TSIH        uint16               `json:"tsih"`
	Status      string               `json:"status"`
	Parameters  NegotiatedParameters `json:"parameters"`
	Connections []ConnectionInfo     `json:"connections"`
}

func (connection *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:      connection.ID,
		CID:     connection.CID,
		Address: connection.Address,
		State:   connection.State(),
		Status:  connection.Status().String(),
		Tasks:   connection.usage.Load(),
		Parked:  connection.parked(),
	}
}

func (session *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:         session.ID,
		UUID:       session.UUID.String(),
		TargetName: session.TargetName(),
		Type:       session.Type().String(),
		ISID:       hex.EncodeToString(session.isid[:]),
		TSIH:       session.TSIH(),
		Status:     Status(session.failure.Load()).String(),
		Parameters: session.Parameters(),
	}
	for _, connection := range session.Connections() {
		info.Connections = append(info.Connections, connection.Info())
	}
	return info
}

// ConnectionStatus reports one connection of a session.
func (engine *Engine) ConnectionStatus(sessionID, connectionID uint32) (ConnectionInfo, error) {
	_, connection, err := engine.connection(sessionID, connectionID)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return connection.Info(), nil
}

// Sessions lists the sessions ordered by id.
func (engine *Engine) Sessions() []SessionInfo {
	engine.mutex.Lock()
	sessions := make([]*Session, 0, len(engine.sessions))
	for _, session := range engine.sessions {
		sessions = append(sessions, session)
	}
	engine.mutex.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	result := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		result = append(result, session.Info())
	}
	return result
}

// Shutdown logs every session out and refuses new ones.
func (engine *Engine) Shutdown(ctx context.Context) error {
	engine.mutex.Lock()
	engine.shutdown = true
	ids := make([]uint32, 0, len(engine.sessions))
	for id := range engine.sessions {
		ids = append(ids, id)
	}
	engine.mutex.Unlock()
	var result error
	for _, id := range ids {
		if err := engine.Logout(ctx, id); err != nil && StatusOf(err) != StatusInvalidSessionID {
			engine.log.Warnf("logout of session %d: %s", id, err)
			result = err
		}
	}
	return result
}
