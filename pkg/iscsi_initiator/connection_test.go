// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdleConnection(t *testing.T) *Connection {
	t.Helper()
	config := DefaultConfig()
	config.IdleTimeout = 0
	engine, err := NewEngine(config)
	require.Nil(t, err)
	session := newSession(engine, 1, LoginParameters{TargetName: testTargetName})
	return newConnection(session, 1, 1, "127.0.0.1:3260")
}

func TestConnectionLifecycle(t *testing.T) {
	connection := newIdleConnection(t)
	assert.Equal(t, StateSecurityNegotiation, connection.State())
	assert.False(t, connection.fullFeature())

	connection.fire(eventSecurityDone)
	assert.Equal(t, StateOperationalNegotiation, connection.State())
	connection.fire(eventLoginComplete)
	assert.Equal(t, StateFullFeature, connection.State())
	assert.True(t, connection.fullFeature())

	connection.terminating.Store(true)
	assert.False(t, connection.fullFeature(), "a failing connection takes no new tasks")
	connection.terminating.Store(false)

	connection.fire(eventLogoutSent)
	assert.Equal(t, StateLogoutSent, connection.State())
	connection.fire(eventSettle)
	connection.fire(eventIdle)
	assert.Equal(t, StateIdle, connection.State())
	connection.fire(eventRebind)
	assert.Equal(t, StateSecurityNegotiation, connection.State())
}

func TestFullFeatureOnlyFromLogin(t *testing.T) {
	connection := newIdleConnection(t)
	// leading login without a security stage
	connection.fire(eventLoginComplete)
	assert.Equal(t, StateFullFeature, connection.State())

	connection.fire(eventWindDown)
	assert.Equal(t, StateWindingDown, connection.State())
	connection.fire(eventLoginComplete)
	assert.Equal(t, StateWindingDown, connection.State(), "no way back once winding down")
	connection.fire(eventRebind)
	assert.Equal(t, StateWindingDown, connection.State(), "only idle connections are rebound")

	connection.fire(eventSettle)
	assert.Equal(t, StateSettling, connection.State())
	connection.fire(eventLoginComplete)
	assert.Equal(t, StateSettling, connection.State())
}
