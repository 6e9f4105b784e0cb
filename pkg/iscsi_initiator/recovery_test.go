// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/poll"
)

func hangingCommand(target *fakeTarget, conn net.Conn, request *PDU, fields *SCSICommandFields) {
	target.hung <- request.Header.InitiatorTaskTag
}

func submitHanging(t *testing.T, target *fakeTarget, session *Session, count int) (chan *SCSIResult, []uint32) {
	t.Helper()
	results := make(chan *SCSIResult, count)
	for index := 0; index < count; index++ {
		err := session.Submit(&SCSIRequest{CDB: []byte{0x2f, 0, 0, 0, 0, byte(index), 0, 0, 1, 0}}, func(result *SCSIResult) {
			results <- result
		})
		require.Nil(t, err)
	}
	var itts []uint32
	for len(itts) < count {
		select {
		case itt := <-target.hung:
			itts = append(itts, itt)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d commands reached the target", len(itts), count)
		}
	}
	return results, itts
}

func TestTasksAreReassignedToSiblingConnection(t *testing.T) {
	target := newFakeTarget(t)
	target.commands[0x2f] = hangingCommand
	engine := newTestEngine(t, target, 2)
	session := loginTestSession(t, engine)
	require.Equal(t, uint8(2), session.Parameters().ErrorRecoveryLevel)
	first := session.Connections()[0]

	results, itts := submitHanging(t, target, session, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	second, err := engine.AddConnection(ctx, session.ID, "")
	require.Nil(t, err)
	assert.NotEqual(t, first.CID, second.CID)

	target.dropConnection(0)
	for index := 0; index < len(itts); index++ {
		select {
		case result := <-results:
			assert.Equal(t, StatusSuccess, result.Status, "%s", result)
		case <-time.After(5 * time.Second):
			t.Fatalf("%d of %d tasks completed after the connection failed", index, len(itts))
		}
	}

	poll.WaitOn(t, func(t poll.LogT) poll.Result {
		if connections := session.Connections(); len(connections) != 1 || connections[0] != second {
			return poll.Continue("%d connections", len(connections))
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	target.mutex.Lock()
	var reassigned []uint32
	for _, tmf := range target.tmfs {
		assert.Equal(t, TaskReassign, tmf.Function)
		reassigned = append(reassigned, tmf.ReferencedTaskTag)
	}
	assert.Contains(t, target.logouts, LogoutRemoveConnectionForRecovery)
	target.mutex.Unlock()
	assert.ElementsMatch(t, itts, reassigned)

	require.Nil(t, engine.Logout(ctx, session.ID))
	waitSessionsClosed(t, engine)
}

func TestConnectionLossWithoutRecoveryFailsSession(t *testing.T) {
	target := newFakeTarget(t)
	target.commands[0x2f] = hangingCommand
	engine := newTestEngine(t, target, 1)
	session := loginTestSession(t, engine)

	results, _ := submitHanging(t, target, session, 2)
	target.dropConnection(0)
	for index := 0; index < 2; index++ {
		select {
		case result := <-results:
			assert.Equal(t, StatusSessionFailed, result.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("tasks of a failed session were not completed")
		}
	}
	waitSessionsClosed(t, engine)
	assert.Equal(t, StatusSocketError, Status(session.failure.Load()))
}

func TestStatSNGapIsRecoveredWithStatusSNACK(t *testing.T) {
	target := newFakeTarget(t)
	lost := make(chan uint32, 1)
	target.commands[0x00] = func(target *fakeTarget, conn net.Conn, request *PDU, fields *SCSICommandFields) {
		// a response the initiator never gets
		target.mutex.Lock()
		lost <- target.statSN
		target.statSN++
		target.mutex.Unlock()
		_ = target.respondStatus(conn, request.Header.InitiatorTaskTag, samStatGood, 0)
	}
	engine := newTestEngine(t, target, 1)
	session := loginTestSession(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := session.Run(ctx, &SCSIRequest{CDB: make([]byte, 6)})
	require.Nil(t, err)
	assert.Equal(t, StatusSuccess, result.Status)

	statSN := <-lost
	poll.WaitOn(t, func(t poll.LogT) poll.Result {
		if len(target.snackRequests()) == 0 {
			return poll.Continue("no SNACK yet")
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
	snacks := target.snackRequests()
	require.Len(t, snacks, 1)
	assert.Equal(t, SNACKStatus, snacks[0].Type)
	assert.Equal(t, statSN, snacks[0].BegRun)
	assert.Equal(t, uint32(1), snacks[0].RunLength)
	require.Nil(t, engine.Logout(ctx, session.ID))
}

func TestHeaderDigestErrorResynchronizes(t *testing.T) {
	target := newFakeTarget(t)
	target.commands[0x00] = func(target *fakeTarget, conn net.Conn, request *PDU, fields *SCSICommandFields) {
		frame, err := target.frame(conn, request.Header.InitiatorTaskTag, 0, &SCSIResponseFields{Status: samStatGood}, nil)
		if err != nil {
			return
		}
		corrupted := append([]byte(nil), frame...)
		corrupted[BasicHeaderSegmentSize] ^= 0xff
		if _, err := conn.Write(corrupted); err != nil {
			return
		}
		// the initiator drains until the line is quiet, then reads the copy
		time.Sleep(10 * resyncDrainTimeout)
		_, _ = conn.Write(frame)
	}
	config := testConfig(0)
	config.Operational.HeaderDigest = DigestTypeCRC32C
	engine := newTestEngineWithConfig(t, target, config)
	session := loginTestSession(t, engine)
	connection := session.Connections()[0]
	require.True(t, connection.currentDigests().header)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := session.Run(ctx, &SCSIRequest{CDB: make([]byte, 6)})
	require.Nil(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, StateFullFeature, connection.State(), "a corrupted header does not fail the connection")
	assert.Empty(t, target.snackRequests())
	require.Nil(t, engine.Logout(ctx, session.ID))
}

func TestDataDigestErrorIsRecoveredWithSNACK(t *testing.T) {
	target := newFakeTarget(t)
	payload := testPayload(1024)
	target.commands[0x28] = func(target *fakeTarget, conn net.Conn, request *PDU, fields *SCSICommandFields) {
		itt := request.Header.InitiatorTaskTag
		chunks := splitChunks(payload, 256)
		target.mutex.Lock()
		target.dataIn[itt] = chunks
		target.mutex.Unlock()
		for dataSN, chunk := range chunks {
			dataIn := &DataInFields{TargetTransferTag: ReservedTag, DataSN: uint32(dataSN), BufferOffset: uint32(dataSN * 256)}
			frame, err := target.frame(conn, itt, 0, dataIn, chunk)
			if err != nil {
				return
			}
			if dataSN == 1 {
				frame[len(frame)-1] ^= 0xff
			}
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
		_ = target.respondStatus(conn, itt, samStatGood, uint32(len(chunks)))
	}
	config := testConfig(1)
	config.Operational.DataDigest = DigestTypeCRC32C
	engine := newTestEngineWithConfig(t, target, config)
	session := loginTestSession(t, engine)
	require.True(t, session.Connections()[0].currentDigests().data)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buffer := make([]byte, len(payload))
	result, err := session.Run(ctx, &SCSIRequest{
		CDB:       []byte{0x28, 0, 0, 0, 0, 0, 0, 0, 2, 0},
		Direction: DataIn,
		Buffer:    buffer,
	})
	require.Nil(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.True(t, bytes.Equal(payload, buffer))

	snacks := target.snackRequests()
	require.Len(t, snacks, 1)
	assert.Equal(t, SNACKData, snacks[0].Type)
	assert.Equal(t, uint32(1), snacks[0].BegRun)
	assert.Equal(t, uint32(1), snacks[0].RunLength)
	require.Nil(t, engine.Logout(ctx, session.ID))
}

func TestCCBTimeoutsEscalateAfterBudget(t *testing.T) {
	target := newFakeTarget(t)
	target.commands[0x2f] = hangingCommand
	config := testConfig(1)
	config.CCBTimeout = Duration(100 * time.Millisecond)
	config.MaxCCBTimeouts = 2
	engine := newTestEngineWithConfig(t, target, config)
	session := loginTestSession(t, engine)

	results, _ := submitHanging(t, target, session, 1)
	select {
	case result := <-results:
		assert.Equal(t, StatusSessionFailed, result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("the timed out task was not completed")
	}
	waitSessionsClosed(t, engine)
	assert.Equal(t, StatusTimeout, Status(session.failure.Load()))

	snacks := target.snackRequests()
	require.Len(t, snacks, config.MaxCCBTimeouts, "one status SNACK per timeout within the budget")
	for _, snack := range snacks {
		assert.Equal(t, SNACKStatus, snack.Type)
	}
}

func TestLostCommandIsSentAgainAfterPing(t *testing.T) {
	target := newFakeTarget(t)
	cmdSNs := make(chan uint32, 2)
	target.commands[0x00] = func(target *fakeTarget, conn net.Conn, request *PDU, fields *SCSICommandFields) {
		cmdSNs <- fields.CmdSN
		_ = target.respondStatus(conn, request.Header.InitiatorTaskTag, samStatGood, 0)
	}
	target.lost[0x00] = 1
	config := testConfig(1)
	config.CCBTimeout = Duration(200 * time.Millisecond)
	engine := newTestEngineWithConfig(t, target, config)
	session := loginTestSession(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := session.Run(ctx, &SCSIRequest{CDB: make([]byte, 6)})
	require.Nil(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, cmdSNs, 1, "the target saw the command once")
	assert.Equal(t, uint32(initialCmdSN), <-cmdSNs, "sent again with its original CmdSN")

	snacks := target.snackRequests()
	require.NotEmpty(t, snacks)
	assert.Equal(t, SNACKStatus, snacks[0].Type)
	require.Nil(t, engine.Logout(ctx, session.ID))
}

func TestInternalExchangeTimeoutUsesRetryBudget(t *testing.T) {
	target := newFakeTarget(t)
	config := testConfig(1)
	// timeouts are driven by hand
	config.CCBTimeout = 0
	config.MaxCCBTimeouts = 2
	engine := newTestEngineWithConfig(t, target, config)
	session := loginTestSession(t, engine)
	connection := session.Connections()[0]

	ccb, err := session.allocateCCB(context.Background(), OpSCSITaskReq, DispositionFree, false)
	require.Nil(t, err)
	session.mutex.Lock()
	ccb.function = TaskReassign
	ccb.connection = connection
	itt := ccb.ITT
	session.mutex.Unlock()

	for timeout := 1; timeout <= config.MaxCCBTimeouts; timeout++ {
		session.ccbTimedOut(itt)
		assert.False(t, connection.isTerminating(), "timeout %d is within the budget", timeout)
	}
	poll.WaitOn(t, func(t poll.LogT) poll.Result {
		if count := len(target.snackRequests()); count < config.MaxCCBTimeouts {
			return poll.Continue("%d SNACKs", count)
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	session.ccbTimedOut(itt)
	waitSessionsClosed(t, engine)
	assert.Equal(t, StatusTimeout, Status(session.failure.Load()))
}

func TestParkedConnectionIsRestored(t *testing.T) {
	target := newFakeTarget(t)
	target.commands[0x2f] = hangingCommand
	config := testConfig(2)
	config.Operational.DefaultTime2Wait = 0
	config.MaxRecoverAttempts = 1
	engine := newTestEngineWithConfig(t, target, config)
	session := loginTestSession(t, engine)
	connection := session.Connections()[0]

	results, itts := submitHanging(t, target, session, 1)
	target.mutex.Lock()
	target.refuseDials = 1
	target.mutex.Unlock()
	target.dropConnection(0)

	poll.WaitOn(t, func(t poll.LogT) poll.Result {
		if !connection.parked() {
			return poll.Continue("%s not parked", connection)
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
	select {
	case result := <-results:
		t.Fatalf("a retained task completed: %s", result)
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Nil(t, engine.RestoreConnection(ctx, session.ID, connection.ID))
	select {
	case result := <-results:
		assert.Equal(t, StatusSuccess, result.Status, "%s", result)
	case <-time.After(5 * time.Second):
		t.Fatal("the retained task was not completed after the restore")
	}
	assert.False(t, connection.parked())
	assert.Equal(t, StateFullFeature, connection.State())
	assert.Equal(t, []*Connection{connection}, session.Connections())

	target.mutex.Lock()
	require.Len(t, target.tmfs, 1)
	assert.Equal(t, TaskReassign, target.tmfs[0].Function)
	assert.Equal(t, itts[0], target.tmfs[0].ReferencedTaskTag)
	assert.Len(t, target.dialed, 3, "login, refused reinstatement, restore")
	target.mutex.Unlock()

	err := engine.RestoreConnection(ctx, session.ID, connection.ID)
	assert.Equal(t, StatusInvalidConnectionID, StatusOf(err), "only a parked connection can be restored")
	require.Nil(t, engine.Logout(ctx, session.ID))
}
