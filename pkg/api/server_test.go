// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iscsiinitiator/pkg/iscsi_initiator"
)

func startServer(t *testing.T, engine Engine) ClientRequester {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "iscsid.sock")
	server := NewApiServer(engine, socketPath)
	require.Nil(t, server.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			assert.Nil(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return NewApiRequester(socketPath)
}

func TestClientServerRoundTrip(t *testing.T) {
	engine := &fakeEngine{sessions: []iscsi_initiator.SessionInfo{{
		ID:         1,
		TargetName: "iqn.2018-01.com.example:disk1",
		Connections: []iscsi_initiator.ConnectionInfo{
			{ID: 1, Address: "10.0.0.1:3260", Parked: true},
		},
	}}}
	client := startServer(t, engine)

	list, err := client.PerformList()
	require.Nil(t, err)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "iqn.2018-01.com.example:disk1", list.Sessions[0].TargetName)
	assert.Contains(t, list.ToCmdlineOutput(), "awaiting recovery")

	require.Nil(t, client.PerformLogout(1))
	require.Nil(t, client.PerformRemoveConnection(1, 2))

	discovered, err := client.PerformDiscover(iscsi_initiator.LoginParameters{TargetAddress: "10.0.0.1"})
	require.Nil(t, err)
	assert.Len(t, discovered.Targets, 1)
}

func TestClientReceivesStatus(t *testing.T) {
	client := startServer(t, &fakeEngine{})

	err := client.PerformLogout(9)
	var failed *ErrApiRequestFailed
	require.True(t, errors.As(err, &failed), "got %v", err)
	assert.Equal(t, iscsi_initiator.StatusInvalidSessionID.String(), failed.Status())

	err = client.PerformRestoreConnection(1, 1)
	require.True(t, errors.As(err, &failed), "got %v", err)
	assert.Equal(t, iscsi_initiator.StatusNotImplemented.String(), failed.Status())

	_, err = client.PerformIOCommand(IOCommandRequest{SessionID: 1})
	var inconsistent *ErrInconsistentRequestParameters
	assert.True(t, errors.As(err, &inconsistent), "empty CDB is rejected before sending")
}

func TestServerAnswersMalformedRequest(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "iscsid.sock")
	server := NewApiServer(&fakeEngine{}, socketPath)
	require.Nil(t, server.Listen())
	defer server.Close()
	go func() {
		_ = server.Serve(context.Background())
	}()

	client := NewApiRequester(socketPath)
	responseBytes, err := client.performUnixSocketRequest([]byte("not json"))
	require.Nil(t, err)
	response := Response{}
	require.Nil(t, json.Unmarshal(responseBytes, &response), "the answer is still JSON")
	assert.Equal(t, TypeEmptyResponse, response.Type)
	assert.NotEmpty(t, response.Error)
}

func TestServeWithoutListen(t *testing.T) {
	server := NewApiServer(&fakeEngine{}, filepath.Join(t.TempDir(), "iscsid.sock"))
	assert.NotNil(t, server.Serve(context.Background()))
	assert.Nil(t, server.Close())
}

func TestListenReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "iscsid.sock")
	stale, err := net.Listen("unix", socketPath)
	require.Nil(t, err)
	// closing a unix listener unlinks the file, so keep it around
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.Nil(t, stale.Close())

	server := NewApiServer(&fakeEngine{}, socketPath)
	require.Nil(t, server.Listen())
	assert.Nil(t, server.Close())
}
