// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iscsiinitiator/pkg/iscsi_initiator"
	"iscsiinitiator/pkg/scsi"
)

type fakeEngine struct {
	mutex    sync.Mutex
	requests []*iscsi_initiator.SCSIRequest
	io       func(request *iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error)
	logouts  []uint32
	sessions []iscsi_initiator.SessionInfo
}

func (engine *fakeEngine) Login(context.Context, iscsi_initiator.LoginParameters) (*iscsi_initiator.Session, error) {
	return nil, &iscsi_initiator.StatusError{Status: iscsi_initiator.StatusAuthenticationFailed}
}

func (engine *fakeEngine) Logout(_ context.Context, sessionID uint32) error {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	engine.logouts = append(engine.logouts, sessionID)
	if sessionID != 1 {
		return &iscsi_initiator.StatusError{Status: iscsi_initiator.StatusInvalidSessionID}
	}
	return nil
}

func (engine *fakeEngine) AddConnection(context.Context, uint32, string) (*iscsi_initiator.Connection, error) {
	return nil, &iscsi_initiator.StatusError{Status: iscsi_initiator.StatusMaxConnectionsReached}
}

func (engine *fakeEngine) RemoveConnection(context.Context, uint32, uint32) error {
	return nil
}

func (engine *fakeEngine) RestoreConnection(context.Context, uint32, uint32) error {
	return &iscsi_initiator.StatusError{Status: iscsi_initiator.StatusNotImplemented}
}

func (engine *fakeEngine) SendTargets(context.Context, iscsi_initiator.LoginParameters) ([]iscsi_initiator.DiscoveredTarget, error) {
	return []iscsi_initiator.DiscoveredTarget{
		{Name: "iqn.2018-01.com.example:disk1", Addresses: []string{"10.0.0.1:3260,1"}},
	}, nil
}

func (engine *fakeEngine) ConnectionStatus(sessionID, connectionID uint32) (iscsi_initiator.ConnectionInfo, error) {
	return iscsi_initiator.ConnectionInfo{ID: connectionID, Address: "10.0.0.1:3260", Status: "success"}, nil
}

func (engine *fakeEngine) IOCommand(_ context.Context, _ uint32, request *iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error) {
	engine.mutex.Lock()
	engine.requests = append(engine.requests, request)
	engine.mutex.Unlock()
	return engine.io(request)
}

func (engine *fakeEngine) Sessions() []iscsi_initiator.SessionInfo {
	return engine.sessions
}

func checkCondition(key byte, asc scsi.AdditionalSenseCode) (*iscsi_initiator.SCSIResult, error) {
	return &iscsi_initiator.SCSIResult{
		Status:     iscsi_initiator.StatusCheckCondition,
		SCSIStatus: scsi.SamStatCheckCondition,
		Sense:      scsi.BuildSenseData(key, asc),
	}, &iscsi_initiator.StatusError{Status: iscsi_initiator.StatusCheckCondition}
}

func TestIOCommandRead(t *testing.T) {
	engine := &fakeEngine{io: func(request *iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error) {
		copy(request.Buffer, []byte{1, 2, 3, 4})
		return &iscsi_initiator.SCSIResult{Transferred: 4, Residual: 4, Underflow: true}, nil
	}}
	handler := &DemonApiHandler{engine: engine}
	response, err := handler.IOCommand(context.Background(), IOCommandRequest{
		SessionID: 1,
		LUN:       2,
		CDB:       scsi.InquiryCDB(false, 0, 8),
		Direction: "in",
		Length:    8,
	})
	require.Nil(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, response.Data)
	assert.True(t, response.Result.Underflow)
	require.Len(t, engine.requests, 1)
	assert.Equal(t, scsi.EncodeLUN(2), engine.requests[0].LUN)
	assert.Equal(t, iscsi_initiator.DataIn, engine.requests[0].Direction)
}

func TestIOCommandReportsCheckCondition(t *testing.T) {
	engine := &fakeEngine{io: func(*iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error) {
		return checkCondition(scsi.IllegalRequest, scsi.AscInvalidOpCode)
	}}
	handler := &DemonApiHandler{engine: engine}
	response, err := handler.IOCommand(context.Background(), IOCommandRequest{SessionID: 1, CDB: []byte{0xff, 0, 0, 0, 0, 0}})
	require.Nil(t, err, "the SCSI status is part of the result")
	assert.Equal(t, scsi.SamStatCheckCondition, response.Result.SCSIStatus)
	assert.Contains(t, response.ToCmdlineOutput(), "Sense: 70")
}

func TestIOCommandValidation(t *testing.T) {
	handler := &DemonApiHandler{engine: &fakeEngine{}}
	requests := []IOCommandRequest{
		{CDB: []byte{0}, Direction: "sideways"},
		{CDB: []byte{0x28}, Direction: "read"},
		{CDB: []byte{0x2a}, Direction: "write"},
	}
	for _, request := range requests {
		_, err := handler.IOCommand(context.Background(), request)
		var inconsistent *ErrInconsistentRequestParameters
		assert.ErrorAs(t, err, &inconsistent, "direction %q", request.Direction)
	}
}

func TestDeviceOperations(t *testing.T) {
	engine := &fakeEngine{io: func(request *iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error) {
		switch scsi.CommandType(request.CDB[0]) {
		case scsi.ReportLuns:
			binary.BigEndian.PutUint32(request.Buffer[0:4], 16)
			binary.BigEndian.PutUint64(request.Buffer[16:24], scsi.EncodeLUN(7))
			return &iscsi_initiator.SCSIResult{Transferred: 24}, nil
		case scsi.ReadCapacity10:
			binary.BigEndian.PutUint32(request.Buffer[0:4], 2047)
			binary.BigEndian.PutUint32(request.Buffer[4:8], 512)
			return &iscsi_initiator.SCSIResult{Transferred: 8}, nil
		case scsi.Inquiry:
			if request.CDB[1]&0x01 != 0 {
				return checkCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
			}
			data := make([]byte, scsi.StandardInquiryLength)
			copy(data[8:], "NX      disk            1.0 ")
			copy(request.Buffer, data)
			return &iscsi_initiator.SCSIResult{Transferred: scsi.StandardInquiryLength}, nil
		}
		return &iscsi_initiator.SCSIResult{}, nil
	}}
	handler := &DemonApiHandler{engine: engine}
	ctx := context.Background()

	response, err := handler.Device(ctx, DeviceRequest{SessionID: 1, Operation: DeviceReportLuns})
	require.Nil(t, err)
	assert.Equal(t, []uint16{0, 7}, response.LUNs)
	assert.Equal(t, "LUNs: 0, 7", response.ToCmdlineOutput())

	response, err = handler.Device(ctx, DeviceRequest{SessionID: 1, Operation: DeviceReadCapacity})
	require.Nil(t, err)
	assert.Equal(t, uint64(2048*512), response.Capacity.Bytes())

	response, err = handler.Device(ctx, DeviceRequest{SessionID: 1, LUN: 3, Operation: DeviceInquiry})
	require.Nil(t, err, "a missing serial number page is not an error")
	assert.Equal(t, "NX", response.Inquiry.VendorID)
	assert.Empty(t, response.Serial)

	response, err = handler.Device(ctx, DeviceRequest{SessionID: 1, Operation: DeviceTestUnitReady})
	require.Nil(t, err)
	assert.True(t, response.Ready)

	_, err = handler.Device(ctx, DeviceRequest{SessionID: 1, Operation: "format"})
	assert.NotNil(t, err)
}

func TestDeviceSenseIsReported(t *testing.T) {
	engine := &fakeEngine{io: func(*iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error) {
		return checkCondition(scsi.NotReady, scsi.AscMediumNotPresent)
	}}
	handler := &DemonApiHandler{engine: engine}
	response := handler.HandleRequest(context.Background(), &Request{
		Type:    TypeDevice,
		Command: json.RawMessage(`{"session_id": 1, "operation": "test_unit_ready"}`),
	})
	assert.Equal(t, TypeEmptyResponse, response.Type)
	assert.Equal(t, "TestUnitReady: NOT READY: medium not present", response.Error)
}

func TestHandleRequestErrors(t *testing.T) {
	handler := &DemonApiHandler{engine: &fakeEngine{}}
	ctx := context.Background()

	response := handler.HandleRequest(ctx, &Request{Type: "REBOOT", Command: json.RawMessage(`{}`)})
	assert.NotEmpty(t, response.Error)
	assert.Empty(t, response.Status)

	response = handler.HandleRequest(ctx, &Request{Type: TypeLogout, Command: json.RawMessage(`{"session_id": 5}`)})
	assert.Equal(t, iscsi_initiator.StatusInvalidSessionID.String(), response.Status)

	response = handler.HandleRequest(ctx, &Request{Type: TypeLogout, Command: json.RawMessage(`{"session_id": "five"}`)})
	assert.NotEmpty(t, response.Error)

	response = handler.HandleRequest(ctx, &Request{Type: TypeLogin, Command: json.RawMessage(`{}`)})
	assert.Equal(t, iscsi_initiator.StatusAuthenticationFailed.String(), response.Status)
}

func TestHandleRequestResults(t *testing.T) {
	handler := &DemonApiHandler{engine: &fakeEngine{}}
	ctx := context.Background()

	response := handler.HandleRequest(ctx, &Request{Type: TypeLogout, Command: json.RawMessage(`{"session_id": 1}`)})
	assert.Empty(t, response.Error)
	assert.Equal(t, TypeEmptyResponse, response.Type)

	response = handler.HandleRequest(ctx, &Request{Type: TypeDiscover, Command: json.RawMessage(`{"target_address": "10.0.0.1"}`)})
	require.Empty(t, response.Error)
	assert.Equal(t, TypeDiscover, response.Type)
	discovered, err := unmarshal[DiscoverResponse](&response)
	require.Nil(t, err)
	require.Len(t, discovered.Targets, 1)
	assert.Contains(t, discovered.ToCmdlineOutput(), "iqn.2018-01.com.example:disk1")

	response = handler.HandleRequest(ctx, &Request{Type: TypeConnectionStatus, Command: json.RawMessage(`{"session_id": 1, "connection_id": 2}`)})
	require.Empty(t, response.Error)
	status, err := unmarshal[ConnectionResponse](&response)
	require.Nil(t, err)
	assert.Equal(t, uint32(2), status.Connection.ID)
}
