// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"iscsiinitiator/pkg/iscsi_initiator"
	"iscsiinitiator/pkg/scsi"
)

// Engine is the part of the initiator the control API drives.
type Engine interface {
	Login(ctx context.Context, parameters iscsi_initiator.LoginParameters) (*iscsi_initiator.Session, error)
	Logout(ctx context.Context, sessionID uint32) error
	AddConnection(ctx context.Context, sessionID uint32, address string) (*iscsi_initiator.Connection, error)
	RemoveConnection(ctx context.Context, sessionID, connectionID uint32) error
	RestoreConnection(ctx context.Context, sessionID, connectionID uint32) error
	SendTargets(ctx context.Context, parameters iscsi_initiator.LoginParameters) ([]iscsi_initiator.DiscoveredTarget, error)
	ConnectionStatus(sessionID, connectionID uint32) (iscsi_initiator.ConnectionInfo, error)
	IOCommand(ctx context.Context, sessionID uint32, request *iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error)
	Sessions() []iscsi_initiator.SessionInfo
}

type DemonApiHandler struct {
	engine Engine
}

func (handler *DemonApiHandler) Login(ctx context.Context, request LoginRequest) (*LoginResponse, error) {
	session, err := handler.engine.Login(ctx, request.LoginParameters)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{Session: session.Info()}, nil
}

func (handler *DemonApiHandler) AddConnection(ctx context.Context, request AddConnectionRequest) (*ConnectionResponse, error) {
	connection, err := handler.engine.AddConnection(ctx, request.SessionID, request.Address)
	if err != nil {
		return nil, err
	}
	return &ConnectionResponse{SessionID: request.SessionID, Connection: connection.Info()}, nil
}

func (handler *DemonApiHandler) ConnectionStatus(request ConnectionRequest) (*ConnectionResponse, error) {
	info, err := handler.engine.ConnectionStatus(request.SessionID, request.ConnectionID)
	if err != nil {
		return nil, err
	}
	return &ConnectionResponse{SessionID: request.SessionID, Connection: info}, nil
}

func (handler *DemonApiHandler) Discover(ctx context.Context, request DiscoverRequest) (*DiscoverResponse, error) {
	targets, err := handler.engine.SendTargets(ctx, request.LoginParameters)
	if err != nil {
		return nil, err
	}
	return &DiscoverResponse{Targets: targets}, nil
}

func parseDirection(direction string) (iscsi_initiator.DataDirection, error) {
	switch strings.ToLower(direction) {
	case "", "none":
		return iscsi_initiator.DataNone, nil
	case "in", "read":
		return iscsi_initiator.DataIn, nil
	case "out", "write":
		return iscsi_initiator.DataOut, nil
	}
	return iscsi_initiator.DataNone, &ErrInconsistentRequestParameters{reason: fmt.Sprintf("direction %q", direction)}
}

func (handler *DemonApiHandler) IOCommand(ctx context.Context, request IOCommandRequest) (*IOCommandResponse, error) {
	direction, err := parseDirection(request.Direction)
	if err != nil {
		return nil, err
	}
	scsiRequest := &iscsi_initiator.SCSIRequest{
		LUN:       scsi.EncodeLUN(request.LUN),
		CDB:       request.CDB,
		Direction: direction,
		Attribute: iscsi_initiator.TaskAttributeSimple,
	}
	switch direction {
	case iscsi_initiator.DataIn:
		if request.Length == 0 {
			return nil, &ErrInconsistentRequestParameters{reason: "read without a length"}
		}
		scsiRequest.Buffer = make([]byte, request.Length)
	case iscsi_initiator.DataOut:
		if len(request.Data) == 0 {
			return nil, &ErrInconsistentRequestParameters{reason: "write without data"}
		}
		scsiRequest.Buffer = request.Data
	}
	result, err := handler.engine.IOCommand(ctx, request.SessionID, scsiRequest)
	if result == nil {
		return nil, err
	}
	response := &IOCommandResponse{Result: *result}
	if direction == iscsi_initiator.DataIn {
		length := result.Transferred
		if length > uint32(len(scsiRequest.Buffer)) {
			length = uint32(len(scsiRequest.Buffer))
		}
		response.Data = scsiRequest.Buffer[:length]
	}
	// a SCSI level failure is reported in the result
	if err != nil && result.SCSIStatus == scsi.SamStatGood {
		return nil, err
	}
	return response, nil
}

func (handler *DemonApiHandler) List() ListResponse {
	return ListResponse{Sessions: handler.engine.Sessions()}
}

func handle[ReqType, RespType any](command json.RawMessage, perform func(ReqType) (*RespType, error)) Response {
	request := new(ReqType)
	if err := json.Unmarshal(command, request); err != nil {
		return ErrorResponse(err)
	}
	result, err := perform(*request)
	if err != nil {
		return ErrorResponse(err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Result: data}
}

func handleEmpty[ReqType any](command json.RawMessage, perform func(ReqType) error) Response {
	request := new(ReqType)
	if err := json.Unmarshal(command, request); err != nil {
		return ErrorResponse(err)
	}
	if err := perform(*request); err != nil {
		return ErrorResponse(err)
	}
	return emptyResponse()
}

func (handler *DemonApiHandler) HandleRequest(ctx context.Context, request *Request) Response {
	var response Response
	switch request.Type {
	case TypeLogin:
		response = handle(request.Command, func(command LoginRequest) (*LoginResponse, error) {
			return handler.Login(ctx, command)
		})
	case TypeLogout:
		return handleEmpty(request.Command, func(command LogoutRequest) error {
			return handler.engine.Logout(ctx, command.SessionID)
		})
	case TypeAddConnection:
		response = handle(request.Command, func(command AddConnectionRequest) (*ConnectionResponse, error) {
			return handler.AddConnection(ctx, command)
		})
	case TypeRemoveConnection:
		return handleEmpty(request.Command, func(command ConnectionRequest) error {
			return handler.engine.RemoveConnection(ctx, command.SessionID, command.ConnectionID)
		})
	case TypeRestoreConnection:
		return handleEmpty(request.Command, func(command ConnectionRequest) error {
			return handler.engine.RestoreConnection(ctx, command.SessionID, command.ConnectionID)
		})
	case TypeDiscover:
		response = handle(request.Command, func(command DiscoverRequest) (*DiscoverResponse, error) {
			return handler.Discover(ctx, command)
		})
	case TypeConnectionStatus:
		response = handle(request.Command, handler.ConnectionStatus)
	case TypeIOCommand:
		response = handle(request.Command, func(command IOCommandRequest) (*IOCommandResponse, error) {
			return handler.IOCommand(ctx, command)
		})
	case TypeDevice:
		response = handle(request.Command, func(command DeviceRequest) (*DeviceResponse, error) {
			return handler.Device(ctx, command)
		})
	case TypeList:
		data, err := json.Marshal(handler.List())
		if err != nil {
			return ErrorResponse(err)
		}
		response = Response{Result: data}
	default:
		return ErrorResponse(fmt.Errorf("unknow request type %s", request.Type))
	}
	if response.Error == "" {
		response.Type = request.Type
	}
	return response
}

func emptyResponse() Response {
	return Response{Error: "", Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
}

func ErrorResponse(err error) Response {
	response := Response{Error: err.Error(), Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
	if status := iscsi_initiator.StatusOf(err); status != iscsi_initiator.StatusGeneralError {
		response.Status = status.String()
	}
	return response
}
