// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"iscsiinitiator/pkg/iscsi_initiator"
)

type ErrApiRequestFailed struct {
	errorMessage string
	status       string
}

func (apiErr ErrApiRequestFailed) Error() string {
	return strings.Replace(
		apiErr.errorMessage, `\n`, "\n", -1)
}

// Status is the initiator status name the daemon reported, if any.
func (apiErr ErrApiRequestFailed) Status() string {
	return apiErr.status
}

type ErrUnxpectedResponseType struct {
	responseType string
}

func (err ErrUnxpectedResponseType) Error() string {
	return fmt.Sprintf("Unknown response type %s", err.responseType)
}

func unmarshal[T any](response *Response) (*T, error) {
	result := new(T)
	err := json.Unmarshal(response.Result, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type ClientRequester struct {
	socketPath string
}

func NewApiRequester(socketPath string) ClientRequester {
	return ClientRequester{
		socketPath: socketPath,
	}
}

func (api ClientRequester) performUnixSocketRequest(data []byte) ([]byte, error) {
	connection, err := net.Dial("unix", api.socketPath)
	if err != nil {
		return nil, err
	}
	defer connection.Close()
	_, err = connection.Write(append(data, '\n'))
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(connection)
	delimiter := byte('\n')
	responseBytes, err := reader.ReadBytes(delimiter)
	return responseBytes, err
}

func (api ClientRequester) request(request Request) (*Response, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	responseBytes, err := api.performUnixSocketRequest(data)
	if err != nil {
		return nil, err
	}
	response := &Response{}
	err = json.Unmarshal(responseBytes, response)
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, &ErrApiRequestFailed{errorMessage: response.Error, status: response.Status}
	}
	return response, nil
}

func specificRequest[ReqType, RespType any](
	api ClientRequester,
	command ReqType,
	typeName string,
) (*RespType, error) {
	jsonCommand, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}
	request := Request{Type: typeName, Command: jsonCommand}
	response, err := api.request(request)
	if err != nil {
		return nil, err
	}
	if response.Type != typeName {
		return nil, &ErrUnxpectedResponseType{responseType: response.Type}
	}
	return unmarshal[RespType](response)
}

func emptyResponseRequest[ReqType any](
	api ClientRequester,
	command ReqType,
	typeName string,
) error {
	jsonCommand, err := json.Marshal(command)
	if err != nil {
		return err
	}
	request := Request{Type: typeName, Command: jsonCommand}
	response, err := api.request(request)
	if err != nil {
		return err
	}
	if response.Type != TypeEmptyResponse {
		return &ErrUnxpectedResponseType{responseType: response.Type}
	}
	return nil
}

func (api ClientRequester) PerformLogin(parameters iscsi_initiator.LoginParameters) (*LoginResponse, error) {
	return specificRequest[LoginRequest, LoginResponse](
		api,
		LoginRequest{LoginParameters: parameters},
		TypeLogin,
	)
}

func (api ClientRequester) PerformLogout(sessionID uint32) error {
	return emptyResponseRequest[LogoutRequest](
		api,
		LogoutRequest{SessionID: sessionID},
		TypeLogout,
	)
}

func (api ClientRequester) PerformAddConnection(sessionID uint32, address string) (*ConnectionResponse, error) {
	return specificRequest[AddConnectionRequest, ConnectionResponse](
		api,
		AddConnectionRequest{SessionID: sessionID, Address: address},
		TypeAddConnection,
	)
}

func (api ClientRequester) PerformRemoveConnection(sessionID, connectionID uint32) error {
	return emptyResponseRequest[ConnectionRequest](
		api,
		ConnectionRequest{SessionID: sessionID, ConnectionID: connectionID},
		TypeRemoveConnection,
	)
}

func (api ClientRequester) PerformRestoreConnection(sessionID, connectionID uint32) error {
	return emptyResponseRequest[ConnectionRequest](
		api,
		ConnectionRequest{SessionID: sessionID, ConnectionID: connectionID},
		TypeRestoreConnection,
	)
}

func (api ClientRequester) PerformConnectionStatus(sessionID, connectionID uint32) (*ConnectionResponse, error) {
	return specificRequest[ConnectionRequest, ConnectionResponse](
		api,
		ConnectionRequest{SessionID: sessionID, ConnectionID: connectionID},
		TypeConnectionStatus,
	)
}

func (api ClientRequester) PerformDiscover(parameters iscsi_initiator.LoginParameters) (*DiscoverResponse, error) {
	return specificRequest[DiscoverRequest, DiscoverResponse](
		api,
		DiscoverRequest{LoginParameters: parameters},
		TypeDiscover,
	)
}

func (api ClientRequester) PerformIOCommand(command IOCommandRequest) (*IOCommandResponse, error) {
	if len(command.CDB) == 0 {
		return nil, &ErrInconsistentRequestParameters{reason: "empty CDB"}
	}
	return specificRequest[IOCommandRequest, IOCommandResponse](api, command, TypeIOCommand)
}

func (api ClientRequester) PerformDevice(sessionID uint32, lun uint16, operation string) (*DeviceResponse, error) {
	return specificRequest[DeviceRequest, DeviceResponse](
		api,
		DeviceRequest{SessionID: sessionID, LUN: lun, Operation: operation},
		TypeDevice,
	)
}

func (api ClientRequester) PerformList() (*ListResponse, error) {
	request := Request{Type: TypeList, Command: json.RawMessage{'{', '}'}}
	response, err := api.request(request)
	if err != nil {
		return nil, err
	}
	if response.Type != TypeList {
		return nil, &ErrUnxpectedResponseType{responseType: response.Type}
	}
	return unmarshal[ListResponse](response)
}
