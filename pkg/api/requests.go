// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"

	"iscsiinitiator/pkg/iscsi_initiator"
)

const (
	TypeEmptyResponse     = "EMPTY"
	TypeLogin             = "LOGIN"
	TypeLogout            = "LOGOUT"
	TypeAddConnection     = "ADDCONNECTION"
	TypeRemoveConnection  = "REMOVECONNECTION"
	TypeRestoreConnection = "RESTORECONNECTION"
	TypeDiscover          = "DISCOVER"
	TypeConnectionStatus  = "CONNECTIONSTATUS"
	TypeIOCommand         = "IOCOMMAND"
	TypeList              = "LIST"
	TypeDevice            = "DEVICE"
)

type Request struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

type LoginRequest struct {
	iscsi_initiator.LoginParameters
}

type LogoutRequest struct {
	SessionID uint32 `json:"session_id"`
}

type AddConnectionRequest struct {
	SessionID uint32 `json:"session_id"`
	Address   string `json:"address,omitempty"`
}

type ConnectionRequest struct {
	SessionID    uint32 `json:"session_id"`
	ConnectionID uint32 `json:"connection_id"`
}

type DiscoverRequest struct {
	iscsi_initiator.LoginParameters
}

// IOCommandRequest carries a raw CDB. Data is the write payload; for reads
// Length bytes are returned.
type IOCommandRequest struct {
	SessionID uint32 `json:"session_id"`
	LUN       uint16 `json:"lun"`
	CDB       []byte `json:"cdb"`
	Direction string `json:"direction"`
	Length    uint32 `json:"length,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// DeviceRequest runs one of the Device* operations against a logical unit.
type DeviceRequest struct {
	SessionID uint32 `json:"session_id"`
	LUN       uint16 `json:"lun"`
	Operation string `json:"operation"`
}

func ParseRequest(data []byte) (*Request, error) {
	request := &Request{}
	err := json.Unmarshal(data, request)
	if err != nil {
		return nil, err
	}
	return request, nil
}
