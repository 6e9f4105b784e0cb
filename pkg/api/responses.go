// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"iscsiinitiator/pkg/iscsi_initiator"
	"iscsiinitiator/pkg/scsi"
)

type Response struct {
	Type   string
	Error  string          `json:"error"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result"`
}

type LoginResponse struct {
	Session iscsi_initiator.SessionInfo `json:"session"`
}

func (response LoginResponse) ToCmdlineOutput() string {
	session := response.Session
	return fmt.Sprintf("Logged in to %s, session %d (TSIH %d)", session.TargetName, session.ID, session.TSIH)
}

type ConnectionResponse struct {
	SessionID  uint32                         `json:"session_id"`
	Connection iscsi_initiator.ConnectionInfo `json:"connection"`
}

func (response ConnectionResponse) ToCmdlineOutput() string {
	connection := response.Connection
	return fmt.Sprintf(
		"Session %d connection %d (cid %d) to %s: %s, status %s, %d tasks",
		response.SessionID, connection.ID, connection.CID, connection.Address,
		connection.State, connection.Status, connection.Tasks,
	)
}

type DiscoverResponse struct {
	Targets []iscsi_initiator.DiscoveredTarget `json:"targets"`
}

func (response DiscoverResponse) ToCmdlineOutput() string {
	result := "Discovered targets: \n"
	for _, target := range response.Targets {
		result += fmt.Sprintf("  Target: %s\n", target.Name)
		for _, address := range target.Addresses {
			result += fmt.Sprintf("    - %s\n", address)
		}
	}
	return result
}

type IOCommandResponse struct {
	Result iscsi_initiator.SCSIResult `json:"result"`
	Data   []byte                     `json:"data,omitempty"`
}

func (response IOCommandResponse) ToCmdlineOutput() string {
	result := fmt.Sprintf("Status: %s\n", response.Result.String())
	if len(response.Result.Sense) > 0 {
		result += fmt.Sprintf("Sense: %x\n", response.Result.Sense)
	}
	if len(response.Data) > 0 {
		result += fmt.Sprintf("Data: %x\n", response.Data)
	}
	return result
}

type ListResponse struct {
	Sessions []iscsi_initiator.SessionInfo `json:"sessions"`
}

func (response ListResponse) ToCmdlineOutput() string {
	var builder strings.Builder
	builder.WriteString("Sessions: \n")
	for _, session := range response.Sessions {
		builder.WriteString(fmt.Sprintf("  Session: %d (%s)\n", session.ID, session.UUID))
		builder.WriteString(fmt.Sprintf("  Target: %s\n", session.TargetName))
		builder.WriteString(fmt.Sprintf("  Type: %s, ISID %s, TSIH %d, status %s\n",
			session.Type, session.ISID, session.TSIH, session.Status))
		builder.WriteString(fmt.Sprintf("  Error recovery level: %d\n", session.Parameters.ErrorRecoveryLevel))
		builder.WriteString("  Connections: \n")
		for _, connection := range session.Connections {
			builder.WriteString(fmt.Sprintf("    - Connection %d (cid %d) %s: %s",
				connection.ID, connection.CID, connection.Address, connection.State))
			if connection.Parked {
				builder.WriteString(", awaiting recovery")
			}
			builder.WriteString("\n")
		}
	}
	return builder.String()
}

type DeviceResponse struct {
	Operation string            `json:"operation"`
	LUN       uint16            `json:"lun"`
	Ready     bool              `json:"ready,omitempty"`
	Inquiry   *scsi.InquiryData `json:"inquiry,omitempty"`
	Serial    string            `json:"serial,omitempty"`
	Capacity  *scsi.Capacity    `json:"capacity,omitempty"`
	LUNs      []uint16          `json:"luns,omitempty"`
}

func (response DeviceResponse) ToCmdlineOutput() string {
	switch {
	case response.Inquiry != nil:
		result := fmt.Sprintf("LUN %d: %s", response.LUN, response.Inquiry)
		if response.Serial != "" {
			result += fmt.Sprintf(", serial %s", response.Serial)
		}
		return result
	case response.Capacity != nil:
		capacity := response.Capacity
		return fmt.Sprintf("LUN %d: %d blocks of %d bytes (%d bytes)",
			response.LUN, capacity.Blocks(), capacity.BlockSize, capacity.Bytes())
	case response.Operation == DeviceReportLuns:
		luns := make([]string, 0, len(response.LUNs))
		for _, lun := range response.LUNs {
			luns = append(luns, fmt.Sprintf("%d", lun))
		}
		return "LUNs: " + strings.Join(luns, ", ")
	case response.Ready:
		return fmt.Sprintf("LUN %d is ready", response.LUN)
	}
	return fmt.Sprintf("LUN %d: %s done", response.LUN, response.Operation)
}
