// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"fmt"

	"iscsiinitiator/pkg/iscsi_initiator"
	"iscsiinitiator/pkg/scsi"
)

const (
	DeviceTestUnitReady = "test_unit_ready"
	DeviceInquiry       = "inquiry"
	DeviceReadCapacity  = "read_capacity"
	DeviceReportLuns    = "report_luns"
)

// sessionRunner runs device commands through the engine on one session.
type sessionRunner struct {
	engine    Engine
	sessionID uint32
}

func (runner sessionRunner) Run(ctx context.Context, request *iscsi_initiator.SCSIRequest) (*iscsi_initiator.SCSIResult, error) {
	return runner.engine.IOCommand(ctx, runner.sessionID, request)
}

func (handler *DemonApiHandler) Device(ctx context.Context, request DeviceRequest) (*DeviceResponse, error) {
	device := scsi.NewDevice(sessionRunner{engine: handler.engine, sessionID: request.SessionID}, request.LUN)
	response := &DeviceResponse{Operation: request.Operation, LUN: request.LUN}
	switch request.Operation {
	case DeviceTestUnitReady:
		if err := device.TestUnitReady(ctx); err != nil {
			return nil, err
		}
		response.Ready = true
	case DeviceInquiry:
		inquiry, err := device.Inquiry(ctx)
		if err != nil {
			return nil, err
		}
		response.Inquiry = &inquiry
		// the unit serial number page is optional
		if serial, err := device.SerialNumber(ctx); err == nil {
			response.Serial = serial
		}
	case DeviceReadCapacity:
		capacity, err := device.ReadCapacity(ctx)
		if err != nil {
			return nil, err
		}
		response.Capacity = &capacity
	case DeviceReportLuns:
		luns, err := device.ReportLuns(ctx)
		if err != nil {
			return nil, err
		}
		response.LUNs = luns
	default:
		return nil, &ErrInconsistentRequestParameters{reason: fmt.Sprintf("device operation %q", request.Operation)}
	}
	return response, nil
}
