// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorClass int

const (
	ErrorClassNone ErrorClass = iota
	ErrorClassTransport
	ErrorClassProtocol
	ErrorClassNegotiation
	ErrorClassTarget
	ErrorClassResource
	ErrorClassTimeout
	ErrorClassRequest
)

func (class ErrorClass) String() string {
	switch class {
	case ErrorClassNone:
		return "none"
	case ErrorClassTransport:
		return "transport"
	case ErrorClassProtocol:
		return "protocol"
	case ErrorClassNegotiation:
		return "negotiation"
	case ErrorClassTarget:
		return "target"
	case ErrorClassResource:
		return "resource"
	case ErrorClassTimeout:
		return "timeout"
	case ErrorClassRequest:
		return "request"
	}
	return "unknown"
}

// Status is the outcome of every CCB and every control plane call.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusGeneralError
	StatusNotImplemented
	StatusNoResources
	StatusInvalidSessionID
	StatusInvalidConnectionID
	StatusInvalidParameter
	StatusMaxConnectionsReached
	StatusSocketError
	StatusConnectionFailed
	StatusSessionFailed
	StatusTimeout
	StatusProtocolError
	StatusHeaderDigestError
	StatusDataDigestError
	StatusSerialWindowOverflow
	StatusPDURejected
	StatusNegotiationError
	StatusParameterMissing
	StatusParameterInvalid
	StatusAuthenticationFailed
	StatusLoginFailed
	StatusTargetMoved
	StatusTargetNotFound
	StatusTargetError
	StatusCheckCondition
	StatusTargetBusy
	StatusTaskAborted
	StatusTMFRejected
	StatusTaskNotFound
	StatusLogoutCIDNotFound
	StatusLogoutRecoveryNotSupported
	StatusLogoutFailed
	StatusCanceled
	StatusTargetLogout
	StatusTargetDroppedConnection
	StatusReassigned
)

var statusNames = map[Status]string{
	StatusSuccess:                    "success",
	StatusGeneralError:               "general error",
	StatusNotImplemented:             "not implemented",
	StatusNoResources:                "no resources",
	StatusInvalidSessionID:           "invalid session id",
	StatusInvalidConnectionID:        "invalid connection id",
	StatusInvalidParameter:           "invalid request parameter",
	StatusMaxConnectionsReached:      "maximum number of connections reached",
	StatusSocketError:                "socket error",
	StatusConnectionFailed:           "connection failed",
	StatusSessionFailed:              "session failed",
	StatusTimeout:                    "timeout",
	StatusProtocolError:              "protocol error",
	StatusHeaderDigestError:          "header digest error",
	StatusDataDigestError:            "data digest error",
	StatusSerialWindowOverflow:       "sequence number window overflow",
	StatusPDURejected:                "PDU rejected by target",
	StatusNegotiationError:           "negotiation error",
	StatusParameterMissing:           "parameter missing",
	StatusParameterInvalid:           "parameter invalid",
	StatusAuthenticationFailed:       "authentication failed",
	StatusLoginFailed:                "login failed",
	StatusTargetMoved:                "target moved",
	StatusTargetNotFound:             "target not found",
	StatusTargetError:                "target error",
	StatusCheckCondition:             "check condition",
	StatusTargetBusy:                 "target busy",
	StatusTaskAborted:                "task aborted",
	StatusTMFRejected:                "task management function rejected",
	StatusTaskNotFound:               "task not found",
	StatusLogoutCIDNotFound:          "logout: connection id not found",
	StatusLogoutRecoveryNotSupported: "logout: recovery not supported",
	StatusLogoutFailed:               "logout failed",
	StatusCanceled:                   "canceled",
	StatusTargetLogout:               "target requested logout",
	StatusTargetDroppedConnection:    "target dropped connection",
	StatusReassigned:                 "task reassigned",
}

func (status Status) String() string {
	name, ok := statusNames[status]
	if !ok {
		return fmt.Sprintf("status %d", uint32(status))
	}
	return name
}

func (status Status) Class() ErrorClass {
	switch status {
	case StatusSuccess, StatusReassigned:
		return ErrorClassNone
	case StatusSocketError, StatusConnectionFailed, StatusSessionFailed,
		StatusTargetDroppedConnection, StatusTargetLogout, StatusCanceled:
		return ErrorClassTransport
	case StatusProtocolError, StatusHeaderDigestError, StatusDataDigestError,
		StatusSerialWindowOverflow, StatusPDURejected:
		return ErrorClassProtocol
	case StatusNegotiationError, StatusParameterMissing, StatusParameterInvalid,
		StatusAuthenticationFailed, StatusLoginFailed, StatusTargetMoved,
		StatusTargetNotFound:
		return ErrorClassNegotiation
	case StatusTargetError, StatusCheckCondition, StatusTargetBusy, StatusTaskAborted,
		StatusTMFRejected, StatusTaskNotFound, StatusLogoutCIDNotFound,
		StatusLogoutRecoveryNotSupported, StatusLogoutFailed:
		return ErrorClassTarget
	case StatusNoResources, StatusMaxConnectionsReached:
		return ErrorClassResource
	case StatusTimeout:
		return ErrorClassTimeout
	}
	return ErrorClassRequest
}

// StatusError carries a Status through error returns.
type StatusError struct {
	Status Status
	cause  error
}

func (err *StatusError) Error() string {
	if err.cause != nil {
		return fmt.Sprintf("%s: %s", err.Status, err.cause)
	}
	return err.Status.String()
}

func (err *StatusError) Unwrap() error {
	return err.cause
}

func newStatusError(status Status, cause error) error {
	if status == StatusSuccess {
		return nil
	}
	return &StatusError{Status: status, cause: cause}
}

func statusErrorf(status Status, format string, args ...any) error {
	return &StatusError{Status: status, cause: errors.Errorf(format, args...)}
}

// StatusOf extracts the Status carried by err. Errors without a Status
// map to StatusGeneralError, nil maps to StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return StatusGeneralError
}
