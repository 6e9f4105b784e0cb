// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// iSCSI task management
package iscsi_initiator

import "fmt"

type TaskManagementFunction byte

const (
	// aborts the task identified by the Referenced Task Tag field
	TaskAbortTask TaskManagementFunction = 1
	// aborts all Tasks issued via this session on the logical unit
	TaskAbortTaskSet TaskManagementFunction = 2
	// clears the Auto Contingent Allegiance condition
	TaskClearACA TaskManagementFunction = 3
	// aborts all Tasks in the appropriate task set as defined by the TST field in the Control mode page
	TaskClearTaskSet     TaskManagementFunction = 4
	TaskLogicalUnitReset TaskManagementFunction = 5
	TaskTargetWarmReset  TaskManagementFunction = 6
	TaskTargetColdReset  TaskManagementFunction = 7
	// reassigns connection allegiance for the task identified by the Referenced Task Tag field to this connection, thus resuming the iSCSI exchanges for the task
	TaskReassign TaskManagementFunction = 8
)

func (function TaskManagementFunction) String() string {
	switch function {
	case TaskAbortTask:
		return "abort task"
	case TaskAbortTaskSet:
		return "abort task set"
	case TaskClearACA:
		return "clear ACA"
	case TaskClearTaskSet:
		return "clear task set"
	case TaskLogicalUnitReset:
		return "logical unit reset"
	case TaskTargetWarmReset:
		return "target warm reset"
	case TaskTargetColdReset:
		return "target cold reset"
	case TaskReassign:
		return "task reassign"
	}
	return fmt.Sprintf("function %d", byte(function))
}

type TaskManagementResponse byte

const (
	// Function complete
	TaskResponseComplete TaskManagementResponse = 0x00
	// Task does not exist
	TaskResponseNoTask TaskManagementResponse = 0x01
	// LUN does not exist
	TaskResponseNoLUN TaskManagementResponse = 0x02
	// Task still allegiant
	TaskResponseTaskAllegiant TaskManagementResponse = 0x03
	// Task allegiance reassignment not supported
	TaskResponseReassignNotSupported TaskManagementResponse = 0x04
	// Task management function not supported
	TaskResponseNotSupported TaskManagementResponse = 0x05
	// Function authorization failed
	TaskResponseAuthorizationFailed TaskManagementResponse = 0x06
	// Function rejected
	TaskResponseRejected TaskManagementResponse = 0xff
)

func (response TaskManagementResponse) status() Status {
	switch response {
	case TaskResponseComplete:
		return StatusSuccess
	case TaskResponseNoTask:
		return StatusTaskNotFound
	default:
		return StatusTMFRejected
	}
}

// referencesTask reports whether the function names a single task.
func (function TaskManagementFunction) referencesTask() bool {
	return function == TaskAbortTask || function == TaskReassign
}
