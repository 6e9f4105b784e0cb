// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"strconv"
	"strings"
)

const (
	DigestNone   uint = 1 << 0
	DigestCrc32c uint = 1 << 1
	DigestAll         = DigestNone | DigestCrc32c
)

// DigestType selects what the initiator offers for HeaderDigest and DataDigest.
type DigestType string

const (
	DigestTypeNone            DigestType = "None"
	DigestTypeCRC32C          DigestType = "CRC32C"
	DigestTypeCRC32CPreferred DigestType = "CRC32C,None"
	DigestTypeNonePreferred   DigestType = "None,CRC32C"
)

type SessionType int

const (
	SessionNormal SessionType = iota
	SessionDiscovery
)

func (sessionType SessionType) String() string {
	if sessionType == SessionDiscovery {
		return "Discovery"
	}
	return "Normal"
}

func (sessionType SessionType) MarshalText() ([]byte, error) {
	return []byte(sessionType.String()), nil
}

func (sessionType *SessionType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "Normal":
		*sessionType = SessionNormal
	case "Discovery":
		*sessionType = SessionDiscovery
	default:
		return statusErrorf(StatusInvalidParameter, "unknown session type %q", text)
	}
	return nil
}

type negotiationRule int

const (
	ruleDeclarative negotiationRule = iota
	ruleList
	ruleMinimum
	ruleMaximum
	ruleOr
	ruleAnd
)

type keyScope int

const (
	scopeConnection keyScope = iota
	scopeSession
	// sent by the target for information only
	scopeInformational
)

type KeyConvFunc func(value string) (uint, bool)
type KeyInConvFunc func(value uint) string

type iscsiParameterKey struct {
	rule        negotiationRule
	scope       keyScope
	leadingOnly bool
	def         uint
	min         uint
	max         uint
	conv        KeyConvFunc
	inConv      KeyInConvFunc
}

func digestKeyConv(value string) (uint, bool) {
	var crc uint
	for _, tmpV := range strings.Split(value, ",") {
		if strings.EqualFold(tmpV, "crc32c") {
			crc |= DigestCrc32c
		} else if strings.EqualFold(tmpV, "none") {
			crc |= DigestNone
		} else {
			return crc, false
		}
	}
	return crc, crc != 0
}

func digestKeyInConv(value uint) string {
	switch value {
	case DigestNone:
		return "None"
	case DigestCrc32c:
		return "CRC32C"
	}
	return "CRC32C,None"
}

func numberKeyConv(value string) (uint, bool) {
	v, err := strconv.ParseUint(value, 0, 32)
	if err == nil {
		return uint(v), true
	}
	return uint(0), false
}

func numberKeyInConv(value uint) string {
	return strconv.FormatUint(uint64(value), 10)
}

func boolKeyConv(value string) (uint, bool) {
	if strings.EqualFold(value, "yes") {
		return 1, true
	} else if strings.EqualFold(value, "no") {
		return 0, true
	}
	return 0, false
}

func boolKeyInConv(value uint) string {
	if value == 0 {
		return "No"
	}
	return "Yes"
}

// The defaults are the protocol defaults. A key the target never answers
// keeps its default, so they must match what the target assumes.
var operationalKeys = map[string]*iscsiParameterKey{
	"HeaderDigest":             {ruleList, scopeConnection, false, DigestNone, DigestNone, DigestAll, digestKeyConv, digestKeyInConv},
	"DataDigest":               {ruleList, scopeConnection, false, DigestNone, DigestNone, DigestAll, digestKeyConv, digestKeyInConv},
	"MaxRecvDataSegmentLength": {ruleDeclarative, scopeConnection, false, 8192, 512, 16777215, numberKeyConv, numberKeyInConv},
	"MaxConnections":           {ruleMinimum, scopeSession, true, 1, 1, 65535, numberKeyConv, numberKeyInConv},
	"InitialR2T":               {ruleOr, scopeSession, true, 1, 0, 1, boolKeyConv, boolKeyInConv},
	"ImmediateData":            {ruleAnd, scopeSession, true, 1, 0, 1, boolKeyConv, boolKeyInConv},
	"MaxBurstLength":           {ruleMinimum, scopeSession, true, 262144, 512, 16777215, numberKeyConv, numberKeyInConv},
	"FirstBurstLength":         {ruleMinimum, scopeSession, true, 65536, 512, 16777215, numberKeyConv, numberKeyInConv},
	"DefaultTime2Wait":         {ruleMaximum, scopeSession, true, 2, 0, 3600, numberKeyConv, numberKeyInConv},
	"DefaultTime2Retain":       {ruleMinimum, scopeSession, true, 20, 0, 3600, numberKeyConv, numberKeyInConv},
	"MaxOutstandingR2T":        {ruleMinimum, scopeSession, true, 1, 1, 65535, numberKeyConv, numberKeyInConv},
	"DataPDUInOrder":           {ruleOr, scopeSession, true, 1, 0, 1, boolKeyConv, boolKeyInConv},
	"DataSequenceInOrder":      {ruleOr, scopeSession, true, 1, 0, 1, boolKeyConv, boolKeyInConv},
	"ErrorRecoveryLevel":       {ruleMinimum, scopeSession, true, 0, 0, 2, numberKeyConv, numberKeyInConv},
	"IFMarker":                 {ruleAnd, scopeConnection, false, 0, 0, 1, boolKeyConv, boolKeyInConv},
	"OFMarker":                 {ruleAnd, scopeConnection, false, 0, 0, 1, boolKeyConv, boolKeyInConv},
	"TargetPortalGroupTag":     {ruleDeclarative, scopeInformational, false, 0, 0, 65535, numberKeyConv, numberKeyInConv},
}

// Keys whose value is kept as text.
var textKeys = map[string]keyScope{
	"TargetAlias":   scopeInformational,
	"TargetAddress": scopeInformational,
}

// Markers are never enabled, so the interval keys are irrelevant.
var irrelevantKeys = map[string]bool{
	"OFMarkInt": true,
	"IFMarkInt": true,
}

// offerOrder fixes the order of the operational offer on the wire.
var offerOrder = []string{
	"HeaderDigest",
	"DataDigest",
	"MaxConnections",
	"InitialR2T",
	"ImmediateData",
	"MaxRecvDataSegmentLength",
	"MaxBurstLength",
	"FirstBurstLength",
	"DefaultTime2Wait",
	"DefaultTime2Retain",
	"MaxOutstandingR2T",
	"DataPDUInOrder",
	"DataSequenceInOrder",
	"ErrorRecoveryLevel",
	"IFMarker",
	"OFMarker",
}

// OperationalParameters is what the initiator proposes during operational
// negotiation.
type OperationalParameters struct {
	HeaderDigest             DigestType `json:"header_digest"`
	DataDigest               DigestType `json:"data_digest"`
	MaxConnections           uint16     `json:"max_connections"`
	InitialR2T               bool       `json:"initial_r2t"`
	ImmediateData            bool       `json:"immediate_data"`
	MaxRecvDataSegmentLength uint32     `json:"max_recv_data_segment_length"`
	MaxBurstLength           uint32     `json:"max_burst_length"`
	FirstBurstLength         uint32     `json:"first_burst_length"`
	DefaultTime2Wait         uint16     `json:"default_time2wait"`
	DefaultTime2Retain       uint16     `json:"default_time2retain"`
	MaxOutstandingR2T        uint16     `json:"max_outstanding_r2t"`
	DataPDUInOrder           bool       `json:"data_pdu_in_order"`
	DataSequenceInOrder      bool       `json:"data_sequence_in_order"`
	ErrorRecoveryLevel       uint8      `json:"error_recovery_level"`
}

func DefaultOperationalParameters() OperationalParameters {
	return OperationalParameters{
		HeaderDigest:             DigestTypeNone,
		DataDigest:               DigestTypeNone,
		MaxConnections:           4,
		InitialR2T:               true,
		ImmediateData:            true,
		MaxRecvDataSegmentLength: 65536,
		MaxBurstLength:           262144,
		FirstBurstLength:         65536,
		DefaultTime2Wait:         2,
		DefaultTime2Retain:       20,
		MaxOutstandingR2T:        1,
		DataPDUInOrder:           true,
		DataSequenceInOrder:      true,
		ErrorRecoveryLevel:       0,
	}
}

func boolValue(value bool) uint {
	if value {
		return 1
	}
	return 0
}

// values maps the proposal onto the key table.
func (parameters OperationalParameters) values() map[string]uint {
	headerDigest, ok := digestKeyConv(string(parameters.HeaderDigest))
	if !ok {
		headerDigest = DigestNone
	}
	dataDigest, ok := digestKeyConv(string(parameters.DataDigest))
	if !ok {
		dataDigest = DigestNone
	}
	return map[string]uint{
		"HeaderDigest":             headerDigest,
		"DataDigest":               dataDigest,
		"MaxConnections":           uint(parameters.MaxConnections),
		"InitialR2T":               boolValue(parameters.InitialR2T),
		"ImmediateData":            boolValue(parameters.ImmediateData),
		"MaxRecvDataSegmentLength": uint(parameters.MaxRecvDataSegmentLength),
		"MaxBurstLength":           uint(parameters.MaxBurstLength),
		"FirstBurstLength":         uint(parameters.FirstBurstLength),
		"DefaultTime2Wait":         uint(parameters.DefaultTime2Wait),
		"DefaultTime2Retain":       uint(parameters.DefaultTime2Retain),
		"MaxOutstandingR2T":        uint(parameters.MaxOutstandingR2T),
		"DataPDUInOrder":           boolValue(parameters.DataPDUInOrder),
		"DataSequenceInOrder":      boolValue(parameters.DataSequenceInOrder),
		"ErrorRecoveryLevel":       uint(parameters.ErrorRecoveryLevel),
		"IFMarker":                 0,
		"OFMarker":                 0,
	}
}

// digestOffer keeps the configured preference when offering a list.
func digestOffer(digest DigestType) string {
	mask, ok := digestKeyConv(string(digest))
	if !ok {
		return "None"
	}
	if mask == DigestAll {
		return string(digest)
	}
	return digestKeyInConv(mask)
}

// NegotiatedParameters is the committed outcome of a login. Connection
// scoped values are per connection, the rest are shared by the session.
type NegotiatedParameters struct {
	HeaderDigest                   bool   `json:"header_digest"`
	DataDigest                     bool   `json:"data_digest"`
	MaxRecvDataSegmentLength       uint32 `json:"max_recv_data_segment_length"`
	TargetMaxRecvDataSegmentLength uint32 `json:"target_max_recv_data_segment_length"`
	MaxConnections                 uint16 `json:"max_connections"`
	InitialR2T                     bool   `json:"initial_r2t"`
	ImmediateData                  bool   `json:"immediate_data"`
	MaxBurstLength                 uint32 `json:"max_burst_length"`
	FirstBurstLength               uint32 `json:"first_burst_length"`
	DefaultTime2Wait               uint16 `json:"default_time2wait"`
	DefaultTime2Retain             uint16 `json:"default_time2retain"`
	MaxOutstandingR2T              uint16 `json:"max_outstanding_r2t"`
	DataPDUInOrder                 bool   `json:"data_pdu_in_order"`
	DataSequenceInOrder            bool   `json:"data_sequence_in_order"`
	ErrorRecoveryLevel             uint8  `json:"error_recovery_level"`
	TargetPortalGroupTag           uint16 `json:"target_portal_group_tag"`
	TargetAlias                    string `json:"target_alias,omitempty"`
}

func defaultNegotiatedValues() map[string]uint {
	values := make(map[string]uint, len(operationalKeys))
	for name, key := range operationalKeys {
		values[name] = key.def
	}
	return values
}

func newNegotiatedParameters(values map[string]uint, ownMaxRecv uint32, textValues map[string]string) NegotiatedParameters {
	return NegotiatedParameters{
		HeaderDigest:                   values["HeaderDigest"] == DigestCrc32c,
		DataDigest:                     values["DataDigest"] == DigestCrc32c,
		MaxRecvDataSegmentLength:       ownMaxRecv,
		TargetMaxRecvDataSegmentLength: uint32(values["MaxRecvDataSegmentLength"]),
		MaxConnections:                 uint16(values["MaxConnections"]),
		InitialR2T:                     values["InitialR2T"] != 0,
		ImmediateData:                  values["ImmediateData"] != 0,
		MaxBurstLength:                 uint32(values["MaxBurstLength"]),
		FirstBurstLength:               uint32(values["FirstBurstLength"]),
		DefaultTime2Wait:               uint16(values["DefaultTime2Wait"]),
		DefaultTime2Retain:             uint16(values["DefaultTime2Retain"]),
		MaxOutstandingR2T:              uint16(values["MaxOutstandingR2T"]),
		DataPDUInOrder:                 values["DataPDUInOrder"] != 0,
		DataSequenceInOrder:            values["DataSequenceInOrder"] != 0,
		ErrorRecoveryLevel:             uint8(values["ErrorRecoveryLevel"]),
		TargetPortalGroupTag:           uint16(values["TargetPortalGroupTag"]),
		TargetAlias:                    textValues["TargetAlias"],
	}
}

// firstBurst returns how much unsolicited data may go with a command
// as immediate data and as unsolicited Data-Out.
func (parameters NegotiatedParameters) firstBurst() (immediate uint32, unsolicited uint32) {
	if parameters.ImmediateData {
		immediate = parameters.FirstBurstLength
		if immediate > parameters.TargetMaxRecvDataSegmentLength {
			immediate = parameters.TargetMaxRecvDataSegmentLength
		}
	}
	if !parameters.InitialR2T {
		unsolicited = parameters.FirstBurstLength
	}
	return immediate, unsolicited
}
