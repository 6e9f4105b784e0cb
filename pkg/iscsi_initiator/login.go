// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"fmt"
)

type AuthenticationType int

const (
	AuthenticationNone AuthenticationType = iota
	AuthenticationCHAP
	AuthenticationMutualCHAP
)

func (authentication AuthenticationType) String() string {
	switch authentication {
	case AuthenticationNone:
		return "None"
	case AuthenticationCHAP:
		return "CHAP"
	case AuthenticationMutualCHAP:
		return "MutualCHAP"
	}
	return fmt.Sprintf("authentication %d", int(authentication))
}

func (authentication AuthenticationType) MarshalText() ([]byte, error) {
	return []byte(authentication.String()), nil
}

func (authentication *AuthenticationType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "None":
		*authentication = AuthenticationNone
	case "CHAP":
		*authentication = AuthenticationCHAP
	case "MutualCHAP":
		*authentication = AuthenticationMutualCHAP
	default:
		return statusErrorf(StatusInvalidParameter, "unknown authentication %q", text)
	}
	return nil
}

// LoginParameters describe one session: where to connect, who we are and
// how to authenticate.
type LoginParameters struct {
	TargetAddress  string                 `json:"target_address"`
	TargetName     string                 `json:"target_name,omitempty"`
	SessionType    SessionType            `json:"session_type"`
	InitiatorName  string                 `json:"initiator_name,omitempty"`
	InitiatorAlias string                 `json:"initiator_alias,omitempty"`
	Authentication AuthenticationType     `json:"authentication"`
	Username       string                 `json:"username,omitempty"`
	Secret         string                 `json:"secret,omitempty"`
	TargetUsername string                 `json:"target_username,omitempty"`
	TargetSecret   string                 `json:"target_secret,omitempty"`
	Operational    *OperationalParameters `json:"operational,omitempty"`
}

func (parameters *LoginParameters) operational() OperationalParameters {
	if parameters.Operational != nil {
		return *parameters.Operational
	}
	return DefaultOperationalParameters()
}

// chapName is the CHAP_N we answer with, the initiator name unless a user
// name is configured.
func (parameters *LoginParameters) chapName() string {
	if parameters.Username != "" {
		return parameters.Username
	}
	return parameters.InitiatorName
}

func (parameters *LoginParameters) validate() error {
	if parameters.TargetAddress == "" {
		return statusErrorf(StatusInvalidParameter, "target address is required")
	}
	if parameters.SessionType == SessionNormal && parameters.TargetName == "" {
		return statusErrorf(StatusInvalidParameter, "target name is required for a normal session")
	}
	if parameters.InitiatorName == "" {
		return statusErrorf(StatusInvalidParameter, "initiator name is required")
	}
	if parameters.Authentication != AuthenticationNone && parameters.Secret == "" {
		return statusErrorf(StatusInvalidParameter, "%s needs a secret", parameters.Authentication)
	}
	if parameters.Authentication == AuthenticationMutualCHAP && parameters.TargetSecret == "" {
		return statusErrorf(StatusInvalidParameter, "mutual CHAP needs a target secret")
	}
	return nil
}

// login runs the login phase on a bound connection. The leading login
// establishes the session; later ones add a connection to it.
func (connection *Connection) login(ctx context.Context, leading bool) error {
	session := connection.session
	parameters := session.login
	negotiation := newNegotiationState(&parameters, leading)
	negotiation.log = connection.log
	ctx, cancel := context.WithTimeout(ctx, session.config.LoginTimeout.Duration())
	defer cancel()
	for !negotiation.complete {
		step, text, err := negotiation.nextRequest()
		if err != nil {
			return err
		}
		if err := connection.loginStep(ctx, negotiation, step, text); err != nil {
			return err
		}
	}
	connection.log.Infof("logged in to %s at %s", parameters.TargetName, connection.Address)
	return nil
}

func (connection *Connection) loginStep(ctx context.Context, negotiation *negotiationState, step loginStep, text []byte) error {
	session := connection.session
	ccb, err := session.allocateCCB(ctx, OpLoginReq, DispositionWait, true)
	if err != nil {
		return err
	}
	defer session.freeCCB(ccb)
	ccb.negotiation = negotiation
	if err := connection.sendLogin(ccb, step, text); err != nil {
		return err
	}
	if status := session.waitCCB(ctx, ccb); status != StatusSuccess {
		if status == StatusCanceled {
			return statusErrorf(StatusTimeout, "login to %s timed out", connection.Address)
		}
		return ccb.Err()
	}
	return nil
}
