// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"strings"

	"iscsiinitiator/pkg/logger"
)

// loginStep is the header part of the next Login Request.
type loginStep struct {
	transit      bool
	currentStage LoginStage
	nextStage    LoginStage
}

// negotiationState drives one connection through the login stages.
type negotiationState struct {
	log        *logger.Logger
	parameters *LoginParameters
	proposal   map[string]uint
	leading    bool

	stage     LoginStage
	lastStep  loginStep
	authSent  bool
	operSent  bool
	complete  bool
	partial   []byte
	continued bool

	authMethod       string
	chap             chapState
	chapIdentifier   byte
	chapChallenge    []byte
	mutualIdentifier byte
	mutualChallenge  []byte

	offered  map[string]bool
	answered map[string]bool
	values   map[string]uint
	strings  map[string]string
	pending  *KeyValueList
}

func newNegotiationState(parameters *LoginParameters, leading bool) *negotiationState {
	return &negotiationState{
		log:        logger.GetLogger(),
		parameters: parameters,
		proposal:   parameters.operational().values(),
		leading:    leading,
		stage:      SecurityNegotiation,
		offered:    map[string]bool{},
		answered:   map[string]bool{},
		values:     defaultNegotiatedValues(),
		strings:    map[string]string{},
		pending:    newKeyValueList(),
	}
}

func (state *negotiationState) authOffer() string {
	switch state.parameters.Authentication {
	case AuthenticationCHAP:
		return "CHAP,None"
	case AuthenticationMutualCHAP:
		return "CHAP"
	}
	return valueNone
}

// nextRequest builds the text and stage fields of the next Login Request.
func (state *negotiationState) nextRequest() (loginStep, []byte, error) {
	if state.continued {
		// the target has more text for the current response
		step := loginStep{currentStage: state.stage, nextStage: state.lastStep.nextStage}
		return step, nil, nil
	}
	keys := state.pending
	state.pending = newKeyValueList()
	step := loginStep{currentStage: state.stage}
	switch state.stage {
	case SecurityNegotiation:
		if err := state.securityRequest(keys, &step); err != nil {
			return step, nil, err
		}
	case LoginOperationalNegotiation:
		state.operationalRequest(keys)
		step.transit = true
		step.nextStage = FullFeaturePhase
	default:
		return step, nil, statusErrorf(StatusProtocolError, "login already complete")
	}
	state.lastStep = step
	return step, UnparseIscsiKeyValue(keys), nil
}

func (state *negotiationState) securityRequest(keys *KeyValueList, step *loginStep) error {
	parameters := state.parameters
	if !state.authSent {
		state.authSent = true
		keys.add("InitiatorName", parameters.InitiatorName)
		if parameters.InitiatorAlias != "" {
			keys.add("InitiatorAlias", parameters.InitiatorAlias)
		}
		keys.add("SessionType", parameters.SessionType.String())
		if parameters.SessionType == SessionNormal {
			keys.add("TargetName", parameters.TargetName)
		}
		keys.add("AuthMethod", state.authOffer())
		if parameters.Authentication == AuthenticationNone {
			step.transit = true
			step.nextStage = LoginOperationalNegotiation
		}
		return nil
	}
	switch {
	case state.authMethod == "CHAP" && state.chap == chapIdle:
		keys.add("CHAP_A", numberKeyInConv(chapAlgorithmMD5))
		state.chap = chapAlgorithmSent
	case state.chap == chapChallengeReceived:
		response := chapResponse(state.chapIdentifier, []byte(parameters.Secret), state.chapChallenge)
		keys.add("CHAP_N", parameters.chapName())
		keys.add("CHAP_R", encodeBigValue(response[:]))
		if parameters.Authentication == AuthenticationMutualCHAP {
			identifier, challenge, err := newChapChallenge()
			if err != nil {
				return newStatusError(StatusNoResources, err)
			}
			state.mutualIdentifier = identifier
			state.mutualChallenge = challenge
			keys.add("CHAP_I", numberKeyInConv(uint(identifier)))
			keys.add("CHAP_C", encodeBigValue(challenge))
		}
		state.chap = chapResponseSent
		step.transit = true
		step.nextStage = LoginOperationalNegotiation
	default:
		step.transit = true
		step.nextStage = LoginOperationalNegotiation
	}
	return nil
}

func (state *negotiationState) offerable(name string) bool {
	key := operationalKeys[name]
	if state.parameters.SessionType == SessionDiscovery {
		return name == "HeaderDigest" || name == "DataDigest" || name == "MaxRecvDataSegmentLength"
	}
	return state.leading || !key.leadingOnly
}

func (state *negotiationState) operationalRequest(keys *KeyValueList) {
	if state.operSent {
		return
	}
	state.operSent = true
	for _, name := range offerOrder {
		if !state.offerable(name) {
			continue
		}
		key := operationalKeys[name]
		value := key.inConv(state.proposal[name])
		switch name {
		case "HeaderDigest":
			value = digestOffer(state.parameters.operational().HeaderDigest)
		case "DataDigest":
			value = digestOffer(state.parameters.operational().DataDigest)
		}
		keys.add(name, value)
		if key.rule != ruleDeclarative {
			state.offered[name] = true
		}
	}
}

// processResponse consumes one Login Response. It returns an error carrying
// the failure Status when the login can not continue.
func (state *negotiationState) processResponse(fields *LoginResponseFields, data []byte) error {
	if err := loginResponseStatus(fields, data); err != nil {
		return err
	}
	if fields.CurrentStage != state.stage {
		return statusErrorf(StatusProtocolError, "login response for stage %s while in %s",
			fields.CurrentStage, state.stage)
	}
	if fields.Continue {
		if fields.Transit {
			return statusErrorf(StatusProtocolError, "login response with both transit and continue")
		}
		state.partial = append(state.partial, data...)
		state.continued = true
		return nil
	}
	text := append(state.partial, data...)
	state.partial = nil
	state.continued = false
	keys, err := ParseIscsiKeyValue(text)
	if err != nil {
		return newStatusError(StatusProtocolError, err)
	}
	switch state.stage {
	case SecurityNegotiation:
		err = state.processSecurity(keys)
	case LoginOperationalNegotiation:
		err = state.processOperational(keys)
	}
	if err != nil {
		return err
	}
	if !fields.Transit {
		return nil
	}
	if !state.lastStep.transit || fields.NextStage <= state.stage || fields.NextStage > state.lastStep.nextStage {
		return statusErrorf(StatusProtocolError, "target transit from %s to %s was not requested",
			state.stage, fields.NextStage)
	}
	if state.stage == SecurityNegotiation {
		if err := state.finishAuthentication(); err != nil {
			return err
		}
	}
	state.log.Debugf("login stage %s -> %s", state.stage, fields.NextStage)
	state.stage = fields.NextStage
	if state.stage == FullFeaturePhase {
		state.complete = true
	}
	return nil
}

func (state *negotiationState) finishAuthentication() error {
	switch state.authMethod {
	case valueNone:
		if state.parameters.Authentication == AuthenticationMutualCHAP {
			return statusErrorf(StatusAuthenticationFailed, "target skipped mutual authentication")
		}
		return nil
	case "CHAP":
		if state.chap == chapDone {
			return nil
		}
		if state.chap == chapResponseSent && state.parameters.Authentication == AuthenticationCHAP {
			state.chap = chapDone
			return nil
		}
		return statusErrorf(StatusAuthenticationFailed, "CHAP exchange incomplete")
	}
	if state.parameters.Authentication == AuthenticationNone {
		// the target accepted the connection without answering AuthMethod
		state.authMethod = valueNone
		return nil
	}
	return statusErrorf(StatusAuthenticationFailed, "target did not select an authentication method")
}

func (state *negotiationState) processSecurity(keys *KeyValueList) error {
	var identifier, challenge string
	for _, pair := range keys.Pairs() {
		switch pair.Key {
		case "AuthMethod":
			if !stringArrayContains(splitValueList(state.authOffer()), pair.Value) {
				return statusErrorf(StatusAuthenticationFailed, "target selected AuthMethod=%s", pair.Value)
			}
			state.authMethod = pair.Value
		case "CHAP_A":
			if state.chap != chapAlgorithmSent || pair.Value != numberKeyInConv(chapAlgorithmMD5) {
				return statusErrorf(StatusAuthenticationFailed, "unexpected CHAP_A=%s", pair.Value)
			}
		case "CHAP_I":
			identifier = pair.Value
		case "CHAP_C":
			challenge = pair.Value
		case "CHAP_N":
			expected := state.parameters.TargetUsername
			if state.chap != chapResponseSent || (expected != "" && expected != pair.Value) {
				return statusErrorf(StatusAuthenticationFailed, "unexpected target CHAP_N=%s", pair.Value)
			}
		case "CHAP_R":
			if err := state.verifyMutual(pair.Value); err != nil {
				return err
			}
		case "TargetAlias", "TargetAddress":
			state.strings[pair.Key] = pair.Value
		case "TargetPortalGroupTag":
			value, ok := numberKeyConv(pair.Value)
			if !ok {
				return statusErrorf(StatusParameterInvalid, "TargetPortalGroupTag=%s", pair.Value)
			}
			state.values[pair.Key] = value
		default:
			state.pending.add(pair.Key, valueNotUnderstood)
		}
	}
	if identifier == "" && challenge == "" {
		return nil
	}
	if state.chap != chapAlgorithmSent || identifier == "" || challenge == "" {
		return statusErrorf(StatusAuthenticationFailed, "incomplete CHAP challenge")
	}
	var err error
	if state.chapIdentifier, err = parseChapIdentifier(identifier); err != nil {
		return newStatusError(StatusAuthenticationFailed, err)
	}
	if state.chapChallenge, err = decodeBigValue(challenge); err != nil {
		return newStatusError(StatusAuthenticationFailed, err)
	}
	state.chap = chapChallengeReceived
	return nil
}

func (state *negotiationState) verifyMutual(value string) error {
	if state.chap != chapResponseSent || state.parameters.Authentication != AuthenticationMutualCHAP {
		return statusErrorf(StatusAuthenticationFailed, "unexpected target CHAP_R")
	}
	received, err := decodeBigValue(value)
	if err != nil {
		return newStatusError(StatusAuthenticationFailed, err)
	}
	if !verifyChapResponse(state.mutualIdentifier, []byte(state.parameters.TargetSecret), state.mutualChallenge, received) {
		return statusErrorf(StatusAuthenticationFailed, "target CHAP response mismatch")
	}
	state.chap = chapDone
	return nil
}

func (state *negotiationState) processOperational(keys *KeyValueList) error {
	for _, pair := range keys.Pairs() {
		if _, ok := textKeys[pair.Key]; ok {
			state.strings[pair.Key] = pair.Value
			continue
		}
		if irrelevantKeys[pair.Key] {
			state.pending.add(pair.Key, valueIrrelevant)
			continue
		}
		key, ok := operationalKeys[pair.Key]
		if !ok {
			state.log.Debugf("target sent unknown key %s=%s", pair.Key, pair.Value)
			state.pending.add(pair.Key, valueNotUnderstood)
			continue
		}
		var err error
		if state.offered[pair.Key] && !state.answered[pair.Key] {
			err = state.acceptAnswer(pair.Key, key, pair.Value)
		} else {
			err = state.answerOffer(pair.Key, key, pair.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func isSpecialValue(value string) bool {
	return value == valueNotUnderstood || value == valueIrrelevant || value == valueReject
}

// acceptAnswer checks the target's answer to one of our offers.
func (state *negotiationState) acceptAnswer(name string, key *iscsiParameterKey, value string) error {
	state.answered[name] = true
	if isSpecialValue(value) {
		state.log.Warnf("target answered %s=%s, keeping default", name, value)
		return nil
	}
	result, ok := key.conv(value)
	if !ok || result < key.min || result > key.max {
		return statusErrorf(StatusNegotiationError, "invalid answer %s=%s", name, value)
	}
	own := state.proposal[name]
	valid := true
	switch key.rule {
	case ruleList:
		valid = (result == DigestNone || result == DigestCrc32c) && own&result != 0
	case ruleMinimum:
		valid = result <= own
	case ruleMaximum:
		valid = result >= own
	case ruleOr:
		valid = own == 0 || result == 1
	case ruleAnd:
		valid = own == 1 || result == 0
	}
	if !valid {
		return statusErrorf(StatusNegotiationError, "answer %s=%s violates offer %s",
			name, value, key.inConv(own))
	}
	state.values[name] = result
	return nil
}

// answerOffer answers a key the target proposed on its own. Numeric keys
// are answered with the smaller of both values.
func (state *negotiationState) answerOffer(name string, key *iscsiParameterKey, value string) error {
	if state.answered[name] {
		state.log.Debugf("target repeated %s=%s, already answered", name, value)
		return nil
	}
	state.answered[name] = true
	if isSpecialValue(value) {
		return nil
	}
	if key.rule == ruleList {
		own, ok := state.proposal[name]
		if !ok {
			own = key.def
		}
		for _, candidate := range splitValueList(value) {
			selected, ok := key.conv(candidate)
			if ok && own&selected != 0 {
				state.values[name] = selected
				state.pending.add(name, key.inConv(selected))
				return nil
			}
		}
		state.pending.add(name, valueReject)
		return nil
	}
	offered, ok := key.conv(value)
	if !ok || offered < key.min || offered > key.max {
		state.pending.add(name, valueReject)
		return nil
	}
	if key.rule == ruleDeclarative {
		state.values[name] = offered
		return nil
	}
	own, ok := state.proposal[name]
	if !ok {
		own = key.def
	}
	result := offered
	switch key.rule {
	case ruleMinimum, ruleMaximum:
		if own < result {
			result = own
		}
	case ruleOr:
		result = own | offered
	case ruleAnd:
		result = own & offered
	}
	state.values[name] = result
	state.pending.add(name, key.inConv(result))
	return nil
}

// result is the committed outcome, valid once complete is set.
func (state *negotiationState) result() NegotiatedParameters {
	own := state.parameters.operational().MaxRecvDataSegmentLength
	return newNegotiatedParameters(state.values, own, state.strings)
}

// loginResponseStatus maps a non-success Status-Class onto a Status.
func loginResponseStatus(fields *LoginResponseFields, data []byte) error {
	class, detail := fields.StatusClass, fields.StatusDetail
	switch class {
	case 0:
		return nil
	case 1:
		address := ""
		if keys, err := ParseIscsiKeyValue(data); err == nil {
			address, _ = keys.get("TargetAddress")
		}
		return &TargetMovedError{Address: address, Permanent: detail == 0x02}
	case 2:
		switch detail {
		case 0x01, 0x02:
			return statusErrorf(StatusAuthenticationFailed, "login rejected, detail 0x%02x", detail)
		case 0x03, 0x04:
			return statusErrorf(StatusTargetNotFound, "login rejected, detail 0x%02x", detail)
		case 0x06:
			return statusErrorf(StatusMaxConnectionsReached, "login rejected, detail 0x%02x", detail)
		case 0x07:
			return statusErrorf(StatusParameterMissing, "login rejected, detail 0x%02x", detail)
		}
		return statusErrorf(StatusLoginFailed, "login rejected, class 2 detail 0x%02x", detail)
	case 3:
		if detail == 0x01 || detail == 0x02 {
			return statusErrorf(StatusTargetBusy, "target unavailable, detail 0x%02x", detail)
		}
		return statusErrorf(StatusTargetError, "target error, detail 0x%02x", detail)
	}
	return statusErrorf(StatusLoginFailed, "login status class %d detail 0x%02x", class, detail)
}

// TargetMovedError reports a redirection to another portal.
type TargetMovedError struct {
	Address   string
	Permanent bool
}

func (err *TargetMovedError) Error() string {
	return "target moved to " + err.Address
}

func (err *TargetMovedError) Unwrap() error {
	return &StatusError{Status: StatusTargetMoved}
}

// DiscoveredTarget is one record of a SendTargets answer.
type DiscoveredTarget struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
}

func parseSendTargets(data []byte) ([]DiscoveredTarget, error) {
	keys, err := ParseIscsiKeyValue(data)
	if err != nil {
		return nil, newStatusError(StatusProtocolError, err)
	}
	targets := []DiscoveredTarget{}
	for _, pair := range keys.Pairs() {
		switch pair.Key {
		case "TargetName":
			targets = append(targets, DiscoveredTarget{Name: pair.Value, Addresses: []string{}})
		case "TargetAddress":
			if len(targets) == 0 {
				return nil, statusErrorf(StatusProtocolError, "TargetAddress before TargetName")
			}
			last := &targets[len(targets)-1]
			last.Addresses = append(last.Addresses, strings.TrimSpace(pair.Value))
		}
	}
	return targets, nil
}
