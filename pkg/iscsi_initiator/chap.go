// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"strconv"

	"github.com/pkg/errors"
)

const (
	chapAlgorithmMD5    = 5
	chapChallengeLength = 16
)

type chapState int

const (
	chapIdle chapState = iota
	// CHAP_A sent, waiting for identifier and challenge
	chapAlgorithmSent
	// challenge received, response not sent yet
	chapChallengeReceived
	// CHAP_N and CHAP_R sent
	chapResponseSent
	chapDone
)

// chapResponse computes MD5(identifier || secret || challenge).
func chapResponse(identifier byte, secret []byte, challenge []byte) [md5.Size]byte {
	hash := md5.New()
	hash.Write([]byte{identifier})
	hash.Write(secret)
	hash.Write(challenge)
	var result [md5.Size]byte
	copy(result[:], hash.Sum(nil))
	return result
}

func newChapChallenge() (byte, []byte, error) {
	buffer := make([]byte, chapChallengeLength+1)
	if _, err := rand.Read(buffer); err != nil {
		return 0, nil, errors.Wrap(err, "generate CHAP challenge")
	}
	return buffer[0], buffer[1:], nil
}

// parseChapIdentifier reads CHAP_I as decimal or, with a 0x prefix, hex.
// A leading zero does not mean octal.
func parseChapIdentifier(value string) (byte, error) {
	digits, base := value, 10
	if len(value) > 2 && (value[:2] == "0x" || value[:2] == "0X") {
		digits, base = value[2:], 16
	}
	identifier, err := strconv.ParseUint(digits, base, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid CHAP_I '%s'", value)
	}
	return byte(identifier), nil
}

func verifyChapResponse(identifier byte, secret []byte, challenge []byte, received []byte) bool {
	expected := chapResponse(identifier, secret, challenge)
	return subtle.ConstantTimeCompare(expected[:], received) == 1
}
