// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

const (
	valueNotUnderstood = "NotUnderstood"
	valueIrrelevant    = "Irrelevant"
	valueReject        = "Reject"
	valueNone          = "None"
)

type KeyValue struct {
	Key   string
	Value string
}

func (keyValue KeyValue) toByte() []byte {
	return []byte(keyValue.Key + "=" + keyValue.Value)
}

// KeyValueList keeps text keys in wire order. Order matters for CHAP and
// for SendTargets records.
type KeyValueList struct {
	list []KeyValue
}

func newKeyValueList() *KeyValueList {
	return &KeyValueList{list: []KeyValue{}}
}

func (kvList *KeyValueList) add(key, value string) {
	kvList.list = append(kvList.list, KeyValue{Key: key, Value: value})
}

func (kvList *KeyValueList) get(key string) (string, bool) {
	for _, keyValue := range kvList.list {
		if keyValue.Key == key {
			return keyValue.Value, true
		}
	}
	return "", false
}

func (kvList *KeyValueList) Length() int {
	return len(kvList.list)
}

func (kvList *KeyValueList) Pairs() []KeyValue {
	return kvList.list
}

type ErrMalformedText struct {
	token string
}

func (err ErrMalformedText) Error() string {
	return "malformed text key: " + err.token
}

// ParseIscsiKeyValue parses NUL separated key=value data.
func ParseIscsiKeyValue(data []byte) (*KeyValueList, error) {
	result := newKeyValueList()
	for _, token := range bytes.Split(data, []byte{0}) {
		if len(token) == 0 {
			continue
		}
		separator := bytes.IndexByte(token, '=')
		if separator <= 0 {
			return nil, &ErrMalformedText{token: string(token)}
		}
		result.add(string(token[:separator]), string(token[separator+1:]))
	}
	return result, nil
}

// UnparseIscsiKeyValue encodes the list, every pair followed by a NUL.
func UnparseIscsiKeyValue(kvList *KeyValueList) []byte {
	var buffer bytes.Buffer
	for _, keyValue := range kvList.list {
		buffer.Write(keyValue.toByte())
		buffer.WriteByte(0)
	}
	return buffer.Bytes()
}

// encodeBigValue encodes CHAP challenges and responses.
func encodeBigValue(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}

// decodeBigValue accepts 0x hex and 0b base64 encodings.
func decodeBigValue(value string) ([]byte, error) {
	if len(value) < 3 {
		return nil, errors.Errorf("big value '%s' is too short", value)
	}
	prefix := strings.ToLower(value[:2])
	body := value[2:]
	switch prefix {
	case "0x":
		if len(body)%2 != 0 {
			body = "0" + body
		}
		decoded, err := hex.DecodeString(body)
		if err != nil {
			return nil, errors.Wrapf(err, "decode hex value '%s'", value)
		}
		return decoded, nil
	case "0b":
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, errors.Wrapf(err, "decode base64 value '%s'", value)
		}
		return decoded, nil
	}
	return nil, errors.Errorf("big value '%s' has no 0x or 0b prefix", value)
}

func stringArrayContains(array []string, line string) bool {
	for _, lineInArray := range array {
		if lineInArray == line {
			return true
		}
	}
	return false
}

func splitValueList(value string) []string {
	values := strings.Split(value, ",")
	for index := range values {
		values[index] = strings.TrimSpace(values[index])
	}
	return values
}
