// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusGeneralError, StatusOf(errors.New("plain")))
	assert.Nil(t, newStatusError(StatusSuccess, errors.New("ignored")))

	err := errors.Wrap(statusErrorf(StatusTargetMoved, "to %s", "10.0.0.2"), "login")
	assert.Equal(t, StatusTargetMoved, StatusOf(err))
	assert.Equal(t, "login: target moved: to 10.0.0.2", err.Error())

	wrapped := newStatusError(StatusCanceled, context.Canceled)
	assert.True(t, errors.Is(wrapped, context.Canceled))
}

func TestStatusClass(t *testing.T) {
	classes := map[Status]ErrorClass{
		StatusSuccess:              ErrorClassNone,
		StatusConnectionFailed:     ErrorClassTransport,
		StatusHeaderDigestError:    ErrorClassProtocol,
		StatusAuthenticationFailed: ErrorClassNegotiation,
		StatusCheckCondition:       ErrorClassTarget,
		StatusNoResources:          ErrorClassResource,
		StatusTimeout:              ErrorClassTimeout,
		StatusInvalidParameter:     ErrorClassRequest,
	}
	for status, class := range classes {
		assert.Equal(t, class, status.Class(), "%s", status)
	}
	assert.Equal(t, "status 4242", Status(4242).String())
}
