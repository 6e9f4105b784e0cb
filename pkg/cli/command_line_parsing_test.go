// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package cli

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommandList() *CommandList {
	commands := NewCommandList("iscsictl", "test tool")
	commands.AddCommand("login", "Log in.").AddParameter(
		"-p", "address", "target portal", "portal", true,
	).AddParameter(
		"-t", "target_name", "target name", "name", true,
	).AddOptionalParameter(
		"-a", "auth", "authentication method", "method", "None",
	).AddParameter(
		"-e", "erl", "error recovery level", "level", false,
	)
	commands.AddCommand("list", "List sessions.")
	return commands
}

func TestParseSeparateAndInlineValues(t *testing.T) {
	commands := newTestCommandList()
	err := commands.Parse([]string{"iscsictl", "login", "-p", "10.0.0.1:3260", "--target_name=iqn.2018-01.com.example:a=b"})
	require.Nil(t, err)
	name, command := commands.GetCurrentCommand()
	assert.Equal(t, "login", name)
	address, err := command.GetParameter("address")
	require.Nil(t, err)
	assert.Equal(t, "10.0.0.1:3260", address)
	target, err := command.GetParameter("target_name")
	require.Nil(t, err)
	assert.Equal(t, "iqn.2018-01.com.example:a=b", target)

	auth, err := command.GetParameter("auth")
	require.Nil(t, err)
	assert.Equal(t, "None", auth, "fallback value")
	assert.False(t, command.IsSet("auth"))
	_, err = command.GetParameter("erl")
	assert.NotNil(t, err, "optional parameter without a fallback")
}

func TestParseUintParameter(t *testing.T) {
	commands := newTestCommandList()
	require.Nil(t, commands.Parse([]string{"iscsictl", "login", "-p", "a", "-t", "b", "-e", "0x2"}))
	_, command := commands.GetCurrentCommand()
	level, err := command.GetUintParameter("erl", 8)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), level)
	_, err = command.GetUint32Parameter("address")
	assert.NotNil(t, err)
}

func TestParseErrors(t *testing.T) {
	commands := newTestCommandList()

	err := commands.Parse([]string{"iscsictl", "login", "-p", "a"})
	var missing *ErrMissingParameters
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Contains(t, missing.Error(), "--target_name")

	err = newTestCommandList().Parse([]string{"iscsictl", "login", "--bogus"})
	var invalid *ErrInvalidOption
	assert.True(t, errors.As(err, &invalid), "got %v", err)

	err = newTestCommandList().Parse([]string{"iscsictl", "login", "-t", "b", "-p"})
	assert.NotNil(t, err, "value is missing")

	err = newTestCommandList().Parse([]string{"iscsictl", "mount"})
	var notFound *ErrCommandNotFound
	assert.True(t, errors.As(err, &notFound), "got %v", err)

	err = newTestCommandList().Parse([]string{"iscsictl", "login", "-p", "a", "-p", "b", "-t", "c"})
	assert.True(t, errors.As(err, &invalid), "repeated option, got %v", err)
}

func TestHelp(t *testing.T) {
	var help *ErrHelpPageRequested
	err := newTestCommandList().Parse([]string{"iscsictl"})
	require.True(t, errors.As(err, &help))
	assert.Contains(t, help.Error(), "iscsictl list")
	assert.Contains(t, help.Error(), "iscsictl login <-p|--address portal> <-t|--target_name name> [-a|--auth method] [-e|--erl level]")

	err = newTestCommandList().Parse([]string{"iscsictl", "login", "--help"})
	require.True(t, errors.As(err, &help))
	assert.Contains(t, help.Error(), "(default 'None')")
}
