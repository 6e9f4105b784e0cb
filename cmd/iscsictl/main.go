// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"iscsiinitiator/pkg/api"
	"iscsiinitiator/pkg/cli"
	"iscsiinitiator/pkg/iscsi_initiator"
)

const socketEnvironment = "ISCSI_INITIATOR_SOCKET"

const (
	CommandLogin             = "login"
	CommandLogout            = "logout"
	CommandAddConnection     = "add-connection"
	CommandRemoveConnection  = "remove-connection"
	CommandRestoreConnection = "restore-connection"
	CommandStatus            = "status"
	CommandDiscover          = "discover"
	CommandList              = "list"
	CommandIO                = "io"
	CommandTestUnitReady     = "test-unit-ready"
	CommandInquiry           = "inquiry"
	CommandReadCapacity      = "read-capacity"
	CommandReportLuns        = "report-luns"
)

// deviceOperations maps the device commands to daemon operations.
var deviceOperations = map[string]string{
	CommandTestUnitReady: api.DeviceTestUnitReady,
	CommandInquiry:       api.DeviceInquiry,
	CommandReadCapacity:  api.DeviceReadCapacity,
	CommandReportLuns:    api.DeviceReportLuns,
}

type Client struct {
	client   api.ClientRequester
	commands *cli.CommandList
}

func addAuthenticationParameters(command *cli.Command) *cli.Command {
	return command.AddOptionalParameter(
		"-a",
		"auth",
		"authentication method: None, CHAP or MutualCHAP",
		"method",
		"None",
	).AddParameter(
		"-u",
		"username",
		"CHAP user name, the initiator name when omitted",
		"name",
		false,
	).AddParameter(
		"-s",
		"secret",
		"CHAP secret the target checks",
		"secret",
		false,
	).AddParameter(
		"-U",
		"target_username",
		"user name the target must answer mutual CHAP with",
		"name",
		false,
	).AddParameter(
		"-S",
		"target_secret",
		"secret the target must answer mutual CHAP with",
		"secret",
		false,
	).AddParameter(
		"-i",
		"initiator_name",
		"initiator iSCSI name, the daemon's configured name when omitted",
		"iqn",
		false,
	)
}

func addLoginCli(commands *cli.CommandList) {
	command := commands.AddCommand(
		CommandLogin,
		"Log in to a target and create a session.",
	).AddParameter(
		"-p",
		"address",
		"target portal, host[:port]",
		"portal",
		true,
	).AddParameter(
		"-t",
		"target_name",
		"string iSCSI target name",
		"target name",
		true,
	).AddParameter(
		"-e",
		"erl",
		"error recovery level to offer, 0..2",
		"level",
		false,
	)
	addAuthenticationParameters(command)
}

func addSessionCli(commands *cli.CommandList, name, description string) *cli.Command {
	return commands.AddCommand(name, description).AddParameter(
		"-n",
		"session",
		"integer session id",
		"session id",
		true,
	)
}

func addConnectionCli(commands *cli.CommandList, name, description string) {
	addSessionCli(commands, name, description).AddParameter(
		"-c",
		"connection",
		"integer connection id",
		"connection id",
		true,
	)
}

func addDiscoverCli(commands *cli.CommandList) {
	command := commands.AddCommand(
		CommandDiscover,
		"Run a discovery session and list the targets a portal offers.",
	).AddParameter(
		"-p",
		"address",
		"target portal, host[:port]",
		"portal",
		true,
	)
	addAuthenticationParameters(command)
}

func addIOCli(commands *cli.CommandList) {
	addSessionCli(
		commands,
		CommandIO,
		"Send a raw SCSI command to a logical unit.",
	).AddParameter(
		"-C",
		"cdb",
		"command descriptor block in hex, e.g. 000000000000 for TEST UNIT READY",
		"hex",
		true,
	).AddOptionalParameter(
		"-l",
		"lun",
		"logical unit number",
		"lun",
		"0",
	).AddOptionalParameter(
		"-d",
		"direction",
		"data direction: none, in or out",
		"direction",
		"none",
	).AddParameter(
		"-L",
		"length",
		"bytes expected from a read",
		"bytes",
		false,
	).AddParameter(
		"-D",
		"data",
		"write payload in hex",
		"hex",
		false,
	)
}

func addDeviceCli(commands *cli.CommandList, name, description string) {
	addSessionCli(commands, name, description).AddOptionalParameter(
		"-l",
		"lun",
		"logical unit number",
		"lun",
		"0",
	)
}

func NewClient(socketPath string) Client {
	commands := cli.NewCommandList(
		"iscsictl",
		"a tool to communicate with "+
			"the iSCSI initiator daemon\n",
	)
	addLoginCli(commands)
	addSessionCli(commands, CommandLogout, "Log out a session and close all its connections.")
	addSessionCli(commands, CommandAddConnection, "Add a connection to a session.").AddParameter(
		"-p",
		"address",
		"target portal, the session's portal when omitted",
		"portal",
		false,
	)
	addConnectionCli(commands, CommandRemoveConnection, "Log out one connection of a session.")
	addConnectionCli(commands, CommandRestoreConnection, "Reconnect a connection that is awaiting recovery.")
	addConnectionCli(commands, CommandStatus, "Show the state of a connection.")
	addDiscoverCli(commands)
	commands.AddCommand(CommandList, "List all sessions with their connections.")
	addIOCli(commands)
	addDeviceCli(commands, CommandTestUnitReady, "Check that a logical unit is ready.")
	addDeviceCli(commands, CommandInquiry, "Show the standard inquiry data and serial number of a logical unit.")
	addDeviceCli(commands, CommandReadCapacity, "Show the size of a logical unit.")
	addDeviceCli(commands, CommandReportLuns, "List the logical units of the session's target.")
	return Client{
		client:   api.NewApiRequester(socketPath),
		commands: commands,
	}
}

func loginParameters(command *cli.Command, sessionType iscsi_initiator.SessionType) (iscsi_initiator.LoginParameters, error) {
	parameters := iscsi_initiator.LoginParameters{SessionType: sessionType}
	var err error
	if parameters.TargetAddress, err = command.GetParameter("address"); err != nil {
		return parameters, err
	}
	if sessionType == iscsi_initiator.SessionNormal {
		if parameters.TargetName, err = command.GetParameter("target_name"); err != nil {
			return parameters, err
		}
	}
	authentication, err := command.GetParameter("auth")
	if err != nil {
		return parameters, err
	}
	if err := parameters.Authentication.UnmarshalText([]byte(authentication)); err != nil {
		return parameters, err
	}
	optional := map[string]*string{
		"username":        &parameters.Username,
		"secret":          &parameters.Secret,
		"target_username": &parameters.TargetUsername,
		"target_secret":   &parameters.TargetSecret,
		"initiator_name":  &parameters.InitiatorName,
	}
	for name, target := range optional {
		if command.IsSet(name) {
			*target, _ = command.GetParameter(name)
		}
	}
	if command.IsSet("erl") {
		level, err := command.GetUintParameter("erl", 8)
		if err != nil {
			return parameters, err
		}
		if level > 2 {
			return parameters, errors.Errorf("error recovery level must be 0..2, %d received", level)
		}
		operational := iscsi_initiator.DefaultOperationalParameters()
		operational.ErrorRecoveryLevel = uint8(level)
		parameters.Operational = &operational
	}
	return parameters, nil
}

func connectionIDs(command *cli.Command) (sessionID, connectionID uint32, err error) {
	if sessionID, err = command.GetUint32Parameter("session"); err != nil {
		return
	}
	connectionID, err = command.GetUint32Parameter("connection")
	return
}

func decodeHex(command *cli.Command, name string) ([]byte, error) {
	text, err := command.GetParameter(name)
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(strings.ReplaceAll(text, " ", ""))
	if err != nil {
		return nil, errors.Wrapf(err, "%s must be hex", name)
	}
	return data, nil
}

func (client Client) PerformLogin(command *cli.Command) error {
	parameters, err := loginParameters(command, iscsi_initiator.SessionNormal)
	if err != nil {
		return err
	}
	response, err := client.client.PerformLogin(parameters)
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformLogout(command *cli.Command) error {
	sessionID, err := command.GetUint32Parameter("session")
	if err != nil {
		return err
	}
	return client.client.PerformLogout(sessionID)
}

func (client Client) PerformAddConnection(command *cli.Command) error {
	sessionID, err := command.GetUint32Parameter("session")
	if err != nil {
		return err
	}
	address := ""
	if command.IsSet("address") {
		address, _ = command.GetParameter("address")
	}
	response, err := client.client.PerformAddConnection(sessionID, address)
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformRemoveConnection(command *cli.Command) error {
	sessionID, connectionID, err := connectionIDs(command)
	if err != nil {
		return err
	}
	return client.client.PerformRemoveConnection(sessionID, connectionID)
}

func (client Client) PerformRestoreConnection(command *cli.Command) error {
	sessionID, connectionID, err := connectionIDs(command)
	if err != nil {
		return err
	}
	return client.client.PerformRestoreConnection(sessionID, connectionID)
}

func (client Client) PerformStatus(command *cli.Command) error {
	sessionID, connectionID, err := connectionIDs(command)
	if err != nil {
		return err
	}
	response, err := client.client.PerformConnectionStatus(sessionID, connectionID)
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformDiscover(command *cli.Command) error {
	parameters, err := loginParameters(command, iscsi_initiator.SessionDiscovery)
	if err != nil {
		return err
	}
	response, err := client.client.PerformDiscover(parameters)
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformIO(command *cli.Command) error {
	sessionID, err := command.GetUint32Parameter("session")
	if err != nil {
		return err
	}
	lun, err := command.GetUintParameter("lun", 16)
	if err != nil {
		return err
	}
	cdb, err := decodeHex(command, "cdb")
	if err != nil {
		return err
	}
	direction, err := command.GetParameter("direction")
	if err != nil {
		return err
	}
	request := api.IOCommandRequest{
		SessionID: sessionID,
		LUN:       uint16(lun),
		CDB:       cdb,
		Direction: direction,
	}
	if command.IsSet("length") {
		if request.Length, err = command.GetUint32Parameter("length"); err != nil {
			return err
		}
	}
	if command.IsSet("data") {
		if request.Data, err = decodeHex(command, "data"); err != nil {
			return err
		}
	}
	response, err := client.client.PerformIOCommand(request)
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformDevice(command *cli.Command, operation string) error {
	sessionID, err := command.GetUint32Parameter("session")
	if err != nil {
		return err
	}
	lun, err := command.GetUintParameter("lun", 16)
	if err != nil {
		return err
	}
	response, err := client.client.PerformDevice(sessionID, uint16(lun), operation)
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformList() error {
	response, err := client.client.PerformList()
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformCommand() error {
	commandName, command := client.commands.GetCurrentCommand()
	if command == nil {
		return errors.New(
			"command is nil, probably an" +
				" implementation issue of command line arguments parsing",
		)
	}
	switch commandName {
	case CommandLogin:
		return client.PerformLogin(command)
	case CommandLogout:
		return client.PerformLogout(command)
	case CommandAddConnection:
		return client.PerformAddConnection(command)
	case CommandRemoveConnection:
		return client.PerformRemoveConnection(command)
	case CommandRestoreConnection:
		return client.PerformRestoreConnection(command)
	case CommandStatus:
		return client.PerformStatus(command)
	case CommandDiscover:
		return client.PerformDiscover(command)
	case CommandList:
		return client.PerformList()
	case CommandIO:
		return client.PerformIO(command)
	case CommandTestUnitReady, CommandInquiry, CommandReadCapacity, CommandReportLuns:
		return client.PerformDevice(command, deviceOperations[commandName])
	case "":
		return errors.New("received empty command type name")
	default:
		return errors.Errorf("unknown command name %s", commandName)
	}
}

func main() {
	socketPath := os.Getenv(socketEnvironment)
	if socketPath == "" {
		socketPath = iscsi_initiator.DefaultSocketPath
	}
	client := NewClient(socketPath)
	err := client.commands.Parse(os.Args)
	if err != nil {
		var helpCmd *cli.ErrHelpPageRequested
		if errors.As(err, &helpCmd) {
			fmt.Println(helpCmd)
			os.Exit(0)
		}
		_, err := fmt.Fprintf(os.Stderr, "%s\n", err)
		if err != nil {
			panic(err)
		}
		os.Exit(1)
	}
	err = client.PerformCommand()
	if err != nil {
		var failed *api.ErrApiRequestFailed
		if errors.As(err, &failed) && failed.Status() != "" {
			err = errors.Errorf("%s: %s", failed.Status(), failed.Error())
		}
		_, err := fmt.Fprintln(os.Stderr, err)
		if err != nil {
			panic(err)
		}
		os.Exit(1)
	}
}
