// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type ErrHelpPageRequested struct {
	helpMessage string
}

func (err ErrHelpPageRequested) Error() string {
	return err.helpMessage
}

type ErrCommandNotFound struct {
	commandName string
}

func (err ErrCommandNotFound) Error() string {
	return fmt.Sprintf("unknown command '%s'", err.commandName)
}

type ErrInvalidOption struct {
	option string
}

func (err ErrInvalidOption) Error() string {
	return fmt.Sprintf("invalid option -- '%s'", err.option)
}

type ErrMissingParameters struct {
	help []string
}

func (err ErrMissingParameters) Error() string {
	message := ""
	for _, help := range err.help {
		message += "Missing parameter:\n" + help + "\n"
	}
	return message
}

type parameter struct {
	target           string
	shortFlag        string
	name             string
	description      string
	shortDescription string
	fallback         string
	required         bool
	set              bool
}

func (param parameter) getFullCmdlineArgument() string {
	return "--" + param.name
}

// found matches "--name", "-n" and their "=value" forms.
func (param parameter) found(argument string) bool {
	flag, _, _ := strings.Cut(argument, "=")
	return flag == param.getFullCmdlineArgument() || (param.shortFlag != "" && flag == param.shortFlag)
}

func (param parameter) valueInNextCmd(argument string) bool {
	return argument == param.getFullCmdlineArgument() || argument == param.shortFlag
}

func (param parameter) help() string {
	help := fmt.Sprintf(
		"    %s/--%s - %s",
		param.shortFlag,
		param.name,
		param.description,
	)
	if param.fallback != "" {
		help += fmt.Sprintf(" (default '%s')", param.fallback)
	}
	return help
}

func (param parameter) usage() string {
	usage := fmt.Sprintf(
		"%s|--%s %s",
		param.shortFlag,
		param.name,
		param.shortDescription,
	)
	if param.required {
		return "<" + usage + ">"
	}
	return "[" + usage + "]"
}

func (param *parameter) extract(value string) {
	param.target = value
	param.set = true
}

type Command struct {
	name        string
	parameters  map[string]*parameter
	description string
}

func newCommand(name, description string) *Command {
	return &Command{
		name:        name,
		parameters:  make(map[string]*parameter),
		description: description,
	}
}

func (command *Command) sortedParameters() []*parameter {
	parameters := make([]*parameter, 0, len(command.parameters))
	for _, param := range command.parameters {
		parameters = append(parameters, param)
	}
	sort.Slice(parameters, func(i, j int) bool {
		if parameters[i].required != parameters[j].required {
			return parameters[i].required
		}
		return parameters[i].name < parameters[j].name
	})
	return parameters
}

func (command *Command) findParameter(commandLineArgument string) *parameter {
	for _, argument := range command.parameters {
		if argument.set {
			continue
		}
		if argument.found(commandLineArgument) {
			return argument
		}
	}
	return nil
}

func (command *Command) usage() string {
	eachCommandUsages := make([]string, 0, len(command.parameters))
	for _, arg := range command.sortedParameters() {
		eachCommandUsages = append(eachCommandUsages, arg.usage())
	}
	if len(eachCommandUsages) > 0 {
		return fmt.Sprintf(
			"%s %s",
			command.name,
			strings.Join(eachCommandUsages, " "),
		)
	}
	return command.name
}

func (command *Command) Help() string {
	eachCommandsDescriptions := make([]string, 0, len(command.parameters))
	for _, arg := range command.sortedParameters() {
		eachCommandsDescriptions = append(eachCommandsDescriptions, arg.help())
	}
	if len(eachCommandsDescriptions) > 0 {
		return fmt.Sprintf(
			"%s\n  Options:\n%s",
			command.description,
			strings.Join(eachCommandsDescriptions, "\n"),
		)
	}
	return command.description + "\n"
}

func (command *Command) ParseArgs(args []string) error {
	var currentArgument *parameter
	for index, commandLineArgument := range args {
		if index == 0 {
			if commandLineArgument == "--help" || commandLineArgument == "-h" {
				return &ErrHelpPageRequested{helpMessage: command.Help()}
			}
		}
		// the previous argument was a bare flag, so this one is its value:
		// "--address 10.0.0.1:3260"
		if currentArgument != nil {
			currentArgument.extract(commandLineArgument)
			currentArgument = nil
			continue
		}
		parameter := command.findParameter(commandLineArgument)
		if parameter == nil {
			return &ErrInvalidOption{option: commandLineArgument}
		}
		if parameter.valueInNextCmd(commandLineArgument) {
			currentArgument = parameter
			continue
		}
		// "--address=10.0.0.1:3260"; the value itself may contain '='
		_, value, _ := strings.Cut(commandLineArgument, "=")
		parameter.extract(value)
	}
	if currentArgument != nil {
		return errors.Errorf("option '%s' needs a value", currentArgument.getFullCmdlineArgument())
	}
	var missing []string
	for _, parameter := range command.sortedParameters() {
		if !parameter.set && parameter.required {
			missing = append(missing, parameter.help())
		}
	}
	if len(missing) > 0 {
		return &ErrMissingParameters{help: missing}
	}
	return nil
}

func (command *Command) AddParameter(
	short string,
	name string,
	description string,
	shortDescription string,
	required bool,
) *Command {
	command.parameters[name] = &parameter{
		shortFlag:        short,
		name:             name,
		description:      description,
		required:         required,
		shortDescription: shortDescription,
	}
	return command
}

// AddOptionalParameter adds a parameter that reads as fallback when absent.
func (command *Command) AddOptionalParameter(
	short string,
	name string,
	description string,
	shortDescription string,
	fallback string,
) *Command {
	command.AddParameter(short, name, description, shortDescription, false)
	command.parameters[name].fallback = fallback
	return command
}

func (command *Command) GetParameter(parameterName string) (string, error) {
	value, ok := command.parameters[parameterName]
	if !ok {
		return "", errors.Errorf("missing parameter %s", parameterName)
	}
	if !value.set {
		if value.fallback != "" {
			return value.fallback, nil
		}
		return "", errors.Errorf("missing parameter %s", parameterName)
	}
	return value.target, nil
}

// IsSet reports whether the parameter was given on the command line.
func (command *Command) IsSet(parameterName string) bool {
	value, ok := command.parameters[parameterName]
	return ok && value.set
}

func (command *Command) GetUintParameter(parameterName string, bitSize int) (uint64, error) {
	text, err := command.GetParameter(parameterName)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(text, 0, bitSize)
	if err != nil {
		return 0, errors.Errorf("%s must be an unsigned integer, '%s' received", parameterName, text)
	}
	return value, nil
}

func (command *Command) GetUint32Parameter(parameterName string) (uint32, error) {
	value, err := command.GetUintParameter(parameterName, 32)
	return uint32(value), err
}

type CommandList struct {
	name        string
	description string
	commands    map[string]*Command
	// set after parsing command line arguments
	currentCommandName string
}

func (cmdList *CommandList) sortedNames() []string {
	names := make([]string, 0, len(cmdList.commands))
	for name := range cmdList.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cmdList *CommandList) usages() string {
	commandUsages := make([]string, 0, len(cmdList.commands))
	for _, name := range cmdList.sortedNames() {
		commandUsages = append(commandUsages, fmt.Sprintf("%s %s", cmdList.name, cmdList.commands[name].usage()))
	}
	return strings.Join(commandUsages, "\n") + "\n"
}

func (cmdList *CommandList) Help() string {
	commandDescriptions := make([]string, 0, len(cmdList.commands))
	for _, name := range cmdList.sortedNames() {
		commandDescriptions = append(commandDescriptions, fmt.Sprintf("* '%s': %s", name, cmdList.commands[name].Help()))
	}
	return fmt.Sprintf(
		"%s - %s",
		cmdList.name,
		cmdList.description,
	) +
		"\nUsage:\n" +
		cmdList.usages() +
		"\nSupported commands:\n" +
		strings.Join(commandDescriptions, "\n\n")
}

func (cmdList *CommandList) AddCommand(name, description string) *Command {
	command := newCommand(name, description)
	cmdList.commands[name] = command
	return command
}

func (cmdList *CommandList) GetCommand(name string) (*Command, bool) {
	value, ok := cmdList.commands[name]
	return value, ok
}

func (cmdList *CommandList) Parse(args []string) error {
	if len(args) < 2 {
		return &ErrHelpPageRequested{helpMessage: cmdList.Help()}
	}
	commandName := args[1]
	commandArgs := args[2:]
	command, ok := cmdList.GetCommand(commandName)
	if !ok {
		if commandName == "--help" || commandName == "help" || commandName == "-h" {
			return &ErrHelpPageRequested{helpMessage: cmdList.Help()}
		}
		return &ErrCommandNotFound{commandName: commandName}
	}
	err := command.ParseArgs(commandArgs)
	if err != nil {
		return err
	}
	cmdList.currentCommandName = commandName
	return nil
}

func (cmdList *CommandList) GetCurrentCommand() (commandName string, command *Command) {
	if cmdList.currentCommandName == "" {
		return "", nil
	}
	cmd, ok := cmdList.GetCommand(cmdList.currentCommandName)
	if !ok {
		return "", nil
	}
	commandName = cmdList.currentCommandName
	command = cmd
	return
}

func NewCommandList(name, description string) *CommandList {
	return &CommandList{
		name:        name,
		description: description,
		commands:    make(map[string]*Command),
	}
}
