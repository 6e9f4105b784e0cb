// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"iscsiinitiator/pkg/api"
	"iscsiinitiator/pkg/cli"
	"iscsiinitiator/pkg/iscsi_initiator"
	"iscsiinitiator/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func newCommandList() *cli.CommandList {
	commands := cli.NewCommandList(
		"iscsid",
		"iSCSI initiator daemon\n",
	)
	commands.AddCommand(
		"run",
		"Run the initiator and serve the control socket.",
	).AddParameter(
		"-c",
		"config",
		"path to a JSON configuration file",
		"path",
		false,
	).AddParameter(
		"-s",
		"socket",
		"control socket path, overrides the configuration",
		"path",
		false,
	).AddParameter(
		"-l",
		"log_level",
		"error, warning, info or debug, overrides the configuration",
		"level",
		false,
	).AddParameter(
		"-P",
		"pprof",
		"address to serve pprof on, e.g. localhost:6060",
		"address",
		false,
	)
	return commands
}

func loadConfig(command *cli.Command) (iscsi_initiator.Config, error) {
	config := iscsi_initiator.DefaultConfig()
	if command.IsSet("config") {
		path, _ := command.GetParameter("config")
		loaded, err := iscsi_initiator.LoadConfig(path)
		if err != nil {
			return config, err
		}
		config = loaded
	}
	if command.IsSet("socket") {
		config.SocketPath, _ = command.GetParameter("socket")
	}
	if command.IsSet("log_level") {
		config.LogLevel, _ = command.GetParameter("log_level")
	}
	return config, nil
}

func run(command *cli.Command) error {
	config, err := loadConfig(command)
	if err != nil {
		return err
	}
	level, err := logger.ParseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLoggingConfig(level)
	log := logger.GetLogger()
	if command.IsSet("pprof") {
		address, _ := command.GetParameter("pprof")
		go func() {
			err := http.ListenAndServe(address, nil)
			log.Errorf("pprof: %v", err)
		}()
	}

	engine, err := iscsi_initiator.NewEngine(config)
	if err != nil {
		return err
	}
	apiServer := api.NewApiServer(engine, config.SocketPath)
	if err := apiServer.Listen(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infof("initiator %s serving %s", config.InitiatorName, config.SocketPath)
	serveErr := apiServer.Serve(ctx)
	if serveErr != nil {
		log.Error(serveErr)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %s", err)
	}
	return serveErr
}

func main() {
	commands := newCommandList()
	err := commands.Parse(os.Args)
	if err != nil {
		var helpCmd *cli.ErrHelpPageRequested
		if errors.As(err, &helpCmd) {
			fmt.Println(helpCmd)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_, command := commands.GetCurrentCommand()
	if err := run(command); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
