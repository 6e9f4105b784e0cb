// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"iscsiinitiator/pkg/logger"
)

type DemonApiServer struct {
	handler       DemonApiHandler
	socketAddress string
	log           *logger.Logger

	mutex    sync.Mutex
	listener net.Listener
}

func NewApiServer(engine Engine, socketAddress string) *DemonApiServer {
	return &DemonApiServer{
		handler:       DemonApiHandler{engine: engine},
		socketAddress: socketAddress,
		log:           logger.GetLogger().WithField("component", "api"),
	}
}

func (server *DemonApiServer) HandleConnection(ctx context.Context, connection net.Conn) {
	defer func() {
		err := connection.Close()
		if err != nil {
			server.log.Debug(err)
		}
	}()
	reader := bufio.NewReader(connection)
	delimiter := byte('\n')
	requestBytes, err := reader.ReadBytes(delimiter)
	if err != nil {
		server.log.Warn(err)
		return
	}
	request, err := ParseRequest(requestBytes[:len(requestBytes)-1])
	if err != nil {
		server.log.Warn(err)
		server.sendResponse(connection, ErrorResponse(err), delimiter)
		return
	}
	server.log.Debugf("request %s", request.Type)
	response := server.handler.HandleRequest(ctx, request)
	server.sendResponse(connection, response, delimiter)
}

func (server *DemonApiServer) sendResponse(connection net.Conn, response Response, delimiter byte) {
	response.Error = strings.Replace(response.Error, "\n", `\n`, -1)
	result, err := json.Marshal(response)
	if err != nil {
		server.log.Error(err)
		return
	}
	_, err = connection.Write(append(result, delimiter))
	if err != nil {
		server.log.Warn(err)
	}
}

// Listen binds the unix socket, replacing a stale one.
func (server *DemonApiServer) Listen() error {
	if err := os.RemoveAll(server.socketAddress); err != nil {
		return errors.Wrapf(err, "remove %s", server.socketAddress)
	}
	listener, err := net.Listen("unix", server.socketAddress)
	if err != nil {
		return errors.Wrap(err, "listen error")
	}
	server.mutex.Lock()
	server.listener = listener
	server.mutex.Unlock()
	return nil
}

// Serve accepts requests until ctx is done or Close is called.
func (server *DemonApiServer) Serve(ctx context.Context) error {
	server.mutex.Lock()
	listener := server.listener
	server.mutex.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}
	stop := context.AfterFunc(ctx, func() { _ = server.Close() })
	defer stop()
	for {
		connection, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept error")
		}
		go server.HandleConnection(ctx, connection)
	}
}

func (server *DemonApiServer) Close() error {
	server.mutex.Lock()
	listener := server.listener
	server.listener = nil
	server.mutex.Unlock()
	if listener == nil {
		return nil
	}
	err := listener.Close()
	_ = os.Remove(server.socketAddress)
	return err
}
