// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

var websocketUpgrader = websocket.Upgrader{
	// The browser client is served from anywhere during development;
	// access control on boards is out of scope.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func websocketServer(w http.ResponseWriter, req *http.Request, handler func(conn *websocket.Conn)) {
	conn, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	defer conn.Close()
	handler(conn)
}

// isBrokenConn reports whether err has broken-connection semantics: the
// peer went away or the connection was torn down underneath us. Such
// errors are not failures of the write path; the read loop observes the
// close separately and drives the session to its end.
func isBrokenConn(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
