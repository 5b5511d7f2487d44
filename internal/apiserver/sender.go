// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/collabd/collabd/internal/protocol"
)

// sender is the shared write half of one session's socket. Three
// producers write through it: the board handler (handshake and snapshot),
// the broadcaster and the presence forwarder, so writes are serialised by
// the mutex. Once closed, sends succeed silently; the read loop is the
// sole driver of connection teardown.
type sender struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newSender(conn *websocket.Conn) *sender {
	return &sender{conn: conn}
}

// send writes one frame. Broken-connection write errors are swallowed.
func (s *sender) send(message protocol.ServerMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Trace(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil && !isBrokenConn(err) {
		return errors.Trace(err)
	}
	return nil
}

// close marks the sender closed. It does not close the underlying
// connection; the endpoint owns that.
func (s *sender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
