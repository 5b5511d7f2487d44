// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/collabd/collabd/internal/protocol"
)

type senderSuite struct{}

var _ = gc.Suite(&senderSuite{})

func (s *senderSuite) TestSendWritesFrame(c *gc.C) {
	server, client, cleanup := newWebsocketPair(c)
	defer cleanup()

	snd := newSender(server)
	err := snd.send(protocol.ServerMessage{Type: protocol.ServerReady})
	c.Assert(err, jc.ErrorIsNil)

	_, data, err := client.ReadMessage()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, `{"type":"ServerReady"}`)
}

func (s *senderSuite) TestSendAfterCloseIsSilent(c *gc.C) {
	server, _, cleanup := newWebsocketPair(c)
	defer cleanup()

	snd := newSender(server)
	snd.close()
	err := snd.send(protocol.ServerMessage{Type: protocol.ServerReady})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *senderSuite) TestSendSwallowsBrokenConn(c *gc.C) {
	server, _, cleanup := newWebsocketPair(c)
	defer cleanup()

	snd := newSender(server)
	c.Assert(server.Close(), jc.ErrorIsNil)

	err := snd.send(protocol.ServerMessage{Type: protocol.ServerReady})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *senderSuite) TestSendRejectsUnencodableMessage(c *gc.C) {
	server, _, cleanup := newWebsocketPair(c)
	defer cleanup()

	snd := newSender(server)
	err := snd.send(protocol.ServerMessage{Type: "Bogus"})
	c.Assert(err, gc.ErrorMatches, `.*unknown server message type "Bogus".*`)
}
