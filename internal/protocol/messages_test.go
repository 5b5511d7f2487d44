// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package protocol_test

import (
	"encoding/json"

	"github.com/google/uuid"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/collabd/collabd/internal/protocol"
)

type messagesSuite struct{}

var _ = gc.Suite(&messagesSuite{})

func (s *messagesSuite) TestClientMessageDecode(c *gc.C) {
	var msg protocol.ClientMessage
	err := json.Unmarshal([]byte(`{"type":"ClientReady","username":"ada"}`), &msg)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(msg, jc.DeepEquals, protocol.ClientMessage{
		Type:     protocol.ClientReady,
		Username: "ada",
	})

	err = json.Unmarshal([]byte(`{"type":"CursorChanged","x":12.5,"y":-3}`), &msg)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(msg.Type, gc.Equals, protocol.CursorChanged)
	c.Assert(msg.X, gc.Equals, 12.5)
	c.Assert(msg.Y, gc.Equals, -3.0)
}

func (s *messagesSuite) TestClientMessageDecodeApplyChange(c *gc.C) {
	id := uuid.New()
	raw, err := json.Marshal(protocol.ClientMessage{
		Type:   protocol.ApplyChange,
		Change: protocol.UpdateChange(id, "x", 4.0),
	})
	c.Assert(err, jc.ErrorIsNil)

	var msg protocol.ClientMessage
	err = json.Unmarshal(raw, &msg)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(msg.Type, gc.Equals, protocol.ApplyChange)
	c.Assert(msg.Change, jc.DeepEquals, protocol.UpdateChange(id, "x", 4.0))
}

func (s *messagesSuite) TestClientMessageUnknownTolerated(c *gc.C) {
	// A frame of a type this server has never heard of decodes to
	// ClientUnknown rather than failing the connection.
	var msg protocol.ClientMessage
	err := json.Unmarshal([]byte(`{"type":"FancyNewThing","payload":{"a":1}}`), &msg)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(msg, jc.DeepEquals, protocol.ClientMessage{Type: protocol.ClientUnknown})
}

func (s *messagesSuite) TestSnapshotEntryWireFormat(c *gc.C) {
	id := uuid.MustParse("5bd30f9b-ae4d-4a0e-8d2a-94be3a5d84e5")
	data, err := json.Marshal(protocol.SnapshotEntry{
		ID:     id,
		Object: protocol.Object{"kind": "note"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals,
		`["5bd30f9b-ae4d-4a0e-8d2a-94be3a5d84e5",{"kind":"note"}]`)

	var entry protocol.SnapshotEntry
	err = json.Unmarshal(data, &entry)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(entry.ID, gc.Equals, id)
	c.Assert(entry.Object, jc.DeepEquals, protocol.Object{"kind": "note"})
}

func (s *messagesSuite) TestSnapshotEntryRejectsWrongArity(c *gc.C) {
	var entry protocol.SnapshotEntry
	err := json.Unmarshal([]byte(`["5bd30f9b-ae4d-4a0e-8d2a-94be3a5d84e5"]`), &entry)
	c.Assert(err, gc.ErrorMatches, "snapshot entry has 1 elements, want 2")
}

func (s *messagesSuite) TestServerMessageWireFormats(c *gc.C) {
	session := uuid.MustParse("e1bfd1f7-3c25-4d8a-a6ce-6a5b97f0c777")
	version := "1700000000000-0"
	for _, test := range []struct {
		message  protocol.ServerMessage
		expected string
	}{{
		message:  protocol.ServerMessage{Type: protocol.ServerReady},
		expected: `{"type":"ServerReady"}`,
	}, {
		message: protocol.ServerMessage{
			Type:    protocol.SnapshotFinished,
			Version: &version,
		},
		expected: `{"type":"SnapshotFinished","version":"1700000000000-0"}`,
	}, {
		message: protocol.ServerMessage{
			Type:      protocol.UserJoined,
			SessionID: session,
			Username:  "ada",
		},
		expected: `{"type":"UserJoined","session_id":"e1bfd1f7-3c25-4d8a-a6ce-6a5b97f0c777","username":"ada"}`,
	}, {
		message: protocol.ServerMessage{
			Type:      protocol.UserLeft,
			SessionID: session,
		},
		expected: `{"type":"UserLeft","session_id":"e1bfd1f7-3c25-4d8a-a6ce-6a5b97f0c777"}`,
	}, {
		message: protocol.ServerMessage{
			Type:      protocol.UserCursorChanged,
			SessionID: session,
			X:         1,
			Y:         2,
		},
		expected: `{"type":"UserCursorChanged","session_id":"e1bfd1f7-3c25-4d8a-a6ce-6a5b97f0c777","x":1,"y":2}`,
	}, {
		message: protocol.ServerMessage{
			Type:      protocol.UserCursorLeft,
			SessionID: session,
		},
		expected: `{"type":"UserCursorLeft","session_id":"e1bfd1f7-3c25-4d8a-a6ce-6a5b97f0c777"}`,
	}} {
		data, err := json.Marshal(test.message)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(string(data), gc.Equals, test.expected)
	}
}

func (s *messagesSuite) TestChangeAcceptedRoundTrip(c *gc.C) {
	session := uuid.New()
	message := protocol.ServerMessage{
		Type:      protocol.ChangeAccepted,
		Change:    protocol.DeleteChange(uuid.New()),
		SessionID: session,
	}
	data, err := json.Marshal(message)
	c.Assert(err, jc.ErrorIsNil)

	var got protocol.ServerMessage
	err = json.Unmarshal(data, &got)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, jc.DeepEquals, message)
}

func (s *messagesSuite) TestPresenceMessageRoundTrip(c *gc.C) {
	message := protocol.PresenceMessage{
		SourceSession: uuid.New(),
		Message: protocol.ServerMessage{
			Type:      protocol.UserCursorChanged,
			SessionID: uuid.New(),
			X:         3,
			Y:         4,
		},
	}
	data, err := json.Marshal(message)
	c.Assert(err, jc.ErrorIsNil)

	var got protocol.PresenceMessage
	err = json.Unmarshal(data, &got)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, jc.DeepEquals, message)
}
