// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// ClientMessageType discriminates inbound client frames.
type ClientMessageType string

const (
	ClientReady   ClientMessageType = "ClientReady"
	StartSnapshot ClientMessageType = "StartSnapshot"
	ApplyChange   ClientMessageType = "ApplyChange"
	CursorChanged ClientMessageType = "CursorChanged"
	CursorLeft    ClientMessageType = "CursorLeft"
	Ping          ClientMessageType = "Ping"
	// ClientUnknown marks a frame whose type the server does not
	// recognise. Unknown frames are tolerated, not rejected, so that
	// newer clients keep working against older servers.
	ClientUnknown ClientMessageType = ""
)

// ClientMessage is a single inbound frame from a client.
type ClientMessage struct {
	Type     ClientMessageType
	Username string
	Change   Change
	X        float64
	Y        float64
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type     ClientMessageType `json:"type"`
		Username string            `json:"username"`
		Change   json.RawMessage   `json:"change"`
		X        float64           `json:"x"`
		Y        float64           `json:"y"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Trace(err)
	}
	msg := ClientMessage{Type: wire.Type, Username: wire.Username, X: wire.X, Y: wire.Y}
	switch wire.Type {
	case ClientReady, StartSnapshot, CursorChanged, CursorLeft, Ping:
	case ApplyChange:
		if err := json.Unmarshal(wire.Change, &msg.Change); err != nil {
			return errors.Trace(err)
		}
	default:
		msg = ClientMessage{Type: ClientUnknown}
	}
	*m = msg
	return nil
}

// MarshalJSON implements json.Marshaler. Client frames are only decoded by
// the server; marshalling exists for the test client.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case ClientReady:
		return json.Marshal(struct {
			Type     ClientMessageType `json:"type"`
			Username string            `json:"username"`
		}{m.Type, m.Username})
	case ApplyChange:
		return json.Marshal(struct {
			Type   ClientMessageType `json:"type"`
			Change Change            `json:"change"`
		}{m.Type, m.Change})
	case CursorChanged:
		return json.Marshal(struct {
			Type ClientMessageType `json:"type"`
			X    float64           `json:"x"`
			Y    float64           `json:"y"`
		}{m.Type, m.X, m.Y})
	case StartSnapshot, CursorLeft, Ping:
		return json.Marshal(struct {
			Type ClientMessageType `json:"type"`
		}{m.Type})
	}
	return nil, errors.Errorf("unknown client message type %q", m.Type)
}

// ServerMessageType discriminates outbound server frames.
type ServerMessageType string

const (
	ServerReady       ServerMessageType = "ServerReady"
	SnapshotChunk     ServerMessageType = "SnapshotChunk"
	SnapshotFinished  ServerMessageType = "SnapshotFinished"
	ChangeAccepted    ServerMessageType = "ChangeAccepted"
	UserJoined        ServerMessageType = "UserJoined"
	UserLeft          ServerMessageType = "UserLeft"
	UserCursorChanged ServerMessageType = "UserCursorChanged"
	UserCursorLeft    ServerMessageType = "UserCursorLeft"
)

// SnapshotEntry is one (object id, object) pair of a snapshot chunk. On the
// wire it is a two-element JSON array, [id, object].
type SnapshotEntry struct {
	ID     uuid.UUID
	Object Object
}

// MarshalJSON implements json.Marshaler.
func (e SnapshotEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.ID, e.Object})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *SnapshotEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Trace(err)
	}
	if len(pair) != 2 {
		return errors.Errorf("snapshot entry has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.ID); err != nil {
		return errors.Trace(err)
	}
	if err := json.Unmarshal(pair[1], &e.Object); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// ServerMessage is a single outbound frame to a client.
type ServerMessage struct {
	Type      ServerMessageType
	Entries   []SnapshotEntry
	Version   *string
	Change    Change
	SessionID uuid.UUID
	Username  string
	X         float64
	Y         float64
}

// MarshalJSON implements json.Marshaler.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case ServerReady:
		return json.Marshal(struct {
			Type ServerMessageType `json:"type"`
		}{m.Type})
	case SnapshotChunk:
		return json.Marshal(struct {
			Type    ServerMessageType `json:"type"`
			Entries []SnapshotEntry   `json:"entries"`
		}{m.Type, m.Entries})
	case SnapshotFinished:
		return json.Marshal(struct {
			Type    ServerMessageType `json:"type"`
			Version *string           `json:"version"`
		}{m.Type, m.Version})
	case ChangeAccepted:
		return json.Marshal(struct {
			Type      ServerMessageType `json:"type"`
			Change    Change            `json:"change"`
			SessionID uuid.UUID         `json:"session_id"`
		}{m.Type, m.Change, m.SessionID})
	case UserJoined:
		return json.Marshal(struct {
			Type      ServerMessageType `json:"type"`
			SessionID uuid.UUID         `json:"session_id"`
			Username  string            `json:"username"`
		}{m.Type, m.SessionID, m.Username})
	case UserLeft, UserCursorLeft:
		return json.Marshal(struct {
			Type      ServerMessageType `json:"type"`
			SessionID uuid.UUID         `json:"session_id"`
		}{m.Type, m.SessionID})
	case UserCursorChanged:
		return json.Marshal(struct {
			Type      ServerMessageType `json:"type"`
			SessionID uuid.UUID         `json:"session_id"`
			X         float64           `json:"x"`
			Y         float64           `json:"y"`
		}{m.Type, m.SessionID, m.X, m.Y})
	}
	return nil, errors.Errorf("unknown server message type %q", m.Type)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type      ServerMessageType `json:"type"`
		Entries   []SnapshotEntry   `json:"entries"`
		Version   *string           `json:"version"`
		Change    json.RawMessage   `json:"change"`
		SessionID uuid.UUID         `json:"session_id"`
		Username  string            `json:"username"`
		X         float64           `json:"x"`
		Y         float64           `json:"y"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Trace(err)
	}
	msg := ServerMessage{
		Type:      wire.Type,
		Entries:   wire.Entries,
		Version:   wire.Version,
		SessionID: wire.SessionID,
		Username:  wire.Username,
		X:         wire.X,
		Y:         wire.Y,
	}
	if wire.Type == ChangeAccepted {
		if err := json.Unmarshal(wire.Change, &msg.Change); err != nil {
			return errors.Trace(err)
		}
	}
	*m = msg
	return nil
}

// PresenceMessage is the envelope carried on a board's presence channel.
// The source session is recorded so that the originating session's own
// forwarder can filter the message out.
type PresenceMessage struct {
	SourceSession uuid.UUID     `json:"source_session"`
	Message       ServerMessage `json:"message"`
}
