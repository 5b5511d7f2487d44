// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// ChangeType discriminates the variants of a Change.
type ChangeType string

const (
	// ChangeInsert introduces a new object to the board.
	ChangeInsert ChangeType = "Insert"
	// ChangeUpdate replaces one top-level key of an existing object.
	ChangeUpdate ChangeType = "Update"
	// ChangeDelete removes an object from the board.
	ChangeDelete ChangeType = "Delete"
)

// Object is a board object: a JSON object keyed by string.
type Object = map[string]interface{}

// Change is a single mutation of a board's object set. Exactly one of the
// variant field sets is meaningful, selected by Type:
//
//	Insert: ID, Object
//	Update: ID, Key, Value
//	Delete: ID
//
// The wire encoding is a JSON object tagged by a "type" field, carrying
// only the variant's own fields.
type Change struct {
	Type   ChangeType
	ID     uuid.UUID
	Object Object
	Key    string
	Value  interface{}
}

// InsertChange returns an Insert change for the given object.
func InsertChange(id uuid.UUID, object Object) Change {
	return Change{Type: ChangeInsert, ID: id, Object: object}
}

// UpdateChange returns an Update change setting one top-level key.
func UpdateChange(id uuid.UUID, key string, value interface{}) Change {
	return Change{Type: ChangeUpdate, ID: id, Key: key, Value: value}
}

// DeleteChange returns a Delete change for the given object id.
func DeleteChange(id uuid.UUID) Change {
	return Change{Type: ChangeDelete, ID: id}
}

type insertChangeWire struct {
	Type   ChangeType `json:"type"`
	ID     uuid.UUID  `json:"id"`
	Object Object     `json:"object"`
}

type updateChangeWire struct {
	Type  ChangeType  `json:"type"`
	ID    uuid.UUID   `json:"id"`
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

type deleteChangeWire struct {
	Type ChangeType `json:"type"`
	ID   uuid.UUID  `json:"id"`
}

// MarshalJSON implements json.Marshaler.
func (ch Change) MarshalJSON() ([]byte, error) {
	switch ch.Type {
	case ChangeInsert:
		return json.Marshal(insertChangeWire{Type: ch.Type, ID: ch.ID, Object: ch.Object})
	case ChangeUpdate:
		// Value goes through updateChangeWire without omitempty so that
		// null, false and zero survive the round trip.
		return json.Marshal(updateChangeWire{Type: ch.Type, ID: ch.ID, Key: ch.Key, Value: ch.Value})
	case ChangeDelete:
		return json.Marshal(deleteChangeWire{Type: ch.Type, ID: ch.ID})
	}
	return nil, errors.Errorf("unknown change type %q", ch.Type)
}

// UnmarshalJSON implements json.Unmarshaler.
func (ch *Change) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type ChangeType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return errors.Trace(err)
	}
	switch tag.Type {
	case ChangeInsert:
		var wire insertChangeWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return errors.Trace(err)
		}
		*ch = Change{Type: ChangeInsert, ID: wire.ID, Object: wire.Object}
	case ChangeUpdate:
		var wire updateChangeWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return errors.Trace(err)
		}
		*ch = Change{Type: ChangeUpdate, ID: wire.ID, Key: wire.Key, Value: wire.Value}
	case ChangeDelete:
		var wire deleteChangeWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return errors.Trace(err)
		}
		*ch = Change{Type: ChangeDelete, ID: wire.ID}
	default:
		return errors.Errorf("unknown change type %q", tag.Type)
	}
	return nil
}
