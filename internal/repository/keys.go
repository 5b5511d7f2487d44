// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package repository

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Key namespace. Everything a board owns lives under board/{id}/, the
// per-session liveness key under session/{id}/.
//
//	board/{id}/changes   append-only change log (stream)
//	board/{id}/objects   materialized object map (JSON document)
//	board/{id}/version   last checkpointed entry id (string)
//	board/{id}/sessions  session id -> username (hash)
//	board/{id}/presence  presence channel (pub/sub)
//	session/{id}/checkin liveness key (TTL'd string)

func boardChangesKey(boardID uuid.UUID) string {
	return fmt.Sprintf("board/%s/changes", boardID)
}

func boardObjectsKey(boardID uuid.UUID) string {
	return fmt.Sprintf("board/%s/objects", boardID)
}

func boardVersionKey(boardID uuid.UUID) string {
	return fmt.Sprintf("board/%s/version", boardID)
}

func boardSessionsKey(boardID uuid.UUID) string {
	return fmt.Sprintf("board/%s/sessions", boardID)
}

func boardPresenceKey(boardID uuid.UUID) string {
	return fmt.Sprintf("board/%s/presence", boardID)
}

func sessionCheckinKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session/%s/checkin", sessionID)
}

var boardKeyRegexp = regexp.MustCompile(`^board/([^/]+)/.*$`)

// parseBoardIDFromKey extracts the board id from any key or channel name
// in the board/{id}/... namespace.
func parseBoardIDFromKey(key string) (uuid.UUID, error) {
	match := boardKeyRegexp.FindStringSubmatch(key)
	if match == nil {
		return uuid.Nil, errors.NotFoundf("board id in key %q", key)
	}
	boardID, err := uuid.Parse(match[1])
	if err != nil {
		return uuid.Nil, errors.Annotatef(err, "parsing board id in key %q", key)
	}
	return boardID, nil
}
