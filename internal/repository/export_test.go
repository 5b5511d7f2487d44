// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package repository

var (
	ParseBoardIDFromKey = parseBoardIDFromKey
	ObjectPaths         = objectPaths
	ParseObjectChunk    = parseObjectChunk
	IsTransient         = isTransient
	WithRetry           = withRetry

	BoardChangesKey   = boardChangesKey
	BoardSessionsKey  = boardSessionsKey
	BoardVersionKey   = boardVersionKey
	SessionCheckinKey = sessionCheckinKey
)

// Deliver injects a message as if it arrived from the hub.
func (w *PresenceReceiver) Deliver(topic string, data interface{}) {
	w.onMessage(topic, data)
}
