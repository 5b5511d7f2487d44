// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"

	"github.com/collabd/collabd/internal/protocol"
)

type boardHandlerConfig struct {
	boardID           uuid.UUID
	sessionID         uuid.UUID
	repo              Repository
	subscribePresence func(boardID uuid.UUID) PresenceReceiver
	sender            *sender
	conn              *websocket.Conn
}

// boardHandler drives one session's state machine:
//
//	NEW -> ClientReady -> JOINED -> StartSnapshot -> STREAMING -> CLOSED
//
// It owns the socket read half and the two per-session workers that push
// frames at the shared sender: the presence forwarder, spawned
// immediately, and the broadcaster, spawned on each StartSnapshot.
type boardHandler struct {
	boardHandlerConfig

	closed      bool
	presence    worker.Worker
	broadcaster worker.Worker
}

func newBoardHandler(config boardHandlerConfig) *boardHandler {
	return &boardHandler{boardHandlerConfig: config}
}

// serve runs the session until the connection closes. The outer loop
// gives per-frame fault isolation: errors out of run are logged and the
// loop re-enters, so one failing operation cannot drop the session.
func (h *boardHandler) serve(ctx context.Context) {
	h.presence = newPresenceForwarder(h.sessionID, h.subscribePresence(h.boardID), h.sender)

	for !h.closed {
		if err := h.run(ctx); err != nil {
			logger.Errorf("board %s session %s: %v", h.boardID, h.sessionID, err)
		}
	}

	h.shutdown(ctx)
}

func (h *boardHandler) run(ctx context.Context) error {
	for !h.closed {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			// Close frame, end of stream or broken connection; the
			// distinction does not matter here, the session is over.
			logger.Tracef("board %s session %s read: %v", h.boardID, h.sessionID, err)
			h.closed = true
			return nil
		}

		var message protocol.ClientMessage
		if err := json.Unmarshal(data, &message); err != nil {
			// Undecodable frames are dropped; the connection lives on.
			logger.Debugf("board %s session %s: dropping frame: %v", h.boardID, h.sessionID, err)
		} else if err := h.dispatch(ctx, message); err != nil {
			return errors.Trace(err)
		}

		// Every inbound frame, recognised or not, proves the client is
		// alive.
		if err := h.repo.TouchSession(ctx, h.sessionID); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (h *boardHandler) dispatch(ctx context.Context, message protocol.ClientMessage) error {
	switch message.Type {
	case protocol.ClientReady:
		return h.onClientReady(ctx, message.Username)
	case protocol.StartSnapshot:
		return h.onStartSnapshot(ctx)
	case protocol.ApplyChange:
		_, err := h.repo.PublishChange(ctx, h.boardID, h.sessionID, message.Change)
		return errors.Trace(err)
	case protocol.CursorChanged:
		return errors.Trace(h.repo.UpdateCursor(ctx, h.boardID, h.sessionID, message.X, message.Y))
	case protocol.CursorLeft:
		return errors.Trace(h.repo.DeleteCursor(ctx, h.boardID, h.sessionID))
	case protocol.Ping:
		// Receiving it is the acknowledgement; the liveness touch below
		// is the point.
	}
	return nil
}

// onClientReady registers the session and replays the board's current
// attendance before confirming readiness. A repeated ClientReady is an
// idempotent re-register.
func (h *boardHandler) onClientReady(ctx context.Context, username string) error {
	if err := h.repo.CreateSession(ctx, h.boardID, h.sessionID, username); err != nil {
		return errors.Trace(err)
	}
	sessions, err := h.repo.Sessions(ctx, h.boardID)
	if err != nil {
		return errors.Trace(err)
	}
	for _, session := range sessions {
		if session.ID == h.sessionID {
			continue
		}
		err := h.sender.send(protocol.ServerMessage{
			Type:      protocol.UserJoined,
			SessionID: session.ID,
			Username:  session.Username,
		})
		if err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(h.sender.send(protocol.ServerMessage{Type: protocol.ServerReady}))
}

// onStartSnapshot streams a consistent snapshot and then starts tailing
// the change log from the snapshot's version. Entries at or before the
// version are reflected in the snapshot; entries after it arrive through
// the broadcaster, so the client sees a consistent prefix of history.
func (h *boardHandler) onStartSnapshot(ctx context.Context) error {
	if h.broadcaster != nil {
		if err := worker.Stop(h.broadcaster); err != nil {
			logger.Debugf("stopping broadcaster for re-snapshot: %v", err)
		}
		h.broadcaster = nil
	}

	version, err := h.repo.Version(ctx, h.boardID)
	if err != nil {
		return errors.Trace(err)
	}
	err = h.repo.ObjectChunks(ctx, h.boardID, func(entries []protocol.SnapshotEntry) error {
		return errors.Trace(h.sender.send(protocol.ServerMessage{
			Type:    protocol.SnapshotChunk,
			Entries: entries,
		}))
	})
	if err != nil {
		return errors.Trace(err)
	}
	err = h.sender.send(protocol.ServerMessage{
		Type:    protocol.SnapshotFinished,
		Version: &version,
	})
	if err != nil {
		return errors.Trace(err)
	}

	h.broadcaster = newBroadcaster(h.boardID, version, h.repo, h.sender)
	return nil
}

// shutdown releases the session: no more frames go out, the workers are
// stopped and awaited, and the session is deregistered (which announces
// the departure to the other collaborators).
func (h *boardHandler) shutdown(ctx context.Context) {
	h.sender.close()
	if err := worker.Stop(h.presence); err != nil {
		logger.Debugf("stopping presence forwarder: %v", err)
	}
	if h.broadcaster != nil {
		if err := worker.Stop(h.broadcaster); err != nil {
			logger.Debugf("stopping broadcaster: %v", err)
		}
	}
	if err := h.repo.DeleteSession(ctx, h.boardID, h.sessionID); err != nil {
		logger.Errorf("deleting session %s on board %s: %v", h.sessionID, h.boardID, err)
	}
}
