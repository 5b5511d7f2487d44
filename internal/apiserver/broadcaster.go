// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/collabd/collabd/internal/protocol"
)

// broadcastBatchSize is how many change entries the broadcaster asks for
// per read. The read blocks at the store for up to a second when the log
// is quiet, which is all the pacing this loop needs.
const broadcastBatchSize = 100

// broadcaster tails a board's change log from a snapshot's version and
// pushes every accepted change at the session, in entry-id order. It does
// not filter out changes that originated from its own session: the
// server-assigned order is authoritative, and the client reconciles its
// optimistic local application against it.
type broadcaster struct {
	tomb tomb.Tomb

	boardID uuid.UUID
	current string
	repo    Repository
	sender  *sender
}

func newBroadcaster(boardID uuid.UUID, version string, repo Repository, sender *sender) *broadcaster {
	b := &broadcaster{
		boardID: boardID,
		current: version,
		repo:    repo,
		sender:  sender,
	}
	b.tomb.Go(b.loop)
	return b
}

// Kill is part of the worker.Worker interface.
func (b *broadcaster) Kill() {
	b.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (b *broadcaster) Wait() error {
	return b.tomb.Wait()
}

func (b *broadcaster) loop() error {
	ctx := b.tomb.Context(context.Background())
	for {
		select {
		case <-b.tomb.Dying():
			return tomb.ErrDying
		default:
		}
		// Errors are fault-isolated: the tail resumes from the last
		// delivered entry. Cancellation surfaces here too, and the
		// dying check above turns it into a clean exit.
		if err := b.run(ctx); err != nil {
			logger.Debugf("broadcast for board %s: %v", b.boardID, err)
		}
	}
}

func (b *broadcaster) run(ctx context.Context) error {
	for {
		entries, err := b.repo.Changes(ctx, b.boardID, broadcastBatchSize, b.current)
		if err != nil {
			return errors.Trace(err)
		}
		if len(entries) == 0 {
			// The blocking read timed out; let the loop check for
			// death and come back.
			return nil
		}

		// Advance before sending: a send failure must not replay
		// entries that already went out.
		b.current = entries[len(entries)-1].ID

		for _, entry := range entries {
			err := b.sender.send(protocol.ServerMessage{
				Type:      protocol.ChangeAccepted,
				Change:    entry.Change,
				SessionID: entry.SessionID,
			})
			if err != nil {
				return errors.Trace(err)
			}
		}
	}
}
