// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"github.com/google/uuid"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

// presenceForwarder pushes a board's presence messages at one session,
// filtering out the messages that session itself originated. Presence is
// best effort: a send failure is logged and the stream carries on.
type presenceForwarder struct {
	tomb tomb.Tomb

	sessionID uuid.UUID
	receiver  PresenceReceiver
	sender    *sender
}

func newPresenceForwarder(sessionID uuid.UUID, receiver PresenceReceiver, sender *sender) *presenceForwarder {
	f := &presenceForwarder{
		sessionID: sessionID,
		receiver:  receiver,
		sender:    sender,
	}
	f.tomb.Go(f.loop)
	return f
}

// Kill is part of the worker.Worker interface.
func (f *presenceForwarder) Kill() {
	f.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (f *presenceForwarder) Wait() error {
	return f.tomb.Wait()
}

func (f *presenceForwarder) loop() error {
	defer func() {
		if err := worker.Stop(f.receiver); err != nil {
			logger.Debugf("stopping presence receiver: %v", err)
		}
	}()

	for {
		select {
		case <-f.tomb.Dying():
			return tomb.ErrDying
		case message, ok := <-f.receiver.Changes():
			if !ok {
				return nil
			}
			if message.SourceSession == f.sessionID {
				continue
			}
			if err := f.sender.send(message.Message); err != nil {
				logger.Debugf("forwarding presence to session %s: %v", f.sessionID, err)
			}
		}
	}
}
