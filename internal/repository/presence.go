// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/collabd/collabd/internal/protocol"
)

const (
	// presenceBufferSize bounds how many presence messages a single
	// subscriber may have pending. Presence is best effort: a consumer
	// that falls further behind loses the oldest pending messages.
	presenceBufferSize = 1000

	// presenceRestartDelay spaces out resubscription attempts when the
	// store connection keeps failing.
	presenceRestartDelay = time.Second
)

func presenceTopic(boardID uuid.UUID) string {
	return "presence." + boardID.String()
}

// presenceLoop is the process-wide presence fan-in. It holds one
// dedicated subscriber connection pattern-subscribed to every board's
// presence channel and republishes each message on the in-process hub
// under its board's topic. The loop survives subscription failures for
// the life of the repository.
func (r *Repository) presenceLoop() error {
	for {
		if err := r.fanInPresence(); err != nil && !errors.Is(err, tomb.ErrDying) {
			logger.Warningf("presence subscription failed, resubscribing: %v", err)
		}
		select {
		case <-r.tomb.Dying():
			return tomb.ErrDying
		case <-r.clock.After(presenceRestartDelay):
		}
	}
}

func (r *Repository) fanInPresence() error {
	ctx := r.tomb.Context(context.Background())
	sub := r.client.PSubscribe(ctx, "board/*/presence")
	defer func() { _ = sub.Close() }()

	messages := sub.Channel()
	for {
		select {
		case <-r.tomb.Dying():
			return tomb.ErrDying
		case message, ok := <-messages:
			if !ok {
				return errors.New("presence subscription channel closed")
			}
			boardID, err := parseBoardIDFromKey(message.Channel)
			if err != nil {
				continue
			}
			var presence protocol.PresenceMessage
			if err := json.Unmarshal([]byte(message.Payload), &presence); err != nil {
				// Undecodable presence payloads are dropped silently;
				// presence is ephemeral and the next message supersedes
				// this one anyway.
				continue
			}
			_ = r.hub.Publish(presenceTopic(boardID), presence)
		}
	}
}

// PresenceReceiver delivers the presence messages of one board. It is a
// worker.Worker; Kill and Wait detach it from the hub. The Changes
// channel is closed when the receiver is killed.
type PresenceReceiver struct {
	tomb tomb.Tomb

	// The hub delivers into a bounded channel. We can't send down a
	// closed channel, so sending and closing are serialised by the
	// mutex and the closed flag.
	mu      sync.Mutex
	closed  bool
	changes chan protocol.PresenceMessage
}

// SubscribePresence returns a receiver for the presence messages of the
// given board, fed from the process-wide fan-in.
func (r *Repository) SubscribePresence(boardID uuid.UUID) *PresenceReceiver {
	w := &PresenceReceiver{
		changes: make(chan protocol.PresenceMessage, presenceBufferSize),
	}
	unsubscribe := r.hub.Subscribe(presenceTopic(boardID), w.onMessage)
	w.tomb.Go(func() error {
		<-w.tomb.Dying()
		unsubscribe()
		return nil
	})
	return w
}

// Changes returns the channel of presence messages for the subscribed
// board.
func (w *PresenceReceiver) Changes() <-chan protocol.PresenceMessage {
	return w.changes
}

// Kill is part of the worker.Worker interface.
func (w *PresenceReceiver) Kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.tomb.Kill(nil)
	w.closed = true
	close(w.changes)
}

// Wait is part of the worker.Worker interface.
func (w *PresenceReceiver) Wait() error {
	return w.tomb.Wait()
}

func (w *PresenceReceiver) onMessage(topic string, data interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	message, ok := data.(protocol.PresenceMessage)
	if !ok {
		logger.Criticalf("programming error: presence topic data expected PresenceMessage, got %T", data)
		return
	}
	select {
	case w.changes <- message:
	default:
		// Full buffer: drop the oldest pending message and take its
		// place. The hub calls us from a single goroutine per
		// subscriber and senders hold the mutex, so the two steps
		// below cannot interleave with another sender.
		select {
		case <-w.changes:
		default:
		}
		select {
		case w.changes <- message:
		default:
		}
	}
}
