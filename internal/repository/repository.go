// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package repository is the data access layer of the collaboration
// server. It is the only package that talks to the Redis-compatible
// store; everything above it works with typed operations on boards,
// sessions, changes and presence.
//
// Every operation is an idempotent unit wrapped in a bounded retry, so
// callers never see the store's transient failures. The repository also
// owns the process-wide presence subscription: one dedicated connection
// pattern-subscribed to every board's presence channel fans messages into
// an in-process hub shared by all sessions on this process.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/redis/go-redis/v9"
	"gopkg.in/tomb.v2"

	"github.com/collabd/collabd/internal/protocol"
)

var logger = loggo.GetLogger("collabd.repository")

const (
	// sessionTTL is the lifetime of a session's liveness key. A client
	// refreshes it with every inbound frame; a session that goes quiet
	// for longer is considered dead and garbage collected.
	sessionTTL = 30 * time.Second

	// changesBlock is how long a Changes read blocks at the store when
	// no entries are available. It doubles as the broadcaster's natural
	// backpressure.
	changesBlock = time.Second
)

// Session is one entry of a board's sessions hash.
type Session struct {
	ID       uuid.UUID
	Username string
}

// ChangeEntry is one entry of a board's change log: the store-assigned
// entry id, the session that published the change, and the change itself.
type ChangeEntry struct {
	ID        string
	SessionID uuid.UUID
	Change    protocol.Change
}

// Repository exposes the typed store operations of the collaboration
// server. It is safe for concurrent use; the underlying go-redis client
// carries the connection pool. Repository is a worker.Worker whose
// lifetime is the process-wide presence subscriber's.
type Repository struct {
	tomb   tomb.Tomb
	client redis.UniversalClient
	clock  clock.Clock
	hub    *pubsub.SimpleHub
}

// NewRepository returns a Repository on the given client and starts the
// presence fan-in subscriber. Kill and Wait stop it again.
func NewRepository(client redis.UniversalClient, clk clock.Clock) (*Repository, error) {
	if client == nil {
		return nil, errors.NotValidf("nil client")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil clock")
	}
	r := &Repository{
		client: client,
		clock:  clk,
		hub:    pubsub.NewSimpleHub(nil),
	}
	r.tomb.Go(r.presenceLoop)
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Repository) Kill() {
	r.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Repository) Wait() error {
	return r.tomb.Wait()
}

// CreateSession registers the session in the board's sessions hash,
// touches its liveness key and announces the join on the board's presence
// channel. Re-registering an existing session is idempotent apart from
// the repeated announcement.
func (r *Repository) CreateSession(ctx context.Context, boardID, sessionID uuid.UUID, username string) error {
	return withRetry(ctx, r.clock, func() error {
		if err := r.client.HSet(ctx, boardSessionsKey(boardID), sessionID.String(), username).Err(); err != nil {
			return errors.Trace(err)
		}
		if err := r.client.SetEx(ctx, sessionCheckinKey(sessionID), 1, sessionTTL).Err(); err != nil {
			return errors.Trace(err)
		}
		return r.publishPresence(ctx, boardID, protocol.PresenceMessage{
			SourceSession: sessionID,
			Message: protocol.ServerMessage{
				Type:      protocol.UserJoined,
				SessionID: sessionID,
				Username:  username,
			},
		})
	})
}

// Sessions returns the sessions currently attached to the board. Hash
// fields that do not parse as session ids are skipped.
func (r *Repository) Sessions(ctx context.Context, boardID uuid.UUID) ([]Session, error) {
	var sessions []Session
	err := withRetry(ctx, r.clock, func() error {
		fields, err := r.client.HGetAll(ctx, boardSessionsKey(boardID)).Result()
		if err != nil {
			return errors.Trace(err)
		}
		sessions = sessions[:0]
		for field, username := range fields {
			sessionID, err := uuid.Parse(field)
			if err != nil {
				continue
			}
			sessions = append(sessions, Session{ID: sessionID, Username: username})
		}
		return nil
	})
	return sessions, errors.Trace(err)
}

// DeleteSession removes the session from the board's sessions hash,
// deletes its liveness key and announces the departure.
func (r *Repository) DeleteSession(ctx context.Context, boardID, sessionID uuid.UUID) error {
	return withRetry(ctx, r.clock, func() error {
		if err := r.client.HDel(ctx, boardSessionsKey(boardID), sessionID.String()).Err(); err != nil {
			return errors.Trace(err)
		}
		if err := r.client.Del(ctx, sessionCheckinKey(sessionID)).Err(); err != nil {
			return errors.Trace(err)
		}
		return r.publishPresence(ctx, boardID, protocol.PresenceMessage{
			SourceSession: sessionID,
			Message: protocol.ServerMessage{
				Type:      protocol.UserLeft,
				SessionID: sessionID,
			},
		})
	})
}

// TouchSession refreshes the session's liveness key.
func (r *Repository) TouchSession(ctx context.Context, sessionID uuid.UUID) error {
	return withRetry(ctx, r.clock, func() error {
		return errors.Trace(r.client.SetEx(ctx, sessionCheckinKey(sessionID), 1, sessionTTL).Err())
	})
}

// SessionExists reports whether the session's liveness key is present.
func (r *Repository) SessionExists(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	var exists bool
	err := withRetry(ctx, r.clock, func() error {
		n, err := r.client.Exists(ctx, sessionCheckinKey(sessionID)).Result()
		if err != nil {
			return errors.Trace(err)
		}
		exists = n > 0
		return nil
	})
	return exists, errors.Trace(err)
}

// UpdateCursor announces a cursor move on the board's presence channel.
// Cursor positions are ephemeral; nothing is persisted.
func (r *Repository) UpdateCursor(ctx context.Context, boardID, sessionID uuid.UUID, x, y float64) error {
	return withRetry(ctx, r.clock, func() error {
		return r.publishPresence(ctx, boardID, protocol.PresenceMessage{
			SourceSession: sessionID,
			Message: protocol.ServerMessage{
				Type:      protocol.UserCursorChanged,
				SessionID: sessionID,
				X:         x,
				Y:         y,
			},
		})
	})
}

// DeleteCursor announces that the session's cursor left the board.
func (r *Repository) DeleteCursor(ctx context.Context, boardID, sessionID uuid.UUID) error {
	return withRetry(ctx, r.clock, func() error {
		return r.publishPresence(ctx, boardID, protocol.PresenceMessage{
			SourceSession: sessionID,
			Message: protocol.ServerMessage{
				Type:      protocol.UserCursorLeft,
				SessionID: sessionID,
			},
		})
	})
}

// AllBoardIDs enumerates the ids of every board with a change log, by
// scanning for board/*/changes keys. Keys that do not parse are skipped.
func (r *Repository) AllBoardIDs(ctx context.Context) ([]uuid.UUID, error) {
	var boardIDs []uuid.UUID
	err := withRetry(ctx, r.clock, func() error {
		boardIDs = boardIDs[:0]
		iter := r.client.Scan(ctx, 0, "board/*/changes", 0).Iterator()
		for iter.Next(ctx) {
			boardID, err := parseBoardIDFromKey(iter.Val())
			if err != nil {
				continue
			}
			boardIDs = append(boardIDs, boardID)
		}
		return errors.Trace(iter.Err())
	})
	return boardIDs, errors.Trace(err)
}

// Changes reads up to count entries of the board's change log with entry
// ids strictly after since ("" or "0" mean the beginning of the log). The
// read blocks at the store for up to a second when the log has nothing
// new, and may legitimately return an empty result. Entries with
// unparseable fields are skipped.
func (r *Repository) Changes(ctx context.Context, boardID uuid.UUID, count int, since string) ([]ChangeEntry, error) {
	if since == "" {
		since = "0"
	}
	var entries []ChangeEntry
	err := withRetry(ctx, r.clock, func() error {
		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{boardChangesKey(boardID), since},
			Count:   int64(count),
			Block:   changesBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			// Nothing arrived inside the block window.
			entries = nil
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}
		entries = entries[:0]
		for _, stream := range streams {
			for _, message := range stream.Messages {
				entry, ok := parseChangeEntry(message)
				if !ok {
					continue
				}
				entries = append(entries, entry)
			}
		}
		return nil
	})
	return entries, errors.Trace(err)
}

func parseChangeEntry(message redis.XMessage) (ChangeEntry, bool) {
	sessionField, ok := message.Values["session_id"].(string)
	if !ok {
		return ChangeEntry{}, false
	}
	sessionID, err := uuid.Parse(sessionField)
	if err != nil {
		return ChangeEntry{}, false
	}
	changeField, ok := message.Values["change"].(string)
	if !ok {
		return ChangeEntry{}, false
	}
	var change protocol.Change
	if err := json.Unmarshal([]byte(changeField), &change); err != nil {
		return ChangeEntry{}, false
	}
	return ChangeEntry{ID: message.ID, SessionID: sessionID, Change: change}, true
}

// PublishChange appends the change to the board's log and returns the
// store-assigned entry id. The store's assignment is what gives the log
// its total order.
func (r *Repository) PublishChange(ctx context.Context, boardID, sessionID uuid.UUID, change protocol.Change) (string, error) {
	payload, err := json.Marshal(change)
	if err != nil {
		return "", errors.Trace(err)
	}
	var entryID string
	err = withRetry(ctx, r.clock, func() error {
		var err error
		entryID, err = r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: boardChangesKey(boardID),
			ID:     "*",
			Values: map[string]interface{}{
				"change":     string(payload),
				"session_id": sessionID.String(),
			},
		}).Result()
		return errors.Trace(err)
	})
	return entryID, errors.Trace(err)
}

// ApplyChanges folds the given log prefix into the board's materialized
// object map, advances the version and trims the log, as one atomic
// transaction. The trim keeps entries with id >= version, so the entry at
// the new version itself survives as a marker; Changes reads strictly
// after the version, so the marker is never delivered twice.
func (r *Repository) ApplyChanges(ctx context.Context, boardID uuid.UUID, version string, changes []protocol.Change) error {
	objectsKey := boardObjectsKey(boardID)
	return withRetry(ctx, r.clock, func() error {
		pipe := r.client.TxPipeline()
		pipe.Do(ctx, "JSON.SET", objectsKey, ".", "{}", "NX")
		for _, change := range changes {
			switch change.Type {
			case protocol.ChangeDelete:
				pipe.Do(ctx, "JSON.DEL", objectsKey, "$."+change.ID.String())
			case protocol.ChangeInsert:
				object, err := json.Marshal(change.Object)
				if err != nil {
					return errors.Trace(err)
				}
				pipe.Do(ctx, "JSON.SET", objectsKey, "$."+change.ID.String(), string(object))
			case protocol.ChangeUpdate:
				value, err := json.Marshal(change.Value)
				if err != nil {
					return errors.Trace(err)
				}
				pipe.Do(ctx, "JSON.SET", objectsKey, "$."+change.ID.String()+"."+change.Key, string(value))
			default:
				return errors.Errorf("unknown change type %q", change.Type)
			}
		}
		pipe.Set(ctx, boardVersionKey(boardID), version, 0)
		pipe.XTrimMinID(ctx, boardChangesKey(boardID), version)
		_, err := pipe.Exec(ctx)
		return errors.Trace(err)
	})
}

// Version returns the entry id of the last change folded into the
// board's object map, or "0" when the board has never been checkpointed.
func (r *Repository) Version(ctx context.Context, boardID uuid.UUID) (string, error) {
	version := "0"
	err := withRetry(ctx, r.clock, func() error {
		value, err := r.client.Get(ctx, boardVersionKey(boardID)).Result()
		if errors.Is(err, redis.Nil) {
			version = "0"
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}
		version = value
		return nil
	})
	return version, errors.Trace(err)
}

func (r *Repository) publishPresence(ctx context.Context, boardID uuid.UUID, message protocol.PresenceMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.client.Publish(ctx, boardPresenceKey(boardID), string(payload)).Err())
}
