// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package repository

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"

	"github.com/collabd/collabd/internal/protocol"
)

// snapshotChunkSize is how many objects a single snapshot chunk carries.
// Chunking bounds the memory held per chunk and gets the first paint to
// the client before the whole board has been read.
const snapshotChunkSize = 100

// ObjectChunks reads the board's materialized object map in chunks of up
// to snapshotChunkSize objects, calling each for every chunk in turn. A
// board with no objects document yields no chunks. Iteration stops at the
// first error from each.
func (r *Repository) ObjectChunks(ctx context.Context, boardID uuid.UUID, each func([]protocol.SnapshotEntry) error) error {
	objectsKey := boardObjectsKey(boardID)

	var paths []string
	err := withRetry(ctx, r.clock, func() error {
		result, err := r.client.Do(ctx, "JSON.OBJKEYS", objectsKey, ".").Result()
		if errors.Is(err, redis.Nil) {
			paths = nil
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}
		paths = objectPaths(result)
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}

	for start := 0; start < len(paths); start += snapshotChunkSize {
		end := start + snapshotChunkSize
		if end > len(paths) {
			end = len(paths)
		}
		chunkPaths := paths[start:end]

		var entries []protocol.SnapshotEntry
		err := withRetry(ctx, r.clock, func() error {
			args := make([]interface{}, 0, len(chunkPaths)+2)
			args = append(args, "JSON.GET", objectsKey)
			for _, path := range chunkPaths {
				args = append(args, path)
			}
			payload, err := r.client.Do(ctx, args...).Text()
			if errors.Is(err, redis.Nil) {
				entries = nil
				return nil
			} else if err != nil {
				return errors.Trace(err)
			}
			entries = parseObjectChunk(chunkPaths, payload)
			return nil
		})
		if err != nil {
			return errors.Trace(err)
		}
		if err := each(entries); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// objectPaths converts a JSON.OBJKEYS reply into JSONPath expressions for
// the top-level object ids.
func objectPaths(result interface{}) []string {
	keys, ok := result.([]interface{})
	if !ok {
		return nil
	}
	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		switch key := key.(type) {
		case string:
			paths = append(paths, "$."+key)
		case []byte:
			paths = append(paths, "$."+string(key))
		}
	}
	return paths
}

// parseObjectChunk decodes a multi-path JSON.GET reply. The store answers
// a single-path query with a one-element array of results, and a
// multi-path query with an object mapping each path to such an array.
// Malformed ids and missing values are skipped.
func parseObjectChunk(paths []string, payload string) []protocol.SnapshotEntry {
	if len(paths) == 1 {
		var values []protocol.Object
		if err := json.Unmarshal([]byte(payload), &values); err != nil || len(values) == 0 {
			return nil
		}
		id, err := uuid.Parse(strings.TrimPrefix(paths[0], "$."))
		if err != nil {
			return nil
		}
		return []protocol.SnapshotEntry{{ID: id, Object: values[len(values)-1]}}
	}

	var byPath map[string][]protocol.Object
	if err := json.Unmarshal([]byte(payload), &byPath); err != nil {
		return nil
	}
	entries := make([]protocol.SnapshotEntry, 0, len(byPath))
	for path, values := range byPath {
		if len(values) == 0 {
			continue
		}
		id, err := uuid.Parse(strings.TrimPrefix(path, "$."))
		if err != nil {
			continue
		}
		entries = append(entries, protocol.SnapshotEntry{ID: id, Object: values[len(values)-1]})
	}
	return entries
}
