// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package checkpointer folds the tail of every board's change log into
// the board's materialized object map. Exactly one checkpointer runs per
// process; the fold itself is an atomic store transaction, so running it
// alongside live writers (or another process's checkpointer) is safe.
package checkpointer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/collabd/collabd/internal/protocol"
	"github.com/collabd/collabd/internal/repository"
)

var logger = loggo.GetLogger("collabd.checkpointer")

const (
	// Period is the sleep between full checkpoint passes.
	Period = 15 * time.Second
	// BatchSize bounds how many changes one pass folds per board.
	BatchSize = 1000
)

// Repository is the slice of the data layer the checkpointer needs.
type Repository interface {
	AllBoardIDs(ctx context.Context) ([]uuid.UUID, error)
	Version(ctx context.Context, boardID uuid.UUID) (string, error)
	Changes(ctx context.Context, boardID uuid.UUID, count int, since string) ([]repository.ChangeEntry, error)
	ApplyChanges(ctx context.Context, boardID uuid.UUID, version string, changes []protocol.Change) error
}

// Config holds the dependencies and tuning of the checkpointer.
type Config struct {
	Repository Repository
	Clock      clock.Clock
	Period     time.Duration
	BatchSize  int
}

// Validate ensures the configuration is complete.
func (c Config) Validate() error {
	if c.Repository == nil {
		return errors.NotValidf("nil Repository")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Period <= 0 {
		return errors.NotValidf("non-positive Period")
	}
	if c.BatchSize <= 0 {
		return errors.NotValidf("non-positive BatchSize")
	}
	return nil
}

// Worker is the periodic checkpoint loop.
type Worker struct {
	tomb   tomb.Tomb
	config Config
}

// NewWorker starts a checkpointer. The first pass runs immediately;
// subsequent passes are Period apart.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	ctx := w.tomb.Context(context.Background())

	// Run once at startup before settling into the period.
	timer := w.config.Clock.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			// A failed pass is retried at the next tick; boards not
			// reached this time are caught up then.
			if err := w.checkpoint(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("checkpoint pass failed: %v", err)
			}
			timer.Reset(w.config.Period)
		}
	}
}

func (w *Worker) checkpoint(ctx context.Context) error {
	boardIDs, err := w.config.Repository.AllBoardIDs(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, boardID := range boardIDs {
		if err := w.checkpointBoard(ctx, boardID); err != nil {
			return errors.Annotatef(err, "board %s", boardID)
		}
	}
	return nil
}

func (w *Worker) checkpointBoard(ctx context.Context, boardID uuid.UUID) error {
	version, err := w.config.Repository.Version(ctx, boardID)
	if err != nil {
		return errors.Trace(err)
	}
	entries, err := w.config.Repository.Changes(ctx, boardID, w.config.BatchSize, version)
	if err != nil {
		return errors.Trace(err)
	}
	if len(entries) == 0 {
		return nil
	}

	nextVersion := entries[len(entries)-1].ID
	changes := make([]protocol.Change, len(entries))
	for i, entry := range entries {
		changes[i] = entry.Change
	}

	logger.Debugf("checkpointing board %s: %d changes, version %s -> %s",
		boardID, len(changes), version, nextVersion)
	return errors.Trace(w.config.Repository.ApplyChanges(ctx, boardID, nextVersion, changes))
}
