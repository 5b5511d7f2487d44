// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sessionchecker reconciles each board's sessions hash with the
// liveness ground truth: a session whose TTL'd checkin key has expired is
// removed and its departure announced. One instance runs per process.
package sessionchecker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/collabd/collabd/internal/repository"
)

var logger = loggo.GetLogger("collabd.sessionchecker")

// Period is the sleep between reconciliation passes. Together with the
// liveness TTL it bounds how long a dead session lingers in a board's
// sessions hash.
const Period = 10 * time.Second

// Repository is the slice of the data layer the session checker needs.
type Repository interface {
	AllBoardIDs(ctx context.Context) ([]uuid.UUID, error)
	Sessions(ctx context.Context, boardID uuid.UUID) ([]repository.Session, error)
	SessionExists(ctx context.Context, sessionID uuid.UUID) (bool, error)
	DeleteSession(ctx context.Context, boardID, sessionID uuid.UUID) error
}

// Config holds the dependencies and tuning of the session checker.
type Config struct {
	Repository Repository
	Clock      clock.Clock
	Period     time.Duration
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
	return nil
}

// Worker is the periodic session GC loop.
type Worker struct {
	tomb   tomb.Tomb
	config Config
}

// NewWorker starts a session checker. The first pass runs immediately;
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

	timer := w.config.Clock.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			if err := w.reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("session check pass failed: %v", err)
			}
			timer.Reset(w.config.Period)
		}
	}
}

func (w *Worker) reconcile(ctx context.Context) error {
	boardIDs, err := w.config.Repository.AllBoardIDs(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, boardID := range boardIDs {
		sessions, err := w.config.Repository.Sessions(ctx, boardID)
		if err != nil {
			return errors.Annotatef(err, "board %s", boardID)
		}
		for _, session := range sessions {
			alive, err := w.config.Repository.SessionExists(ctx, session.ID)
			if err != nil {
				return errors.Annotatef(err, "session %s", session.ID)
			}
			if alive {
				continue
			}
			logger.Infof("removing dead session %s from board %s", session.ID, boardID)
			if err := w.config.Repository.DeleteSession(ctx, boardID, session.ID); err != nil {
				return errors.Annotatef(err, "deleting session %s", session.ID)
			}
		}
	}
	return nil
}
