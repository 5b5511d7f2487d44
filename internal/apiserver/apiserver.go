// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the websocket endpoint clients attach to and
// drives the per-session collaboration pipeline: the board handler state
// machine, the change broadcaster and the presence forwarder.
package apiserver

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"

	"github.com/collabd/collabd/internal/protocol"
	"github.com/collabd/collabd/internal/repository"
)

var logger = loggo.GetLogger("collabd.apiserver")

// Repository is the slice of the data layer the endpoint needs.
type Repository interface {
	CreateSession(ctx context.Context, boardID, sessionID uuid.UUID, username string) error
	Sessions(ctx context.Context, boardID uuid.UUID) ([]repository.Session, error)
	DeleteSession(ctx context.Context, boardID, sessionID uuid.UUID) error
	TouchSession(ctx context.Context, sessionID uuid.UUID) error
	UpdateCursor(ctx context.Context, boardID, sessionID uuid.UUID, x, y float64) error
	DeleteCursor(ctx context.Context, boardID, sessionID uuid.UUID) error
	PublishChange(ctx context.Context, boardID, sessionID uuid.UUID, change protocol.Change) (string, error)
	Version(ctx context.Context, boardID uuid.UUID) (string, error)
	ObjectChunks(ctx context.Context, boardID uuid.UUID, each func([]protocol.SnapshotEntry) error) error
	Changes(ctx context.Context, boardID uuid.UUID, count int, since string) ([]repository.ChangeEntry, error)
}

// PresenceReceiver delivers one board's presence messages until killed.
type PresenceReceiver interface {
	worker.Worker
	Changes() <-chan protocol.PresenceMessage
}

// Config holds the dependencies of a Server.
type Config struct {
	Repository        Repository
	SubscribePresence func(boardID uuid.UUID) PresenceReceiver
}

// Validate ensures the configuration is complete.
func (c Config) Validate() error {
	if c.Repository == nil {
		return errors.NotValidf("nil Repository")
	}
	if c.SubscribePresence == nil {
		return errors.NotValidf("nil SubscribePresence")
	}
	return nil
}

// Server serves the board attachment endpoint.
type Server struct {
	config Config
}

// NewServer returns a Server with the given dependencies.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Server{config: config}, nil
}

// Register adds the board endpoint to the router:
//
//	GET /api/board/{board_id}?session_id={uuid}
//
// which upgrades to the bidirectional collaboration frame stream.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/api/board/{board_id}", s.serveBoard).Methods("GET")
}

func (s *Server) serveBoard(w http.ResponseWriter, req *http.Request) {
	boardID, err := uuid.Parse(mux.Vars(req)["board_id"])
	if err != nil {
		http.Error(w, "invalid board id", http.StatusBadRequest)
		return
	}
	sessionID, err := uuid.Parse(req.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	websocketServer(w, req, func(conn *websocket.Conn) {
		handler := newBoardHandler(boardHandlerConfig{
			boardID:           boardID,
			sessionID:         sessionID,
			repo:              s.config.Repository,
			subscribePresence: s.config.SubscribePresence,
			sender:            newSender(conn),
			conn:              conn,
		})
		handler.serve(req.Context())
	})
}
