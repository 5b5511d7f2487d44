// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sessionchecker_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/redis/go-redis/v9"
	gc "gopkg.in/check.v1"

	"github.com/collabd/collabd/internal/protocol"
	"github.com/collabd/collabd/internal/repository"
	coretesting "github.com/collabd/collabd/internal/testing"
	"github.com/collabd/collabd/internal/worker/sessionchecker"
)

type workerSuite struct {
	coretesting.BaseSuite
}

var _ = gc.Suite(&workerSuite{})

type fakeRepo struct {
	*jujutesting.Stub

	boards   []uuid.UUID
	sessions []repository.Session
	alive    map[uuid.UUID]bool

	checked chan struct{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		Stub:    &jujutesting.Stub{},
		alive:   make(map[uuid.UUID]bool),
		checked: make(chan struct{}, 10),
	}
}

func (r *fakeRepo) AllBoardIDs(ctx context.Context) ([]uuid.UUID, error) {
	r.AddCall("AllBoardIDs")
	return r.boards, r.NextErr()
}

func (r *fakeRepo) Sessions(ctx context.Context, boardID uuid.UUID) ([]repository.Session, error) {
	r.AddCall("Sessions", boardID)
	defer func() {
		select {
		case r.checked <- struct{}{}:
		default:
		}
	}()
	return r.sessions, r.NextErr()
}

func (r *fakeRepo) SessionExists(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	r.AddCall("SessionExists", sessionID)
	return r.alive[sessionID], r.NextErr()
}

func (r *fakeRepo) DeleteSession(ctx context.Context, boardID, sessionID uuid.UUID) error {
	r.AddCall("DeleteSession", boardID, sessionID)
	return r.NextErr()
}

func (s *workerSuite) newWorker(c *gc.C, repo sessionchecker.Repository, clk *testclock.Clock) *sessionchecker.Worker {
	w, err := sessionchecker.NewWorker(sessionchecker.Config{
		Repository: repo,
		Clock:      clk,
		Period:     time.Minute,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, w) })
	return w
}

func (s *workerSuite) TestValidateConfig(c *gc.C) {
	config := sessionchecker.Config{
		Repository: newFakeRepo(),
		Clock:      testclock.NewClock(time.Time{}),
		Period:     sessionchecker.Period,
	}
	c.Assert(config.Validate(), jc.ErrorIsNil)

	broken := config
	broken.Repository = nil
	c.Assert(broken.Validate(), jc.Satisfies, errors.IsNotValid)
	broken = config
	broken.Clock = nil
	c.Assert(broken.Validate(), jc.Satisfies, errors.IsNotValid)
	broken = config
	broken.Period = 0
	c.Assert(broken.Validate(), jc.Satisfies, errors.IsNotValid)

	_, err := sessionchecker.NewWorker(broken)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *workerSuite) TestRemovesOnlyDeadSessions(c *gc.C) {
	boardID := uuid.New()
	liveID, deadID := uuid.New(), uuid.New()

	repo := newFakeRepo()
	repo.boards = []uuid.UUID{boardID}
	repo.sessions = []repository.Session{
		{ID: liveID, Username: "ada"},
		{ID: deadID, Username: "grace"},
	}
	repo.alive[liveID] = true

	clk := testclock.NewClock(time.Time{})
	s.newWorker(c, repo, clk)

	c.Assert(clk.WaitAdvance(0, coretesting.LongWait, 1), jc.ErrorIsNil)
	select {
	case <-repo.checked:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for the reconciliation pass")
	}

	repo.CheckCalls(c, []jujutesting.StubCall{
		{FuncName: "AllBoardIDs"},
		{FuncName: "Sessions", Args: []interface{}{boardID}},
		{FuncName: "SessionExists", Args: []interface{}{liveID}},
		{FuncName: "SessionExists", Args: []interface{}{deadID}},
		{FuncName: "DeleteSession", Args: []interface{}{boardID, deadID}},
	})
}

func (s *workerSuite) TestPassErrorDoesNotKillWorker(c *gc.C) {
	repo := newFakeRepo()
	repo.boards = []uuid.UUID{uuid.New()}
	repo.SetErrors(errors.New("store exploded"))

	clk := testclock.NewClock(time.Time{})
	s.newWorker(c, repo, clk)

	// First pass fails on AllBoardIDs; the next one runs regardless.
	c.Assert(clk.WaitAdvance(0, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Assert(clk.WaitAdvance(time.Minute, coretesting.LongWait, 1), jc.ErrorIsNil)
	select {
	case <-repo.checked:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for the second pass")
	}
}

// TestReconcilesAgainstStore exercises the whole path against a real
// repository: an expired liveness key gets its session swept away.
func (s *workerSuite) TestReconcilesAgainstStore(c *gc.C) {
	store, err := miniredis.Run()
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { store.Close() })

	client := redis.NewClient(&redis.Options{Addr: store.Addr()})
	s.AddCleanup(func(c *gc.C) { _ = client.Close() })

	repo, err := repository.NewRepository(client, clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, repo) })

	ctx := context.Background()
	boardID, sessionID := uuid.New(), uuid.New()
	// A board is only discoverable once its change log exists.
	_, err = repo.PublishChange(ctx, boardID, sessionID, protocol.DeleteChange(uuid.New()))
	c.Assert(err, jc.ErrorIsNil)
	err = repo.CreateSession(ctx, boardID, sessionID, "ada")
	c.Assert(err, jc.ErrorIsNil)

	store.FastForward(31 * time.Second)

	clk := testclock.NewClock(time.Time{})
	s.newWorker(c, repo, clk)
	c.Assert(clk.WaitAdvance(0, coretesting.LongWait, 1), jc.ErrorIsNil)

	timeout := time.After(coretesting.LongWait)
	for {
		sessions, err := repo.Sessions(ctx, boardID)
		c.Assert(err, jc.ErrorIsNil)
		if len(sessions) == 0 {
			return
		}
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for the dead session to be removed")
		case <-time.After(coretesting.ShortWait):
		}
	}
}
