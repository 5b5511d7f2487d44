// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing holds shared test helpers.
package testing

import (
	"time"

	jujutesting "github.com/juju/testing"
)

// BaseSuite isolates tests from the host environment.
type BaseSuite struct {
	jujutesting.IsolationSuite
}

const (
	// LongWait is the upper bound on waiting for something that is
	// expected to happen.
	LongWait = 10 * time.Second

	// ShortWait is how long to wait for something that is expected not
	// to happen.
	ShortWait = 50 * time.Millisecond
)
