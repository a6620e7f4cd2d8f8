// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing holds shared test helpers and timeouts.
package testing

import "time"

const (
	// ShortWait is a reasonable pause when nothing interesting is
	// expected to happen.
	ShortWait = 50 * time.Millisecond

	// LongWait is long enough that failing to observe an expected
	// event within it indicates a real problem, without stalling the
	// suite unduly.
	LongWait = 10 * time.Second
)
