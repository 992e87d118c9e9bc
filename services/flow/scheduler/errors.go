// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import "errors"

var (
	// ErrInvalidInput indicates a nil or malformed argument.
	ErrInvalidInput = errors.New("scheduler: invalid input")

	// ErrNotPaused is returned by ApproveDecision when the run has no
	// pending decisions.
	ErrNotPaused = errors.New("scheduler: run is not awaiting approval")

	// ErrUnknownDecision is returned when the decision id is not pending
	// for the project's run.
	ErrUnknownDecision = errors.New("scheduler: decision not pending for this run")
)
