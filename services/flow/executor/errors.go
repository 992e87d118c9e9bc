// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import "errors"

var (
	// ErrInvalidInput indicates a nil or malformed constructor argument.
	ErrInvalidInput = errors.New("executor: invalid input")

	// ErrAttemptsExhausted indicates the node failed on every allowed
	// attempt. The last underlying failure is wrapped alongside it.
	ErrAttemptsExhausted = errors.New("executor: retry attempts exhausted")

	// ErrApprovalContract indicates an approval-required node completed
	// without posing a decision. This is a permanent failure: retrying an
	// agent that violates the contract will not make it comply.
	ErrApprovalContract = errors.New("executor: approval node returned no decision")
)
