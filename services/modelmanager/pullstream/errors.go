// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pullstream

import (
	"errors"
	"fmt"
	"time"
)

// StallError is returned by Stream.Err when no decodable record arrived
// within the stall timeout.
type StallError struct {
	Timeout time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("pull stream stalled: no progress for %s", e.Timeout)
}

// WireError is returned by Stream.Err when the server reported a failure
// through the stream's error field. It is terminal for the stream but
// generally retryable at the acquisition layer.
type WireError struct {
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("server reported pull failure: %s", e.Message)
}

// IsStall reports whether err is a stall timeout.
func IsStall(err error) bool {
	var stall *StallError
	return errors.As(err, &stall)
}

// IsWire reports whether err is an in-band server failure.
func IsWire(err error) bool {
	var wire *WireError
	return errors.As(err, &wire)
}
