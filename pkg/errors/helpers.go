// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"
	"fmt"
)

// Wrap annotates err with context while keeping the chain intact for
// Is/As. If err is nil, returns nil.
//
// Usage:
//
//	if err := store.AppendEvent(ctx, event); err != nil {
//	    return errors.Wrap(err, "recording step outcome")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string. If err is nil, returns nil.
//
// Usage:
//
//	if err := sched.Validate(); err != nil {
//	    return errors.Wrapf(err, "schedule %s", spec.Name)
//	}
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library,
// so callers importing this package need no second errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target's type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
//
// Usage:
//
//	var conflict *ConflictError
//	if errors.As(err, &conflict) {
//	    // lost the optimistic-concurrency race; safe to retry
//	}
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
