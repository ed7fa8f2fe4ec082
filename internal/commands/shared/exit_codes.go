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

package shared

import (
	stderrors "errors"
	"fmt"
	"os"
)

// Exit codes for the durable CLI.
const (
	ExitSuccess = 0

	// ExitRunFailed reports that the awaited run finished failed,
	// cancelled, or interrupted.
	ExitRunFailed = 1

	// ExitUsage reports invalid arguments or configuration.
	ExitUsage = 2
)

// ExitError is an error that carries an exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewRunFailedError creates an error for a run that finished unsuccessfully.
func NewRunFailedError(msg string) *ExitError {
	return &ExitError{Code: ExitRunFailed, Message: msg}
}

// NewUsageError creates an error for invalid arguments or configuration.
func NewUsageError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitUsage, Message: msg, Cause: cause}
}

// HandleExitError prints err to stderr and exits with its code. Errors
// without an explicit code exit 1.
func HandleExitError(err error) {
	if err == nil {
		os.Exit(ExitSuccess)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var exitErr *ExitError
	if stderrors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(1)
}
