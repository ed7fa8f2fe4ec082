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

package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

func newID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:8])
}

// NewRunID generates a fresh run identifier.
func NewRunID() string { return newID("run") }

// NewEventID generates a fresh event identifier.
func NewEventID() string { return newID("evt") }

// NewTaskID generates a fresh broker task identifier.
func NewTaskID() string { return newID("task") }

// opHash derives the stable suffix shared by step, sleep, and hook IDs.
// Deriving from (run, name, call index) keeps the correlation stable across
// ticks: the n-th encounter of an operation always maps to the same ID.
func opHash(runID, name string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", runID, name, index)))
	return hex.EncodeToString(sum[:4])
}

// StepID derives the deterministic identifier for the index-th call of the
// named step within a run.
func StepID(runID, name string, index int) string {
	return fmt.Sprintf("step_%s_%s", name, opHash(runID, name, index))
}

// SleepID derives the deterministic identifier for the index-th sleep
// within a run.
func SleepID(runID string, index int) string {
	return fmt.Sprintf("sleep_%s", opHash(runID, "sleep", index))
}

// HookID derives the deterministic identifier for the index-th await of the
// named hook within a run.
func HookID(runID, name string, index int) string {
	return fmt.Sprintf("hook_%s_%s", name, opHash(runID, name, index))
}

// HookToken builds the externally addressable token for a hook, letting
// callers deliver a signal without a separate run ID lookup.
func HookToken(runID, hookID string) string {
	return runID + ":" + hookID
}
