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

// Package workflow provides the authoring surface for durable workflows.
//
// A workflow body is a deterministic function of its input and the outcomes
// the engine feeds back for each operation it issues (steps, sleeps, hooks,
// child workflows). All nondeterminism — clocks, randomness, network calls —
// must live inside steps: the engine re-executes the body on every tick and
// substitutes recorded outcomes, so the body itself must not read the
// outside world.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tombee/durable/pkg/errors"
)

// Handler is a workflow body. It is re-executed on every tick; operations
// issued through ctx resolve against the run's event log.
type Handler func(ctx Context, input map[string]any) (any, error)

// StepFunc executes one step attempt. Unlike the workflow body it runs at
// most once per recorded invocation and may freely perform side effects.
type StepFunc func(ctx context.Context, input map[string]any) (any, error)

// Param describes one input parameter of a workflow, surfaced through the
// registry for API consumers.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Definition registers a workflow body together with the steps it may call.
type Definition struct {
	// Name uniquely identifies the workflow.
	Name string

	// Handler is the deterministic workflow body.
	Handler Handler

	// Steps maps step names to their executable functions. A workflow body
	// may only call steps registered here.
	Steps map[string]StepFunc

	// Params describes the expected input, for discovery and validation.
	Params []Param
}

// Registry holds registered workflow definitions. It is safe for concurrent
// use; registration normally happens once at startup.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a workflow definition to the registry.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return &errors.ValidationError{Field: "definition", Message: "must not be nil"}
	}
	if def.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if def.Handler == nil {
		return &errors.ValidationError{Field: "handler", Message: "must not be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return &errors.ValidationError{Field: "name", Message: fmt.Sprintf("workflow %q already registered", def.Name)}
	}
	r.defs[def.Name] = def
	return nil
}

// Get retrieves a workflow definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[name]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return def, nil
}

// Step resolves a step function within a workflow definition.
func (r *Registry) Step(workflowName, stepName string) (StepFunc, error) {
	def, err := r.Get(workflowName)
	if err != nil {
		return nil, err
	}
	fn, exists := def.Steps[stepName]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "step", ID: workflowName + "/" + stepName}
	}
	return fn, nil
}

// List returns all registered definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
