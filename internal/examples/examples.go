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

// Package examples registers demonstration workflows so a fresh durable
// install has something to run. Real deployments register their own
// definitions and skip this package.
package examples

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/durable/pkg/workflow"
)

// Register adds the example workflows to registry.
func Register(registry *workflow.Registry) error {
	defs := []*workflow.Definition{
		orderFulfillment(),
		approvalGate(),
		nightlyDigest(),
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// orderFulfillment exercises sequential steps with retries.
func orderFulfillment() *workflow.Definition {
	return &workflow.Definition{
		Name: "order-fulfillment",
		Params: []workflow.Param{
			{Name: "order_id", Type: "string", Required: true},
		},
		Steps: map[string]workflow.StepFunc{
			"reserve-inventory": func(ctx context.Context, input map[string]any) (any, error) {
				return map[string]any{"reservation": fmt.Sprintf("rsv-%v", input["order_id"])}, nil
			},
			"charge-payment": func(ctx context.Context, input map[string]any) (any, error) {
				return map[string]any{"charged": true}, nil
			},
			"ship": func(ctx context.Context, input map[string]any) (any, error) {
				return map[string]any{"tracking": fmt.Sprintf("trk-%v", input["order_id"])}, nil
			},
		},
		Handler: func(ctx workflow.Context, input map[string]any) (any, error) {
			if _, err := ctx.Step("reserve-inventory", input); err != nil {
				return nil, err
			}
			if _, err := ctx.Step("charge-payment", input, workflow.WithMaxRetries(3, 5*time.Second)); err != nil {
				return nil, err
			}
			return ctx.Step("ship", input)
		},
	}
}

// approvalGate suspends on a hook until someone signals a decision.
func approvalGate() *workflow.Definition {
	return &workflow.Definition{
		Name: "approval-gate",
		Params: []workflow.Param{
			{Name: "request", Type: "string", Required: true},
		},
		Handler: func(ctx workflow.Context, input map[string]any) (any, error) {
			payload, err := ctx.Hook("approval", workflow.WithExpiry(24*time.Hour))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"request":  input["request"],
				"decision": payload["decision"],
			}, nil
		},
	}
}

// nightlyDigest sleeps briefly and fans out to a child workflow, so timers
// and child runs show up in a demo install.
func nightlyDigest() *workflow.Definition {
	return &workflow.Definition{
		Name: "nightly-digest",
		Steps: map[string]workflow.StepFunc{
			"collect": func(ctx context.Context, input map[string]any) (any, error) {
				return map[string]any{"items": 0}, nil
			},
		},
		Handler: func(ctx workflow.Context, input map[string]any) (any, error) {
			if err := ctx.Sleep(10 * time.Second); err != nil {
				return nil, err
			}
			return ctx.Child("order-fulfillment", map[string]any{"order_id": "digest"})
		},
	}
}
