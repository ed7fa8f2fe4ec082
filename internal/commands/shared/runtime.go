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
	"log/slog"

	"github.com/tombee/durable/internal/broker"
	"github.com/tombee/durable/internal/config"
	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/examples"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/storage/memory"
	"github.com/tombee/durable/internal/storage/sqlite"
	"github.com/tombee/durable/pkg/workflow"
)

// Runtime is the wired-up process: storage, broker, registry, and engine,
// built from configuration. Serve and worker commands layer their own
// components on top.
type Runtime struct {
	Config   *config.Config
	Store    storage.Backend
	Queue    broker.Broker
	Registry *workflow.Registry
	Engine   *engine.Engine
	Logger   *slog.Logger
}

// BuildRuntime loads configuration and constructs the process runtime.
func BuildRuntime() (*Runtime, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, err
	}

	logCfg := &log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)}
	if GetVerbose() {
		logCfg.Level = "debug"
	}
	logger := log.New(logCfg)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := workflow.NewRegistry()
	if err := examples.Register(registry); err != nil {
		store.Close()
		return nil, err
	}

	queue := broker.NewMemoryBroker()
	eng := engine.New(store, queue, registry, logger,
		engine.WithClaimTTL(cfg.Claim.TTL),
		engine.WithNestingLimit(cfg.Nesting.Limit),
		engine.WithMaxRecoveryAttempts(cfg.Recovery.MaxAttempts),
	)

	return &Runtime{
		Config:   cfg,
		Store:    store,
		Queue:    queue,
		Registry: registry,
		Engine:   eng,
		Logger:   logger,
	}, nil
}

// Close releases the runtime's broker and storage.
func (r *Runtime) Close() {
	_ = r.Queue.Close()
	_ = r.Store.Close()
}

func openStore(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(sqlite.Config{Path: cfg.Storage.Path, WAL: cfg.Storage.WAL})
	}
}
