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

// Package setup implements the durable setup command.
package setup

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/durable/internal/commands/shared"
	"github.com/tombee/durable/internal/config"
)

// NewCommand creates the setup command.
func NewCommand() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a starter config file, or verify the current one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if check {
				return runCheck(cmd)
			}
			return runInit(cmd)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Validate configuration and storage instead of writing a config file")
	return cmd
}

// runInit writes the default config to the working directory unless a
// config file already exists.
func runInit(cmd *cobra.Command) error {
	path := shared.GetConfigPath()
	if path == "" {
		path = config.DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		return shared.NewUsageError(path+" already exists (use --check to validate it)", nil)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	cmd.Printf("wrote %s\n", path)
	return nil
}

// runCheck validates the configuration and verifies storage is reachable.
func runCheck(cmd *cobra.Command) error {
	rt, err := shared.BuildRuntime()
	if err != nil {
		return shared.NewUsageError("configuration check failed", err)
	}
	defer rt.Close()

	if err := rt.Store.Ping(cmd.Context()); err != nil {
		return shared.NewUsageError("storage check failed", err)
	}

	result := map[string]any{
		"config":    "ok",
		"storage":   rt.Config.Storage.Backend,
		"workflows": len(rt.Registry.List()),
		"schedules": len(rt.Config.Schedules),
	}
	if shared.GetJSON() {
		return shared.PrintJSON(cmd, result)
	}
	cmd.Printf("config:    ok\n")
	cmd.Printf("storage:   %s (reachable)\n", rt.Config.Storage.Backend)
	cmd.Printf("workflows: %d registered\n", len(rt.Registry.List()))
	cmd.Printf("schedules: %d configured\n", len(rt.Config.Schedules))
	return nil
}
