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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/pkg/client"
	"github.com/tombee/durable/pkg/httpclient"
)

// NewAPIClient creates a client for the configured server address.
func NewAPIClient() *client.Client {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "durable-cli/" + version

	var opts []client.Option
	if httpClient, err := httpclient.New(cfg); err == nil {
		opts = append(opts, client.WithHTTPClient(httpClient))
	}
	return client.New(GetServerAddr(), opts...)
}

// PrintJSON writes v to the command's stdout as indented JSON.
func PrintJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
