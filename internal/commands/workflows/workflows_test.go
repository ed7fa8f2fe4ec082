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

package workflows

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectInputPairs(t *testing.T) {
	input, err := collectInput([]string{"name=world", "count=3", "flag=true", "note=a=b"}, "")
	require.NoError(t, err)

	assert.Equal(t, "world", input["name"])
	assert.Equal(t, float64(3), input["count"])
	assert.Equal(t, true, input["flag"])
	assert.Equal(t, "a=b", input["note"])
}

func TestCollectInputFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1,"b":"x"}`), 0o600))

	input, err := collectInput([]string{"b=override"}, path)
	require.NoError(t, err)

	assert.Equal(t, float64(1), input["a"])
	assert.Equal(t, "override", input["b"])
}

func TestCollectInputEmpty(t *testing.T) {
	input, err := collectInput(nil, "")
	require.NoError(t, err)
	assert.Nil(t, input)
}

func TestCollectInputMalformedPair(t *testing.T) {
	_, err := collectInput([]string{"no-equals"}, "")
	assert.Error(t, err)

	_, err = collectInput([]string{"=value"}, "")
	assert.Error(t, err)
}

func TestCollectInputMissingFile(t *testing.T) {
	_, err := collectInput(nil, "/does/not/exist.json")
	assert.Error(t, err)
}
