// Copyright 2021 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// Seed is the on-disk format used to preload a MemoryTable:
//
//	files:
//	  /fake/test.txt: |
//	    Hello from fake filesystem!
type Seed struct {
	Files map[string]string `yaml:"files"`
}

// DefaultSeed returns the demo files served when no seed file is configured.
func DefaultSeed() map[string][]byte {
	return map[string][]byte{
		"/fake/test.txt":         []byte("Hello from fake filesystem!\nThis is intercepted content."),
		"/another/fake/file.txt": []byte("Another fake file!\nPtrace interception working."),
	}
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (map[string][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (map[string][]byte, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	files := make(map[string][]byte, len(seed.Files))
	for path, content := range seed.Files {
		if len(path) == 0 || path[0] != '/' {
			return nil, fmt.Errorf("seed path %q must be absolute", path)
		}
		files[path] = []byte(content)
	}
	return files, nil
}
