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

package bridge

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// NamedSchema is the JSON schema of one frame header.
type NamedSchema struct {
	Name   string
	Schema *jsonschema.Schema
}

// Schemas describes the JSON headers of every frame exchanged with a peer.
// The operation discriminator is added by hand since it only exists on the
// wire.
func Schemas() []NamedSchema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	read := reflector.Reflect(&ReadRequest{})
	withOperation(read, OpRead)
	read.Title = "read request"
	read.Description = "Fetch bytes of a remote file"

	write := reflector.Reflect(&WriteRequest{})
	withOperation(write, OpWrite)
	write.Properties.Set("data", &jsonschema.Schema{
		Type:        "array",
		Description: "Bytes to store, repeated as the trailing payload",
		Items: &jsonschema.Schema{
			Type:    "integer",
			Minimum: json.Number("0"),
			Maximum: json.Number("255"),
		},
	})
	write.Required = append(write.Required, "data")
	write.Title = "write request"
	write.Description = "Store bytes in a remote file"

	resp := reflector.Reflect(&Response{})
	resp.Title = "response"
	resp.Description = "Answer to a read or write request, file content trails a successful read"

	return []NamedSchema{
		{Name: "read-request", Schema: read},
		{Name: "write-request", Schema: write},
		{Name: "response", Schema: resp},
	}
}

func withOperation(schema *jsonschema.Schema, op string) {
	schema.Properties.Set("operation", &jsonschema.Schema{
		Type:  "string",
		Const: op,
	})
	schema.Required = append(schema.Required, "operation")
}
