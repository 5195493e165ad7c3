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

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/in-toto/ptracefs/bridge"
	"github.com/invopop/jsonschema"
)

const schemaBaseID = "https://github.com/in-toto/ptracefs/bridge/"

var directory string

func init() {
	flag.StringVar(&directory, "dir", "schemas", "Directory to store the generated schemas")
}

func main() {
	flag.Parse()

	if err := os.MkdirAll(directory, 0o755); err != nil {
		log.Fatal(err)
	}

	for _, item := range bridge.Schemas() {
		item.Schema.ID = jsonschema.ID(schemaBaseID + item.Name)
		schemaJson, err := item.Schema.MarshalJSON()
		if err != nil {
			log.Fatal(err)
		}

		var indented bytes.Buffer
		if err := json.Indent(&indented, schemaJson, "", "  "); err != nil {
			fmt.Println("Error marshalling JSON schema:", err)
			os.Exit(1)
		}

		filename := filepath.Join(directory, item.Name+".json")
		log.Printf("Writing schema for %s to %s", item.Name, filename)
		if err := os.WriteFile(filename, indented.Bytes(), 0o644); err != nil {
			log.Fatal("Error writing to file:", err)
		}
	}
}
