// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shuttle

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateParams validates tool parameters against the tool's declared
// input schema. A nil schema skips validation. Unknown schema keywords
// pass through untouched; gojsonschema ignores what it does not know.
func ValidateParams(schema *JSONSchema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	schemaJSON, err := NormalizeSchema(schema).ToJSON()
	if err != nil {
		return fmt.Errorf("serialize schema: %w", err)
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	paramsLoader := gojsonschema.NewGoLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, paramsLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, verr := range result.Errors() {
			msgs[i] = verr.String()
		}
		return fmt.Errorf("invalid parameters: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// NormalizeSchema ensures a schema is structurally complete before
// validation: object types get non-nil properties, missing types are
// inferred from structure, nested schemas are normalized recursively.
func NormalizeSchema(schema *JSONSchema) *JSONSchema {
	if schema == nil {
		return nil
	}

	if schema.Type == "object" {
		if schema.Properties == nil {
			schema.Properties = make(map[string]*JSONSchema)
		}
		for key, prop := range schema.Properties {
			schema.Properties[key] = NormalizeSchema(prop)
		}
	}

	if schema.Type == "array" && schema.Items != nil {
		schema.Items = NormalizeSchema(schema.Items)
	}

	if schema.Type == "" {
		switch {
		case schema.Properties != nil:
			schema.Type = "object"
			for key, prop := range schema.Properties {
				schema.Properties[key] = NormalizeSchema(prop)
			}
		case schema.Items != nil:
			schema.Type = "array"
			schema.Items = NormalizeSchema(schema.Items)
		case len(schema.Enum) > 0:
			schema.Type = "string"
		}
	}

	return schema
}
