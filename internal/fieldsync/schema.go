package fieldsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry holds optional per-entity JSON Schemas. Entities without
// a registered schema pass validation unchecked.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
}

func (r *SchemaRegistry) Register(entityType string, schemaJSON []byte) error {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("schema for %s: %w", entityType, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := entityType + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("schema for %s: %w", entityType, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", entityType, err)
	}
	r.mu.Lock()
	r.schemas[entityType] = schema
	r.mu.Unlock()
	return nil
}

func (r *SchemaRegistry) Validate(entityType string, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[entityType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload for %s: %w", entityType, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("payload for %s: %w", entityType, err)
	}
	return nil
}
