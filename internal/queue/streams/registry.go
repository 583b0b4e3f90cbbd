package streams

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnknownSchema is returned for an event type and version pair that
	// has no registered schema.
	ErrUnknownSchema = errors.New("no schema for event")
	// ErrPayloadRejected wraps schema violations of an event payload.
	ErrPayloadRejected = errors.New("event payload rejected")
)

// SchemaRegistry maps event@version to a compiled payload schema.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

func schemaKey(eventType, version string) string { return eventType + "@" + version }

// Register compiles def and replaces any schema held for the same pair.
func (r *SchemaRegistry) Register(def Definition) error {
	if def.EventType == "" || def.Version == "" || len(def.Schema) == 0 {
		return fmt.Errorf("schema definition %q needs event type, version and schema", schemaKey(def.EventType, def.Version))
	}
	url := "mem://streams/" + def.EventType + "/" + def.Version + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(def.Schema)); err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile %s: %w", url, err)
	}
	r.mu.Lock()
	r.schemas[schemaKey(def.EventType, def.Version)] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema of eventType@version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	key := schemaKey(eventType, version)
	r.mu.RLock()
	schema, ok := r.schemas[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownSchema, key)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPayloadRejected, key, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPayloadRejected, key, err)
	}
	return nil
}
