package persistence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoSchema is returned when a collection has no registered schema.
var ErrNoSchema = errors.New("no schema registered for collection")

// DocumentValidator validates collection bodies against JSON Schemas compiled
// with santhosh-tekuri/jsonschema. Schemas are registered once at startup.
type DocumentValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewDocumentValidator() *DocumentValidator {
	return &DocumentValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles definition and binds it to collection, replacing any
// previous schema.
func (v *DocumentValidator) Register(collection string, definition []byte) error {
	url := fmt.Sprintf("memory://collections/%s.json", collection)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(definition)); err != nil {
		return fmt.Errorf("register schema %s: %w", collection, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", collection, err)
	}

	v.mu.Lock()
	v.schemas[collection] = compiled
	v.mu.Unlock()
	return nil
}

// Validate checks body against the collection schema. body may be any value
// that round-trips through encoding/json.
func (v *DocumentValidator) Validate(collection string, body any) error {
	v.mu.RLock()
	compiled, ok := v.schemas[collection]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSchema, collection)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	var document any
	if err := json.Unmarshal(raw, &document); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := compiled.Validate(document); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// ValidationMessages flattens a jsonschema validation error into
// instance-location keyed messages. Other errors yield nil.
func ValidationMessages(err error) map[string]string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	out := map[string]string{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out[loc] = e.Message
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return out
}
