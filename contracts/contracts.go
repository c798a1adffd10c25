// Package contracts embeds the public OpenAPI contract of the API.
package contracts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed api.yaml
var apiYAML []byte

// Raw returns the contract document as written.
func Raw() []byte {
	return apiYAML
}

// Load parses and validates the contract. Servers are cleared so request
// matching only considers paths.
func Load() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(apiYAML)
	if err != nil {
		return nil, fmt.Errorf("load api contract: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate api contract: %w", err)
	}
	doc.Servers = nil
	return doc, nil
}
