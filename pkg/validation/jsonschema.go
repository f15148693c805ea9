package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const compiledCacheSize = 256

// Webhook payload schemas are re-used on every delivery, so compiled schemas
// are kept keyed by the digest of their source.
var compiled, _ = lru.New[string, *jsonschema.Schema](compiledCacheSize)

// Compile compiles a JSON schema document, returning a cached copy when the
// same source was compiled before.
func Compile(schemaJSON string) (*jsonschema.Schema, error) {
	sum := sha256.Sum256([]byte(schemaJSON))
	key := hex.EncodeToString(sum[:])
	if sch, ok := compiled.Get(key); ok {
		return sch, nil
	}
	compiler := jsonschema.NewCompiler()
	resource := key + ".json"
	if err := compiler.AddResource(resource, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema: %w", err)
	}
	compiled.Add(key, sch)
	return sch, nil
}

// ValidateBytes validates a raw JSON document against a JSON schema string.
// An empty schema accepts everything.
func ValidateBytes(schemaJSON string, data []byte) error {
	if schemaJSON == "" {
		return nil
	}
	sch, err := Compile(schemaJSON)
	if err != nil {
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal JSON data: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("JSON data failed validation against schema: %v", validationErr)
		}
		return fmt.Errorf("JSON data failed validation (unexpected error type): %w", err)
	}
	return nil
}
