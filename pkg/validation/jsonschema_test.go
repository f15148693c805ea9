package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const orderSchema = `{
	"type": "object",
	"properties": { "order_id": {"type": "string"}, "amount": {"type": "number", "minimum": 0} },
	"required": ["order_id", "amount"]
}`

func TestValidateBytes_Valid(t *testing.T) {
	assert.NoError(t, ValidateBytes(orderSchema, []byte(`{"order_id": "A-1", "amount": 12.5}`)))
	assert.NoError(t, ValidateBytes(orderSchema, []byte(`{"order_id": "A-2", "amount": 0, "extra": true}`)))
}

func TestValidateBytes_Invalid(t *testing.T) {
	err := ValidateBytes(orderSchema, []byte(`{"order_id": "A-1"}`))
	assert.Error(t, err)
	if err != nil { assert.Contains(t, err.Error(), "missing properties: 'amount'") }

	err = ValidateBytes(orderSchema, []byte(`{"order_id": 7, "amount": 1}`))
	assert.Error(t, err)
	if err != nil { assert.Contains(t, err.Error(), "expected string, but got number") }

	err = ValidateBytes(orderSchema, []byte(`{"order_id": "A-1", "amount": -5}`))
	assert.Error(t, err)
	if err != nil { assert.Contains(t, err.Error(), "must be >= 0 but found -5") }
}

func TestValidateBytes_EmptySchema(t *testing.T) {
	assert.NoError(t, ValidateBytes("", []byte(`not even json`)))
}

func TestValidateBytes_InvalidSchema(t *testing.T) {
	err := ValidateBytes(`{"type": "object", "properties": {"name": {"type": "str"}}}`, []byte(`{"name": "Test"}`))
	assert.Error(t, err)
	if err != nil { assert.Contains(t, err.Error(), "failed to compile JSON schema") }
}

func TestValidateBytes_NotJSON(t *testing.T) {
	err := ValidateBytes(orderSchema, []byte("order=1"))
	assert.Error(t, err)
	if err != nil { assert.Contains(t, err.Error(), "failed to unmarshal JSON data") }
}

func TestCompile_ReusesCompiledSchema(t *testing.T) {
	first, err := Compile(orderSchema)
	assert.NoError(t, err)
	second, err := Compile(orderSchema)
	assert.NoError(t, err)
	assert.Same(t, first, second)
}
