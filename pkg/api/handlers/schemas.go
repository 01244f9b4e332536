package handlers

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const createAccountSchema = `{
	"type": "object",
	"properties": {
		"username": {
			"type": "string",
			"minLength": 1,
			"maxLength": 64,
			"pattern": "^[A-Za-z0-9_]+$"
		},
		"quota_gb": {
			"type": "integer",
			"minimum": 0
		}
	},
	"required": ["username"],
	"additionalProperties": false
}`

const increaseQuotaSchema = `{
	"type": "object",
	"properties": {
		"add_gb": {
			"type": "integer",
			"minimum": 1
		}
	},
	"required": ["add_gb"],
	"additionalProperties": false
}`

var (
	createAccountValidator = gojsonschema.NewStringLoader(createAccountSchema)
	increaseQuotaValidator = gojsonschema.NewStringLoader(increaseQuotaSchema)
)

// validatePayload checks a request body against a schema and returns a
// single message collecting every violation.
func validatePayload(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, violation := range result.Errors() {
		details = append(details, violation.String())
	}
	return fmt.Errorf("payload validation failed: %s", strings.Join(details, "; "))
}
