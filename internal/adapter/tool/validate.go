package tool

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/kaptinlin/jsonschema"
)

// e164Re validates E.164 phone number format.
var e164Re = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}

// RequireFields validates multiple required string fields at once.
// Arguments alternate name, value.
func RequireFields(kvs ...string) error {
	if len(kvs)%2 != 0 {
		return fmt.Errorf("RequireFields: odd number of arguments")
	}
	for i := 0; i < len(kvs); i += 2 {
		if kvs[i+1] == "" {
			return fmt.Errorf("'%s' is required", kvs[i])
		}
	}
	return nil
}

// ValidateEnum checks that value is one of the allowed values.
// An empty value is allowed (treated as "not set").
func ValidateEnum(name, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (want: %s)", name, value, joinComma(allowed))
}

// ValidatePhone checks that value is an E.164 phone number.
// An empty value is allowed (use RequireField to enforce presence).
func ValidatePhone(name, value string) error {
	if value == "" {
		return nil
	}
	if !e164Re.MatchString(value) {
		return fmt.Errorf("invalid %s %q (expected E.164 format like +14155551234)", name, value)
	}
	return nil
}

// compileSchema compiles a JSON Schema, panicking on invalid input. Only used
// for schemas embedded in the binary, where a failure is a programming error.
func compileSchema(schemaBytes json.RawMessage) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(schemaBytes))
	if err != nil {
		panic(fmt.Sprintf("invalid tool schema: %v", err))
	}
	return schema
}

// validateSchema validates raw JSON params against a compiled schema.
func validateSchema(schema *jsonschema.Schema, rawParams json.RawMessage) error {
	var data any
	if err := json.Unmarshal(rawParams, &data); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("invalid params: %s", result.Error())
	}
	return nil
}
