package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// commandSchema constrains inbound command envelopes. A missing or
// empty sessionId is a client error reported back on the wire, never a
// reason to drop the connection.
const commandSchema = `{
	"type": "object",
	"required": ["type", "sessionId"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["session:send", "session:abort", "session:complete", "session:delete"]
		},
		"sessionId": {
			"type": "string",
			"minLength": 1
		},
		"content": {
			"oneOf": [
				{"type": "string"},
				{"type": "array", "items": {"type": "object"}}
			]
		}
	}
}`

var commandSchemaLoader = gojsonschema.NewStringLoader(commandSchema)

// ValidateCommand checks a raw inbound frame against the command
// schema and returns a descriptive validation error.
func ValidateCommand(raw []byte) error {
	result, err := gojsonschema.Validate(commandSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("malformed command: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("invalid command: %s", strings.Join(msgs, "; "))
}
