package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ParametersJSON is the JSON Schema advertised for sql_query. The assistant
// tool definition, the MCP tool and argument validation all use it.
const ParametersJSON = `{
  "type": "object",
  "properties": {
    "schema_name": {
      "type": "string",
      "description": "Schema that holds the table being queried."
    },
    "table_name": {
      "type": "string",
      "description": "Table or view being queried."
    },
    "sql": {
      "type": "string",
      "description": "A single read-only SELECT statement using schema-qualified table names."
    }
  },
  "required": ["schema_name", "table_name", "sql"],
  "additionalProperties": false
}`

// Description is the sql_query tool description shown to the agent.
const Description = "Run a read-only SQL SELECT against the reporting warehouse and return the result as CSV."

// requiredFields is the order missing fields are reported in.
var requiredFields = []string{"schema_name", "table_name", "sql"}

var argumentSchema = mustCompileSchema(ParametersJSON)

func mustCompileSchema(doc string) *jsonschema.Schema {
	var obj any
	if err := json.Unmarshal([]byte(doc), &obj); err != nil {
		panic(fmt.Sprintf("toolcall: parameters schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("sql_query.json", obj); err != nil {
		panic(fmt.Sprintf("toolcall: parameters schema: %v", err))
	}
	return c.MustCompile("sql_query.json")
}

// Parameters returns a fresh copy of the parameters schema as a JSON object.
func Parameters() map[string]any {
	var obj map[string]any
	_ = json.Unmarshal([]byte(ParametersJSON), &obj)
	return obj
}

// DecodeError reports arguments that could not be turned into Arguments.
type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

// DecodeArguments parses the raw argument text of a sql_query call.
func DecodeArguments(raw string) (Arguments, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Arguments{}, &DecodeError{Message: fmt.Sprintf("arguments are not valid JSON: %v", err)}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Arguments{}, &DecodeError{Message: "arguments must be a JSON object"}
	}

	for _, field := range requiredFields {
		v, present := obj[field]
		if !present || v == nil {
			return Arguments{}, &DecodeError{Message: field + " is missing or undefined"}
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return Arguments{}, &DecodeError{Message: field + " is missing or undefined"}
		}
	}

	if err := argumentSchema.Validate(doc); err != nil {
		return Arguments{}, &DecodeError{Message: fmt.Sprintf("arguments do not match the %s schema: %v", FunctionName, err)}
	}

	var args Arguments
	if err := mapstructure.Decode(obj, &args); err != nil {
		return Arguments{}, &DecodeError{Message: fmt.Sprintf("arguments could not be decoded: %v", err)}
	}
	return args, nil
}
