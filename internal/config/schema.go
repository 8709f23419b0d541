package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const configSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "description": "conditions database client configuration",
  "type": "object",
  "required": ["adapters"],
  "properties": {
    "adapters": {
      "type": "object",
      "properties": {
        "memory": {
          "type": "object",
          "required": ["cache_size_limit", "cache_item_limit"],
          "properties": {
            "cache_size_limit": {"$ref": "#/$defs/sizeLimit"},
            "cache_item_limit": {"$ref": "#/$defs/itemLimit"}
          }
        },
        "file": {
          "type": "object",
          "required": ["dirname"],
          "properties": {
            "dirname": {"type": "string"}
          }
        },
        "db": {
          "type": "object",
          "properties": {
            "get": {"$ref": "#/$defs/dbTargets"},
            "set": {"$ref": "#/$defs/dbTargets"},
            "admin": {"$ref": "#/$defs/dbTargets"}
          }
        },
        "http": {
          "type": "object",
          "required": ["get", "set", "admin", "config"],
          "properties": {
            "get": {"$ref": "#/$defs/httpTargets"},
            "set": {"$ref": "#/$defs/httpTargets"},
            "admin": {"$ref": "#/$defs/httpTargets"},
            "config": {
              "type": "object",
              "properties": {
                "max_retries": {"type": "integer", "minimum": 0},
                "sleep_seconds": {"type": "integer", "minimum": 0},
                "timeout_ms": {"type": "integer", "minimum": 0},
                "connect_timeout_ms": {"type": "integer", "minimum": 0},
                "user_agent": {"type": "string"},
                "jwt_expiration_seconds": {"type": "integer", "minimum": 1},
                "verbose": {"type": "boolean"}
              }
            }
          }
        }
      }
    },
    "service": {
      "type": "object",
      "properties": {
        "adapters": {"type": "string"},
        "flavors": {"type": "array", "items": {"type": "string"}},
        "fetch_concurrency": {"type": "integer", "minimum": 1}
      }
    }
  },
  "$defs": {
    "sizeLimit": {
      "type": "object",
      "properties": {
        "lo": {"type": ["integer", "string"], "minimum": 0},
        "hi": {"type": ["integer", "string"], "minimum": 0}
      }
    },
    "itemLimit": {
      "type": "object",
      "properties": {
        "lo": {"type": "integer", "minimum": 0},
        "hi": {"type": "integer", "minimum": 0}
      }
    },
    "dbTargets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["host"],
        "properties": {
          "dbtype": {"type": "string"},
          "host": {"type": "string"},
          "port": {"type": "integer"},
          "user": {"type": "string"},
          "pass": {"type": "string"},
          "dbname": {"type": "string"},
          "options": {"type": "string"}
        }
      }
    },
    "httpTargets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "url": {"type": "string"},
          "user": {"type": "string"},
          "pass": {"type": "string"}
        }
      }
    }
  }
}`

var configSchema = jsonschema.MustCompileString("config-schema.json", configSchemaDoc)

func checkSchema(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return configSchema.Validate(v)
}
