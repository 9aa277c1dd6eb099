package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/spendwatch/internal/agent"
)

const messageSchemaURL = "https://spendwatch.local/schemas/message.json"

const messageSchemaTemplate = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": %s},
    "tabId": {"type": "string", "maxLength": 128},
    "payload": {"type": "object"}
  },
  "$defs": {
    "amount": {"type": ["number", "string"]},
    "detected": {
      "type": "object",
      "properties": {
        "merchant": {"type": "string"},
        "name": {"type": "string"},
        "amount": {"$ref": "#/$defs/amount"},
        "currency": {"type": "string", "maxLength": 8},
        "url": {"type": "string"},
        "hostname": {"type": "string"},
        "trialDays": {"type": "integer", "minimum": 0, "maximum": 366},
        "trialEndAt": {"type": "string"}
      }
    },
    "withTab": {"required": ["tabId"], "properties": {"tabId": {"minLength": 1}}}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "PAGE_OBSERVATION"}}},
      "then": {
        "allOf": [{"$ref": "#/$defs/withTab"}],
        "required": ["payload"],
        "properties": {"payload": {
          "required": ["observation"],
          "properties": {"observation": {
            "type": "object",
            "required": ["url"],
            "properties": {"url": {"type": "string"}, "signals": {"type": "object"}}
          }}
        }}
      }
    },
    {
      "if": {"properties": {"type": {"const": "PAGE_NAVIGATED"}}},
      "then": {
        "allOf": [{"$ref": "#/$defs/withTab"}],
        "required": ["payload"],
        "properties": {"payload": {"required": ["url"], "properties": {"url": {"type": "string"}}}}
      }
    },
    {
      "if": {"properties": {"type": {"enum": ["PAYMENT_ACTUATED", "TAB_CLOSED"]}}},
      "then": {"$ref": "#/$defs/withTab"}
    },
    {
      "if": {"properties": {"type": {"const": "WEBSITE_LOGIN"}}},
      "then": {
        "required": ["payload"],
        "properties": {"payload": {
          "required": ["session"],
          "properties": {
            "session": {"type": "object", "required": ["accessToken"], "properties": {"accessToken": {"type": "string", "minLength": 1}}},
            "user": {"type": "object"},
            "skipNotification": {"type": "boolean"}
          }
        }}
      }
    },
    {
      "if": {"properties": {"type": {"const": "TRACKING_STATE_UPDATE"}}},
      "then": {
        "required": ["payload"],
        "properties": {"payload": {"anyOf": [{"required": ["hostname"]}, {"required": ["url"]}]}}
      }
    },
    {
      "if": {"properties": {"type": {"enum": ["PURCHASE_DETECTED", "BEHAVIOR_TRANSACTION_DETECTED", "SUBSCRIPTION_DETECTED", "CANCELLATION_DETECTED"]}}},
      "then": {"required": ["payload"], "properties": {"payload": {"$ref": "#/$defs/detected"}}}
    }
  ]
}`

var messageSchema = mustCompileMessageSchema()

func mustCompileMessageSchema() *jsonschema.Schema {
	types, err := json.Marshal(agent.MessageTypes)
	if err != nil {
		panic(err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(fmt.Sprintf(messageSchemaTemplate, types)))
	if err != nil {
		panic(fmt.Sprintf("parse message schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(messageSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("add message schema: %v", err))
	}
	return compiler.MustCompile(messageSchemaURL)
}

// validateMessage checks body against the inbound message schema.
func validateMessage(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return messageSchema.Validate(inst)
}
