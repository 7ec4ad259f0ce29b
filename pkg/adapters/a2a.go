package adapters

import (
	"github.com/xeipuuv/gojsonschema"
)

// a2aSchema is the agent2agent extension contract.
const a2aSchema = `{
  "type": "object",
  "required": ["spec_version", "capabilities", "routing", "security"],
  "properties": {
    "spec_version": {"type": "string"},
    "capabilities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "version", "description"],
        "properties": {
          "name": {"type": "string"},
          "version": {"type": "string"},
          "description": {"type": "string"},
          "interface": {
            "type": "object",
            "properties": {
              "inputs": {"type": "object"},
              "outputs": {"type": "object"}
            }
          }
        }
      }
    },
    "routing": {
      "type": "object",
      "required": ["protocol"],
      "properties": {
        "protocol": {"type": "string", "enum": ["http", "grpc", "websocket"]},
        "endpoints": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["url", "capability"],
            "properties": {
              "url": {"type": "string"},
              "capability": {"type": "string"}
            }
          }
        }
      }
    },
    "security": {
      "type": "object",
      "properties": {
        "authentication": {"type": "string", "enum": ["none", "oauth", "api_key", "jwt"]},
        "authorization": {"type": "string", "enum": ["none", "rbac", "capability_based"]},
        "encryption": {"type": "string", "enum": ["none", "tls", "mtls"]}
      }
    },
    "metadata": {"type": "object", "additionalProperties": true}
  }
}`

// A2A handles the agent2agent protocol.
type A2A struct {
	schema *gojsonschema.Schema
}

// NewA2A builds the a2a adapter.
func NewA2A() *A2A {
	return &A2A{schema: mustCompile(a2aSchema)}
}

func (a *A2A) Protocol() string { return "a2a" }

func (a *A2A) Validate(payload Payload) error {
	return validateAgainst("adapters.a2a.Validate", a.schema, payload)
}

// Parse flattens capability interfaces into parameters/returns pairs and
// fills security defaults.
func (a *A2A) Parse(payload Payload) (Payload, error) {
	if err := a.Validate(payload); err != nil {
		return nil, err
	}
	var capabilities []interface{}
	for _, item := range sliceOf(payload, "capabilities") {
		src, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		capability := Payload{
			"name":        stringOr(src, "name", ""),
			"version":     stringOr(src, "version", ""),
			"description": stringOr(src, "description", ""),
		}
		if iface, ok := src["interface"].(map[string]interface{}); ok {
			capability["parameters"] = mapOr(iface, "inputs")
			capability["returns"] = mapOr(iface, "outputs")
		}
		capabilities = append(capabilities, capability)
	}
	security := mapOr(payload, "security")
	return Payload{
		"protocol":     "a2a",
		"spec_version": stringOr(payload, "spec_version", ""),
		"capabilities": capabilities,
		"routing":      mapOr(payload, "routing"),
		"security": Payload{
			"authentication": stringOr(security, "authentication", "none"),
			"authorization":  stringOr(security, "authorization", "none"),
			"encryption":     stringOr(security, "encryption", "none"),
		},
		"metadata": mapOr(payload, "metadata"),
	}, nil
}

// Format is the inverse of Parse.
func (a *A2A) Format(normalized Payload) (Payload, error) {
	if stringOr(normalized, "protocol", "") != "a2a" {
		return nil, errNotNormalized("adapters.a2a.Format", "a2a")
	}
	var capabilities []interface{}
	for _, item := range sliceOf(normalized, "capabilities") {
		src, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		capability := Payload{
			"name":        stringOr(src, "name", ""),
			"version":     stringOr(src, "version", ""),
			"description": stringOr(src, "description", ""),
		}
		_, hasParams := src["parameters"]
		_, hasReturns := src["returns"]
		if hasParams || hasReturns {
			iface := Payload{}
			if hasParams {
				iface["inputs"] = src["parameters"]
			}
			if hasReturns {
				iface["outputs"] = src["returns"]
			}
			capability["interface"] = iface
		}
		capabilities = append(capabilities, capability)
	}
	security := mapOr(normalized, "security")
	return Payload{
		"spec_version": stringOr(normalized, "spec_version", "1.0.0"),
		"capabilities": capabilities,
		"routing":      mapOr(normalized, "routing"),
		"security": Payload{
			"authentication": stringOr(security, "authentication", "none"),
			"authorization":  stringOr(security, "authorization", "none"),
			"encryption":     stringOr(security, "encryption", "none"),
		},
		"metadata": mapOr(normalized, "metadata"),
	}, nil
}
