package adapters

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/agentns/ans/pkg/anserr"
)

// mcpSchema is the Model Context Protocol extension contract.
const mcpSchema = `{
  "type": "object",
  "required": ["schema_version", "context_specifications"],
  "properties": {
    "schema_version": {"type": "string"},
    "context_specifications": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["context_type", "version", "description", "schema"],
        "properties": {
          "context_type": {"type": "string"},
          "version": {"type": "string"},
          "description": {"type": "string"},
          "schema": {"type": "object"},
          "max_tokens": {"type": "integer"}
        }
      }
    },
    "document_types": {"type": "array", "items": {"type": "string"}},
    "token_limit": {"type": "integer"},
    "metadata": {"type": "object", "additionalProperties": true}
  }
}`

// MCP handles the Model Context Protocol.
type MCP struct {
	schema *gojsonschema.Schema
}

// NewMCP builds the mcp adapter.
func NewMCP() *MCP {
	return &MCP{schema: mustCompile(mcpSchema)}
}

func (m *MCP) Protocol() string { return "mcp" }

func (m *MCP) Validate(payload Payload) error {
	return validateAgainst("adapters.mcp.Validate", m.schema, payload)
}

// Parse lifts context specifications into the normalized capability form.
func (m *MCP) Parse(payload Payload) (Payload, error) {
	if err := m.Validate(payload); err != nil {
		return nil, err
	}
	var capabilities []interface{}
	for _, item := range sliceOf(payload, "context_specifications") {
		src, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		capability := Payload{
			"name":        stringOr(src, "context_type", ""),
			"version":     stringOr(src, "version", ""),
			"description": stringOr(src, "description", ""),
			"schema":      mapOr(src, "schema"),
		}
		if maxTokens, ok := src["max_tokens"]; ok {
			capability["max_tokens"] = maxTokens
		}
		capabilities = append(capabilities, capability)
	}
	normalized := Payload{
		"protocol":       "mcp",
		"schema_version": stringOr(payload, "schema_version", ""),
		"capabilities":   capabilities,
		"document_types": sliceOf(payload, "document_types"),
		"metadata":       mapOr(payload, "metadata"),
	}
	if limit, ok := payload["token_limit"]; ok {
		normalized["token_limit"] = limit
	}
	return normalized, nil
}

// Format is the inverse of Parse.
func (m *MCP) Format(normalized Payload) (Payload, error) {
	if stringOr(normalized, "protocol", "") != "mcp" {
		return nil, errNotNormalized("adapters.mcp.Format", "mcp")
	}
	var specs []interface{}
	for _, item := range sliceOf(normalized, "capabilities") {
		src, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		spec := Payload{
			"context_type": stringOr(src, "name", ""),
			"version":      stringOr(src, "version", ""),
			"description":  stringOr(src, "description", ""),
			"schema":       mapOr(src, "schema"),
		}
		if maxTokens, ok := src["max_tokens"]; ok {
			spec["max_tokens"] = maxTokens
		}
		specs = append(specs, spec)
	}
	out := Payload{
		"schema_version":         stringOr(normalized, "schema_version", "1.0.0"),
		"context_specifications": specs,
	}
	if docs := sliceOf(normalized, "document_types"); docs != nil {
		out["document_types"] = docs
	}
	if limit, ok := normalized["token_limit"]; ok {
		out["token_limit"] = limit
	}
	if meta, ok := normalized["metadata"]; ok {
		out["metadata"] = meta
	}
	return out, nil
}

func errNotNormalized(op, protocol string) error {
	return anserr.E(op, anserr.KindExtensionInvalid, "data is not normalized "+protocol+" form")
}
