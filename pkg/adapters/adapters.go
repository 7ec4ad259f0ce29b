// Package adapters validates and normalizes per-protocol
// protocol_extensions payloads. Each supported protocol contributes an
// Adapter; the Registry maps protocol tokens to adapters so new protocols
// plug in without touching the core.
package adapters

import (
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/agentns/ans/pkg/anserr"
)

// Payload is a protocol_extensions JSON object.
type Payload = map[string]interface{}

// Adapter validates, parses and formats one protocol's extension payload.
type Adapter interface {
	// Protocol returns the protocol token the adapter handles.
	Protocol() string

	// Validate checks payload against the protocol's schema.
	Validate(payload Payload) error

	// Parse converts a protocol payload into the normalized internal form.
	Parse(payload Payload) (Payload, error)

	// Format converts a normalized form back into the protocol payload.
	Format(normalized Payload) (Payload, error)
}

// Registry is a concurrency-safe protocol → adapter map.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry preloaded with the a2a and mcp adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(NewA2A())
	r.Register(NewMCP())
	return r
}

// Register adds or replaces the adapter for its protocol.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Protocol()] = a
}

// Get returns the adapter for protocol, or an UnsupportedProtocol error.
func (r *Registry) Get(protocol string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[protocol]
	if !ok {
		return nil, anserr.E("adapters.Get", anserr.KindUnsupportedProtocol,
			"no adapter registered for protocol "+protocol)
	}
	return a, nil
}

// Protocols lists the registered protocol tokens, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// mustCompile compiles a schema literal at package init.
func mustCompile(schemaJSON string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		panic(err)
	}
	return s
}

// validateAgainst runs payload through schema and folds violations into a
// single ExtensionInvalid error.
func validateAgainst(op string, schema *gojsonschema.Schema, payload Payload) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return anserr.E(op, anserr.KindExtensionInvalid, err)
	}
	if result.Valid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		reasons = append(reasons, desc.String())
	}
	return anserr.E(op, anserr.KindExtensionInvalid, strings.Join(reasons, "; "))
}

func stringOr(p Payload, key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

func mapOr(p Payload, key string) Payload {
	if v, ok := p[key].(map[string]interface{}); ok {
		return v
	}
	return Payload{}
}

func sliceOf(p Payload, key string) []interface{} {
	if v, ok := p[key].([]interface{}); ok {
		return v
	}
	return nil
}
