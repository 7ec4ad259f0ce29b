package crypto

import (
	"bytes"
	"encoding/json"

	"github.com/agentns/ans/pkg/anserr"
)

// CanonicalJSON serializes v as UTF-8 JSON with object keys in
// lexicographic order and no insignificant whitespace. The value is
// round-tripped through generic maps first so struct field order never
// leaks into the output. This form is the sole input to endpoint-record
// signing and verification; canonicalizing twice is byte-identical.
func CanonicalJSON(v interface{}) ([]byte, error) {
	const op = "crypto.CanonicalJSON"
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, anserr.E(op, anserr.KindInternal, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
