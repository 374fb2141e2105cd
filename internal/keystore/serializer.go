package keystore

import "encoding/json"

// Serializer encodes/decodes Go values to/from the textual form stored in
// Redis. Implementations must be safe for concurrent use.
type Serializer interface {
	Encode(value any) (string, error)
	Decode(raw string, out any) error
}

// jsonSerializer is the default self-describing serializer (C2): it carries
// arbitrary structured payloads through Redis as JSON, with one twist --
// a decode failure falls back to treating the raw string as the value, so
// legacy unstructured entries written before a schema existed remain
// readable rather than erroring.
type jsonSerializer struct{}

// DefaultSerializer returns the module's built-in JSON serializer.
func DefaultSerializer() Serializer { return jsonSerializer{} }

func (jsonSerializer) Encode(value any) (string, error) {
	if s, ok := value.(string); ok {
		// Strings still round-trip through JSON so Decode can tell a
		// legacy raw string apart from a JSON-encoded string value, but
		// encoding a bare string never fails.
		b, err := json.Marshal(s)
		return string(b), err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (jsonSerializer) Decode(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		// Fall back to the raw string so legacy unstructured values
		// survive a read instead of surfacing a decode error.
		if sp, ok := out.(*any); ok {
			*sp = raw
			return nil
		}
		if sp, ok := out.(*string); ok {
			*sp = raw
			return nil
		}
		return err
	}
	return nil
}
