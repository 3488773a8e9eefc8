// Package canonical produces deterministic JSON for evidence metadata and for
// custody envelopes published outside the metadata store.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNotObject is returned by Object when the input is valid JSON but not an object.
var ErrNotObject = errors.New("metadata must be a JSON object")

// Marshal returns deterministic JSON bytes for a JSON-like value.
// Object keys are sorted; array order is preserved; numbers keep their
// textual form when decoded with UseNumber.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Object validates that raw is a JSON object and returns its canonical form.
// Empty input yields "{}".
func Object(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, ErrNotObject
	}
	out, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// Merge overlays patch's top-level keys onto base and returns the canonical
// result. Both inputs must be JSON objects (or empty).
func Merge(base, patch json.RawMessage) (json.RawMessage, error) {
	b, err := objectMap(base)
	if err != nil {
		return nil, fmt.Errorf("base: %w", err)
	}
	p, err := objectMap(patch)
	if err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	for k, v := range p {
		b[k] = v
	}
	out, err := Marshal(b)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func objectMap(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return m, nil
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode json: trailing data")
	}
	return v, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case json.RawMessage:
		inner, err := decode(vv)
		if err != nil {
			return err
		}
		return encode(buf, inner)
	case []any:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Structs, typed maps, floats: round-trip through encoding/json.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical marshal fallback: %w", err)
		}
		tmp, err := decode(b)
		if err != nil {
			return fmt.Errorf("canonical decode fallback: %w", err)
		}
		return encode(buf, tmp)
	}
	return nil
}
