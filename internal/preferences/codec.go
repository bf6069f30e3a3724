package preferences

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxEncodingDepth bounds how many layers of string encoding Decode unwraps.
const maxEncodingDepth = 4

// Decode parses a stored preference value. It never fails: NULL, JSON null,
// malformed text and non-object values all decode to an empty document, and
// a JSON string holding an encoded object is unwrapped. clean reports whether
// raw already was a plain JSON object.
func Decode(raw []byte) (doc Document, clean bool) {
	doc, clean = decode(raw, 0)
	if doc == nil {
		doc = Document{}
	}
	return doc, clean
}

func decode(raw []byte, depth int) (Document, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Document{}, false
	}
	switch trimmed[0] {
	case '{':
		object, err := decodeObject(trimmed)
		if err != nil {
			return Document{}, false
		}
		return object, true
	case '"':
		if depth >= maxEncodingDepth {
			return Document{}, false
		}
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return Document{}, false
		}
		object, _ := decode([]byte(inner), depth+1)
		return object, false
	default:
		return Document{}, false
	}
}

func decodeObject(raw []byte) (Document, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode preferences: trailing data")
	}
	doc := Document(object)
	for key, value := range doc {
		if !IsKnownKey(key) {
			continue
		}
		if canonical, err := normalizeField(key, value); err == nil {
			doc[key] = canonical
		}
	}
	return doc, nil
}

// Encode renders a document for the storage column. A nil document encodes
// as an empty object, never as null.
func Encode(doc Document) ([]byte, error) {
	if doc == nil {
		return []byte("{}"), nil
	}
	encoded, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}
	return encoded, nil
}

// DecodePatch parses a request body into a partial document. Unlike Decode
// it is strict: anything but a single JSON object is an error.
func DecodePatch(r io.Reader) (Document, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("body must be a single JSON object")
	}
	return Document(object), nil
}
