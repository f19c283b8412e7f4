package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

var escapedNUL = []byte(`\u0000`)

// jsonbDoc prepares a collection or token document for a JSONB column.
// Postgres rejects the NUL code point inside JSONB strings, and metadata
// fetched from token URIs regularly carries NULs and invalid UTF-8.
func jsonbDoc(doc []byte) ([]byte, error) {
	if len(doc) == 0 {
		return nil, errors.New("empty document")
	}
	if bytes.IndexByte(doc, 0) >= 0 {
		doc = bytes.ReplaceAll(doc, []byte{0}, nil)
	}
	if !utf8.Valid(doc) {
		doc = bytes.ToValidUTF8(doc, nil)
	}
	if !json.Valid(doc) {
		return nil, errors.New("not valid json")
	}
	if !bytes.Contains(doc, escapedNUL) {
		return doc, nil
	}

	// Escaped NULs can sit in keys or values at any depth; decode and
	// rewrite the document instead of patching bytes.
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stripNUL(v)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func stripNUL(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, "\x00", "")
	case []any:
		for i := range t {
			t[i] = stripNUL(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[strings.ReplaceAll(k, "\x00", "")] = stripNUL(e)
		}
		return out
	default:
		return v
	}
}
