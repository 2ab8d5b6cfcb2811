package model

import (
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	InvalidJSONError = errors.New("invalid json")
	NotObjectError   = errors.New("json payload is not an object")
)

// Document is a JSON object kept in its raw form. Fields the service does not
// know about are preserved in their original order when the document is
// echoed back with additional keys.
type Document struct {
	raw []byte
}

func ParseDocument(raw []byte) (*Document, error) {
	if !gjson.ValidBytes(raw) {
		return nil, InvalidJSONError
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, NotObjectError
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)

	return &Document{raw: buf}, nil
}

// Has reports whether key is present at the top level, whatever its value.
func (d *Document) Has(key string) bool {
	return d.get(key).Exists()
}

// String returns the value of key when it is a JSON string.
func (d *Document) String(key string) (string, bool) {
	r := d.get(key)
	if r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}

// StringMap returns the object under key with every value stringified.
// Absent keys and non-object values yield an empty map.
func (d *Document) StringMap(key string) map[string]string {
	out := make(map[string]string)
	r := d.get(key)
	if !r.IsObject() {
		return out
	}
	r.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = v.String()
		return true
	})
	return out
}

// Set adds or replaces a top-level key.
func (d *Document) Set(key string, value any) error {
	raw, err := sjson.SetBytes(d.raw, escapeKey(key), value)
	if err != nil {
		return err
	}
	d.raw = raw
	return nil
}

func (d *Document) Bytes() []byte {
	return d.raw
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return d.raw, nil
}

func (d *Document) get(key string) gjson.Result {
	return gjson.GetBytes(d.raw, escapeKey(key))
}

// escapeKey protects gjson/sjson path syntax so that key is matched literally.
func escapeKey(key string) string {
	buf := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			buf = append(buf, '\\')
		}
		buf = append(buf, key[i])
	}
	return string(buf)
}
