// ABOUTME: JSON dump parser and writer
// ABOUTME: Recognizes documents by their top-level "objects" key

package heapdump

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// JSONParser reads dumps in JSON form.
type JSONParser struct{}

// CanParse checks if the input looks like a JSON dump. Only the preview is
// inspected, so the check looks for the objects key rather than decoding.
func (p *JSONParser) CanParse(r io.Reader) bool {
	buf := make([]byte, 1024)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		return false
	}
	preview := bytes.TrimSpace(buf[:n])
	if len(preview) == 0 || preview[0] != '{' {
		return false
	}

	// Complete small documents are checked properly.
	var test struct {
		Objects json.RawMessage `json:"objects"`
	}
	if err := json.Unmarshal(preview, &test); err == nil {
		return test.Objects != nil
	}
	return bytes.Contains(preview, []byte(`"objects"`))
}

func (p *JSONParser) Parse(r io.Reader) (*Dump, error) {
	var d Dump
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return &d, nil
}

// WriteJSON writes d as indented JSON.
func WriteJSON(w io.Writer, d *Dump) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(d)
}

func init() {
	Register(&JSONParser{})
}
