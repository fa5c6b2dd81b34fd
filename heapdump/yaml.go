// ABOUTME: YAML dump parser and writer
// ABOUTME: Used for hand-written scenario files

package heapdump

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLParser reads dumps in YAML form.
type YAMLParser struct{}

// CanParse accepts block-style documents with a top-level objects key.
// Flow-style documents are left to the JSON parser.
func (p *YAMLParser) CanParse(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || trimmed == "---" {
			continue
		}
		if strings.HasPrefix(trimmed, "{") {
			return false
		}
		if strings.HasPrefix(line, "objects:") {
			return true
		}
	}
	return false
}

func (p *YAMLParser) Parse(r io.Reader) (*Dump, error) {
	var d Dump
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&d); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("failed to decode YAML: empty document")
		}
		return nil, fmt.Errorf("failed to decode YAML: %w", err)
	}
	return &d, nil
}

// WriteYAML writes d as a YAML document.
func WriteYAML(w io.Writer, d *Dump) error {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(d); err != nil {
		return err
	}
	if err := encoder.Close(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func init() {
	Register(&YAMLParser{})
}
