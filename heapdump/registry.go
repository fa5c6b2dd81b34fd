// ABOUTME: Registry for heap dump parsers
// ABOUTME: Manages parser plugins and selects appropriate parser for dumps

package heapdump

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var (
	// ErrNoParser is returned when no parser can handle the dump format
	ErrNoParser = errors.New("no parser found for dump format")
)

// detectSize is how much of a dump is handed to CanParse.
const detectSize = 4096

type parserRegistry struct {
	mu      sync.RWMutex
	parsers []Parser
}

var registry = &parserRegistry{
	parsers: make([]Parser, 0),
}

// Register adds a parser to the registry. Parsers are tried in
// registration order.
func Register(p Parser) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.parsers = append(registry.parsers, p)
}

// Open reads a dump with the first registered parser that accepts it and
// validates the result.
func Open(r io.Reader) (*Dump, error) {
	detectBuf := make([]byte, detectSize)
	n, err := io.ReadFull(r, detectBuf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	preview := detectBuf[:n]

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	for _, parser := range registry.parsers {
		if !parser.CanParse(bytes.NewReader(preview)) {
			continue
		}
		d, err := parser.Parse(io.MultiReader(bytes.NewReader(preview), r))
		if err != nil {
			return nil, err
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		return d, nil
	}

	return nil, ErrNoParser
}
