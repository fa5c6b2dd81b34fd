// ABOUTME: Parser interface for heap dump formats
// ABOUTME: Defines the contract for pluggable dump parsers

package heapdump

import "io"

// Parser is the interface for heap dump parsers
type Parser interface {
	// CanParse checks if this parser can handle the given dump format.
	// The reader is a preview of the first bytes of the dump; implementations
	// must not assume it holds the whole document.
	CanParse(r io.Reader) bool

	// Parse decodes a complete dump. The reader is positioned at the start.
	Parse(r io.Reader) (*Dump, error)
}
