// Package layout describes the memory layout of managed objects: their
// instance size, which words hold pointers, and whether the type declares
// a finalizer. The tracer and collection driver consume layouts only
// through TypeDescriptor.
package layout

import (
	"github.com/prateek/gcheap/finalize"
	"github.com/prateek/gcheap/gcerr"
)

// WordSize is the size in bytes of one object slot.
const WordSize = 8

// TypeDescriptor is the static metadata of a managed type.
type TypeDescriptor interface {
	// Name returns the type name used in snapshots and logs.
	Name() string
	// Size returns the instance size in bytes, a non-zero multiple of
	// WordSize.
	Size() uint64
	// PointerOffsets returns the byte offsets of pointer slots, ascending.
	PointerOffsets() []uint64
	// Finalizer returns the finalizer declared by the type, or nil.
	Finalizer() finalize.Finalizer
	// CriticalFinalizer reports whether the finalizer must run after all
	// ordinary finalizers of the same pass.
	CriticalFinalizer() bool
}

// FinalizerNamer is implemented by descriptors whose finalizer is known by
// a name, such as the types loaded from a heap dump.
type FinalizerNamer interface {
	FinalizerName() string
}

// Type is a TypeDescriptor backed by a pointer bitmap with one bit per
// word, lowest word in the lowest bit.
type Type struct {
	name      string
	size      uint64
	bitmap    []byte
	finalizer finalize.Finalizer
	fnName    string
	critical  bool
}

// Option configures a Type under construction.
type Option func(*Type) error

// WithPointers marks the words at the given byte offsets as pointer slots.
func WithPointers(offsets ...uint64) Option {
	return func(t *Type) error {
		for _, offset := range offsets {
			if err := t.setPointer(offset); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithFinalizer declares an ordinary finalizer for the type.
func WithFinalizer(fn finalize.Finalizer) Option {
	return func(t *Type) error {
		t.finalizer = fn
		t.critical = false
		return nil
	}
}

// WithCriticalFinalizer declares a finalizer that runs after the ordinary
// finalizers of a pass.
func WithCriticalFinalizer(fn finalize.Finalizer) Option {
	return func(t *Type) error {
		t.finalizer = fn
		t.critical = true
		return nil
	}
}

// WithFinalizerName records the name under which the type's finalizer is
// resolved, so that exported dumps can refer to it again.
func WithFinalizerName(name string) Option {
	return func(t *Type) error {
		t.fnName = name
		return nil
	}
}

// NewType creates a type of the given size, rounded up to whole words.
func NewType(name string, size uint64, opts ...Option) (*Type, error) {
	if name == "" {
		return nil, gcerr.InvalidArgument("type name is empty")
	}
	if size == 0 {
		return nil, gcerr.InvalidArgument("type %q has zero size", name)
	}
	words := (size + WordSize - 1) / WordSize
	t := &Type{
		name:   name,
		size:   words * WordSize,
		bitmap: make([]byte, (words+7)/8),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.fnName != "" && t.finalizer == nil {
		return nil, gcerr.InvalidArgument("type %q: finalizer name %q without a finalizer", name, t.fnName)
	}
	return t, nil
}

// MustNewType is like NewType but panics on error. It is intended for
// package-level type declarations and tests.
func MustNewType(name string, size uint64, opts ...Option) *Type {
	t, err := NewType(name, size, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Type) setPointer(offset uint64) error {
	if offset%WordSize != 0 {
		return gcerr.InvalidArgument("type %q: pointer offset %d is not word aligned", t.name, offset)
	}
	if offset >= t.size {
		return gcerr.InvalidArgument("type %q: pointer offset %d outside of %d byte instance", t.name, offset, t.size)
	}
	word := offset / WordSize
	t.bitmap[word/8] |= 1 << (word % 8)
	return nil
}

// HasPointer reports whether the word at the given byte offset is a
// pointer slot.
func (t *Type) HasPointer(offset uint64) bool {
	if offset%WordSize != 0 || offset >= t.size {
		return false
	}
	word := offset / WordSize
	return t.bitmap[word/8]&(1<<(word%8)) != 0
}

func (t *Type) Name() string { return t.name }

func (t *Type) Size() uint64 { return t.size }

// Words returns the number of slots in an instance.
func (t *Type) Words() int { return int(t.size / WordSize) }

func (t *Type) PointerOffsets() []uint64 {
	var offsets []uint64
	for word := uint64(0); word < t.size/WordSize; word++ {
		if t.bitmap[word/8]&(1<<(word%8)) != 0 {
			offsets = append(offsets, word*WordSize)
		}
	}
	return offsets
}

func (t *Type) Finalizer() finalize.Finalizer { return t.finalizer }

func (t *Type) CriticalFinalizer() bool { return t.critical }

// FinalizerName returns the name given with WithFinalizerName, if any.
func (t *Type) FinalizerName() string { return t.fnName }
