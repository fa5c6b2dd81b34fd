package main

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/prateek/gcheap/finalize"
	"github.com/prateek/gcheap/graph"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/heapdump"

	"go.uber.org/zap"
)

// errFinalizerFailed is returned by the "fail" finalizer.
var errFinalizerFailed = errors.New("finalizer failed on purpose")

// builtinFinalizers returns the finalizers dumps can refer to by name.
func builtinFinalizers(logger *zap.Logger) map[string]finalize.Finalizer {
	var mu sync.Mutex
	resurrected := make(map[graph.ObjID]bool)
	return map[string]finalize.Finalizer{
		"log": func(e *finalize.Entry) error {
			logger.Info("Finalizing object",
				zap.Uint64("object", uint64(e.Object)),
				zap.Uint64("pass", e.Pass),
				zap.Bool("critical", e.Critical))
			return nil
		},
		"reregister-once": func(e *finalize.Entry) error {
			mu.Lock()
			first := !resurrected[e.Object]
			resurrected[e.Object] = true
			mu.Unlock()
			logger.Info("Finalizing object",
				zap.Uint64("object", uint64(e.Object)),
				zap.Uint64("pass", e.Pass),
				zap.Bool("reregister", first))
			if first {
				return e.ReRegister()
			}
			return nil
		},
		"fail": func(*finalize.Entry) error {
			return errFinalizerFailed
		},
		"panic": func(*finalize.Entry) error {
			panic(errFinalizerFailed)
		},
	}
}

// scenario is a dump loaded into a live heap.
type scenario struct {
	heap *heap.Heap
	dump *heapdump.Dump
	// ids maps dump IDs to heap IDs and names maps them back.
	ids   map[graph.ObjID]graph.ObjID
	names map[graph.ObjID]graph.ObjID
}

func loadScenario(path string) (*scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d, err := heapdump.Open(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	opts, err := cfg.HeapOptions(logger)
	if err != nil {
		return nil, err
	}
	h := heap.New(opts...)
	ids, err := heapdump.Load(d, h, heapdump.LoadOptions{
		Thread:     1,
		Finalizers: builtinFinalizers(logger),
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	names := make(map[graph.ObjID]graph.ObjID, len(ids))
	for dumpID, heapID := range ids {
		names[heapID] = dumpID
	}
	logger.Debug("Loaded scenario",
		zap.String("path", path),
		zap.Int("objects", len(ids)),
		zap.Stringer("heap", h.ID()))
	return &scenario{heap: h, dump: d, ids: ids, names: names}, nil
}

// name translates a heap ID back to the dump's numbering.
func (s *scenario) name(id graph.ObjID) string {
	switch id {
	case graph.RootContainer:
		return "<roots>"
	case graph.Nil:
		return "<nil>"
	}
	if dumpID, ok := s.names[id]; ok {
		return fmt.Sprintf("%d", dumpID)
	}
	return fmt.Sprintf("heap:%d", id)
}
