// Package alloc accounts the bytes allocated by each logical thread of
// execution. Every thread owns its counter, so recording an allocation is a
// single atomic add with no cross-thread contention.
package alloc

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prateek/gcheap/gcerr"
	"github.com/prometheus/client_golang/prometheus"
)

// ThreadID identifies a logical thread of execution (a mutator).
type ThreadID uint64

// Counter is the allocation counter of one thread. It only increases.
type Counter struct {
	bytes       atomic.Uint64
	allocations atomic.Uint64
}

// Add records one allocation of size bytes. Size must be positive.
func (c *Counter) Add(size int64) error {
	if size <= 0 {
		return gcerr.InvalidArgument("allocation size %d is not positive", size)
	}
	c.bytes.Add(uint64(size))
	c.allocations.Add(1)
	return nil
}

// Bytes returns the exact number of bytes recorded so far.
func (c *Counter) Bytes() uint64 { return c.bytes.Load() }

// Allocations returns the number of allocations recorded so far.
func (c *Counter) Allocations() uint64 { return c.allocations.Load() }

var (
	threadAllocatedBytesDesc = prometheus.NewDesc(
		"gcheap_alloc_thread_allocated_bytes_total",
		"Bytes allocated by a thread since it was first seen.",
		[]string{"thread"}, nil)
	threadAllocationsDesc = prometheus.NewDesc(
		"gcheap_alloc_thread_allocations_total",
		"Allocations made by a thread since it was first seen.",
		[]string{"thread"}, nil)
)

// Accountant owns the counters of all live threads. It implements
// prometheus.Collector, reporting one series per thread.
type Accountant struct {
	mu      sync.RWMutex
	threads map[ThreadID]*Counter
}

func NewAccountant() *Accountant {
	return &Accountant{threads: make(map[ThreadID]*Counter)}
}

// Thread returns the counter owned by thread, creating it on first use.
// Hot allocation paths should hold on to the returned counter.
func (a *Accountant) Thread(thread ThreadID) *Counter {
	a.mu.RLock()
	c, ok := a.threads[thread]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.threads[thread]; ok {
		return c
	}
	c = &Counter{}
	a.threads[thread] = c
	return c
}

// RecordAllocation attributes an allocation of size bytes to thread.
func (a *Accountant) RecordAllocation(thread ThreadID, size int64) error {
	if size <= 0 {
		return gcerr.InvalidArgument("allocation size %d is not positive", size)
	}
	return a.Thread(thread).Add(size)
}

// GetAllocatedBytes returns the bytes allocated by thread, or zero for a
// thread that never allocated.
func (a *Accountant) GetAllocatedBytes(thread ThreadID) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c, ok := a.threads[thread]; ok {
		return c.Bytes()
	}
	return 0
}

// Terminate discards the counter of a thread that has exited. A later
// allocation on the same ID starts from zero.
func (a *Accountant) Terminate(thread ThreadID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.threads, thread)
}

// Total returns the bytes allocated by all live threads.
func (a *Accountant) Total() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var total uint64
	for _, c := range a.threads {
		total += c.Bytes()
	}
	return total
}

func (a *Accountant) Describe(ch chan<- *prometheus.Desc) {
	ch <- threadAllocatedBytesDesc
	ch <- threadAllocationsDesc
}

func (a *Accountant) Collect(ch chan<- prometheus.Metric) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for thread, c := range a.threads {
		label := strconv.FormatUint(uint64(thread), 10)
		ch <- prometheus.MustNewConstMetric(threadAllocatedBytesDesc, prometheus.CounterValue, float64(c.Bytes()), label)
		ch <- prometheus.MustNewConstMetric(threadAllocationsDesc, prometheus.CounterValue, float64(c.Allocations()), label)
	}
}
