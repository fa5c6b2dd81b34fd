package main

import (
	"fmt"
	"math/rand"

	"github.com/inhies/go-bytesize"
	"github.com/prateek/gcheap/alloc"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/layout"
	"github.com/seehuhn/mt19937"
	"github.com/spf13/cobra"

	"golang.org/x/sync/errgroup"
)

var (
	allocThreads int
	allocCount   int
	allocSeed    int64
	allocEvery   int
)

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Allocate random objects from several threads",
	Long: `Allocates objects of four shapes (2, 4, 6 and 10 words) chosen by a
Mersenne Twister, spread across threads, collecting periodically. Prints the
bytes accounted to each thread.`,
	Args: cobra.NoArgs,
	RunE: runAlloc,
}

func init() {
	allocCmd.Flags().IntVar(&allocThreads, "threads", 4, "Number of allocating threads")
	allocCmd.Flags().IntVar(&allocCount, "count", 100000, "Allocations per thread")
	allocCmd.Flags().Int64Var(&allocSeed, "seed", 0, "Random seed")
	allocCmd.Flags().IntVar(&allocEvery, "collect-every", 10000, "Collect after this many allocations per thread (0 disables)")
}

func runAlloc(cmd *cobra.Command, args []string) error {
	if allocThreads <= 0 || allocCount < 0 {
		return fmt.Errorf("invalid thread or allocation count")
	}
	opts, err := cfg.HeapOptions(logger)
	if err != nil {
		return err
	}
	h := heap.New(opts...)
	defer h.Close()

	shapes := make([]layout.TypeDescriptor, 0, 4)
	for _, words := range []uint64{2, 4, 6, 10} {
		offsets := make([]uint64, words)
		for i := range offsets {
			offsets[i] = uint64(i) * layout.WordSize
		}
		t, err := layout.NewType(fmt.Sprintf("Shape%d", words), words*layout.WordSize, layout.WithPointers(offsets...))
		if err != nil {
			return err
		}
		shapes = append(shapes, t)
	}

	var group errgroup.Group
	for thread := 1; thread <= allocThreads; thread++ {
		thread := thread
		group.Go(func() error {
			twister := mt19937.New()
			twister.Seed(allocSeed + int64(thread))
			rng := rand.New(twister)
			for i := 1; i <= allocCount; i++ {
				if _, err := h.Allocate(alloc.ThreadID(thread), shapes[rng.Intn(len(shapes))]); err != nil {
					return err
				}
				if allocEvery > 0 && i%allocEvery == 0 {
					h.Collect()
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for thread := 1; thread <= allocThreads; thread++ {
		bytes := h.GetAllocatedBytes(alloc.ThreadID(thread))
		fmt.Fprintf(out, "thread %d: %s (%d bytes)\n", thread, bytesize.New(float64(bytes)), bytes)
	}
	h.Collect()
	fmt.Fprintln(out, h.Stats())
	return nil
}
