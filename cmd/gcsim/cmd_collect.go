package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/inhies/go-bytesize"
	"github.com/prateek/gcheap/heapdump"
	"github.com/spf13/cobra"

	"go.uber.org/zap"
)

var (
	collectCycles int
	collectOutput string
)

var collectCmd = &cobra.Command{
	Use:   "collect <dump>",
	Short: "Run collection cycles over a dump",
	Long: `Loads the dump and runs collection cycles. Each cycle collects, then waits
for the finalizers it queued. Types may name one of the built-in finalizers:
log, reregister-once, fail and panic.

With --output the surviving heap is written as a dump; the format follows the
file extension (.json, .yaml or .yml).`,
	Args: cobra.ExactArgs(1),
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().IntVarP(&collectCycles, "cycles", "n", 0, "Number of cycles (default: heap.cycles from the config)")
	collectCmd.Flags().StringVarP(&collectOutput, "output", "o", "", "Write the surviving heap to this file")
}

func runCollect(cmd *cobra.Command, args []string) error {
	s, err := loadScenario(args[0])
	if err != nil {
		return err
	}
	defer s.heap.Close()

	cycles := cfg.Heap.Cycles
	if collectCycles > 0 {
		cycles = collectCycles
	}

	out := cmd.OutOrStdout()
	for i := 0; i < cycles; i++ {
		result := s.heap.Collect()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.GetWaitTimeout())
		err := s.heap.WaitForPendingFinalizersContext(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("cycle %d: waiting for finalizers: %w", i+1, err)
		}
		fmt.Fprintf(out, "cycle %d: marked %d, queued %d, freed %d (%s) in %s\n",
			i+1, result.Marked, result.Queued, result.Freed,
			bytesize.New(float64(result.FreedBytes)), result.Duration)
	}
	fmt.Fprintln(out, s.heap.Stats())

	if collectOutput == "" {
		return nil
	}
	d := heapdump.Snapshot(s.heap)
	f, err := os.Create(collectOutput)
	if err != nil {
		return err
	}
	switch filepath.Ext(collectOutput) {
	case ".yaml", ".yml":
		err = heapdump.WriteYAML(f, d)
	default:
		err = heapdump.WriteJSON(f, d)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logger.Debug("Wrote snapshot", zap.String("path", collectOutput), zap.Int("objects", len(d.Objects)))
	return nil
}
