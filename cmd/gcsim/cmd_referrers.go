package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/inhies/go-bytesize"
	"github.com/prateek/gcheap/graph"
	"github.com/spf13/cobra"
)

var (
	referrersPaths    int
	referrersRetained bool
)

var referrersCmd = &cobra.Command{
	Use:   "referrers <dump> <id>...",
	Short: "List every reference to the given objects",
	Long: `Loads the dump and reports, for each object ID (as numbered in the dump),
every object slot and root slot that references it.

With --paths the shortest reference chains to the roots are printed too, and
--retained adds the bytes that would become unreachable without the object.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runReferrers,
}

func init() {
	referrersCmd.Flags().IntVar(&referrersPaths, "paths", 0, "Print up to N paths to the roots per object")
	referrersCmd.Flags().BoolVar(&referrersRetained, "retained", false, "Print the retained size of each object")
}

func runReferrers(cmd *cobra.Command, args []string) error {
	s, err := loadScenario(args[0])
	if err != nil {
		return err
	}
	defer s.heap.Close()

	var targets []graph.ObjID
	for _, arg := range args[1:] {
		n, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid object ID %q: %w", arg, err)
		}
		id, ok := s.ids[graph.ObjID(n)]
		if !ok {
			return fmt.Errorf("object %d is not in the dump", n)
		}
		targets = append(targets, id)
	}

	records, err := s.heap.FindReferrersAll(context.Background(), targets)
	if err != nil {
		return err
	}

	var snapshot *graph.MemGraph
	var retained map[graph.ObjID]uint64
	var idom map[graph.ObjID]graph.ObjID
	if referrersPaths > 0 || referrersRetained {
		snapshot = s.heap.Snapshot()
	}
	if referrersRetained {
		retained = graph.RetainedSizeSubsets(snapshot, targets)
		idom = graph.Dominators(snapshot)
	}

	out := cmd.OutOrStdout()
	for _, target := range targets {
		fmt.Fprintf(out, "object %s: %d referrers\n", s.name(target), len(records[target]))
		for _, r := range records[target] {
			fmt.Fprintf(out, "  %s +%d\n", s.name(r.Referrer), r.Offset)
		}
		if referrersRetained {
			fmt.Fprintf(out, "  retained: %s\n", bytesize.New(float64(retained[target])))
			fmt.Fprint(out, "  dominators:")
			for _, id := range graph.DominatorPath(idom, target) {
				fmt.Fprintf(out, " %s", s.name(id))
			}
			fmt.Fprintln(out)
		}
		for _, path := range graph.PathsToRoots(snapshot, target, referrersPaths) {
			fmt.Fprint(out, "  path:")
			for _, id := range path.IDs {
				fmt.Fprintf(out, " %s", s.name(id))
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}
