package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franksops/gobucket/store"
)

var (
	historyRun   string
	historyAll   bool
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history [job-id]",
	Short: "Show recorded transfer outcomes",
	Long: `History prints the per-file outcomes recorded by previous runs.

Without flags it shows the most recent run. Job ids restart at 0 in every
run.

Examples:
  gobucket history
  gobucket history 2
  gobucket history --all --limit 50`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Run id to show (default: most recent)")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "Show every run")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show at most this many records (newest)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(_ *cobra.Command, args []string) error {
	filter := store.Filter{JobID: store.AnyJob, Limit: historyLimit}
	if len(args) == 1 {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}
		filter.JobID = id
	}

	s, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	switch {
	case historyAll:
	case historyRun != "":
		filter.Run = historyRun
	default:
		run, err := s.LastRun()
		if errors.Is(err, store.ErrRecordNotFound) {
			fmt.Println("No transfers recorded.")
			return nil
		}
		if err != nil {
			return err
		}
		filter.Run = run
	}

	recs, err := s.List(filter)
	if err != nil {
		return err
	}
	printHistory(os.Stdout, recs, historyAll)
	return nil
}

// printHistory prints one line per record; the run column is only shown
// when several runs are listed.
func printHistory(w io.Writer, recs []*store.TransferRecord, withRun bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range recs {
		if withRun {
			fmt.Fprintf(tw, "%s\t", shortRun(r.Run))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s/%s\t%s",
			r.Time.Local().Format("2006-01-02 15:04:05"),
			r.JobID,
			r.State,
			r.Direction,
			r.Bucket,
			r.Object,
			humanize.IBytes(uint64(r.Bytes)))
		if r.Error != "" {
			fmt.Fprintf(tw, "\t%s", r.Error)
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
}

func shortRun(run string) string {
	if len(run) > 8 {
		return run[:8]
	}
	return run
}
