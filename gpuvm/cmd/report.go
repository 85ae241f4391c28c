package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/gpuvm/datarecording"
	"github.com/sarchlab/gpuvm/mem/trace"
)

var reportCmd = &cobra.Command{
	Use:   "report <recording.sqlite3>",
	Short: "Summarize a recorded run.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().Int("failures", 20, "number of failed operations to list")

	rootCmd.AddCommand(reportCmd)
}

type opSummary struct {
	count    int
	failed   int
	bytes    uint64
	duration float64
}

func runReport(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(args[0]); err != nil {
		return err
	}

	reader := datarecording.NewReader(args[0])
	defer reader.Close()

	reader.MapTable(trace.TableName, trace.TaskEntry{})

	results, _, err := reader.Query(cmd.Context(), trace.TableName,
		datarecording.QueryParams{OrderBy: "StartTime"})
	if err != nil {
		return err
	}

	entries := make([]*trace.TaskEntry, 0, len(results))
	for _, r := range results {
		entries = append(entries, r.(*trace.TaskEntry))
	}

	printSummary(cmd.OutOrStdout(), entries)

	limit, _ := cmd.Flags().GetInt("failures")
	failures, total, err := reader.Query(cmd.Context(), trace.TableName,
		datarecording.QueryParams{
			Where:   "Error != ?",
			Args:    []any{""},
			OrderBy: "StartTime",
			Limit:   limit,
		})
	if err != nil {
		return err
	}

	printFailures(cmd.OutOrStdout(), failures, total)

	return nil
}

func printSummary(out io.Writer, entries []*trace.TaskEntry) {
	summaries := make(map[string]*opSummary)

	for _, e := range entries {
		key := e.Kind + "/" + e.What

		s, ok := summaries[key]
		if !ok {
			s = &opSummary{}
			summaries[key] = s
		}

		s.count++
		s.duration += e.EndTime - e.StartTime

		if e.Error != "" {
			s.failed++
			continue
		}

		s.bytes += e.ByteSize
	}

	keys := make([]string, 0, len(summaries))
	for k := range summaries {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tCOUNT\tFAILED\tBYTES\tAVG TIME")

	for _, k := range keys {
		s := summaries[k]
		fmt.Fprintf(w, "%s\t%d\t%d\t%#x\t%.3gs\n",
			k, s.count, s.failed, s.bytes, s.duration/float64(s.count))
	}

	w.Flush()
}

func printFailures(out io.Writer, failures []any, total int) {
	if total == 0 {
		return
	}

	fmt.Fprintf(out, "\n%d failed operations", total)

	if len(failures) < total {
		fmt.Fprintf(out, ", showing %d", len(failures))
	}

	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SPACE\tTASK\tADDRESS\tERROR")

	for _, f := range failures {
		e := f.(*trace.TaskEntry)
		fmt.Fprintf(w, "%s\t%s/%s\t%#x\t%s\n",
			e.AddressSpace, e.Kind, e.What, e.Address, e.Error)
	}

	w.Flush()
}
