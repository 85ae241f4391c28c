package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/gpuvm/datarecording"
	"github.com/sarchlab/gpuvm/mem/trace"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
	"github.com/sarchlab/gpuvm/mem/vm/dmabuf"
	"github.com/sarchlab/gpuvm/mem/vm/gmmu"
	"github.com/sarchlab/gpuvm/mem/vm/hwsync"
	"github.com/sarchlab/gpuvm/monitoring"
	"github.com/sarchlab/gpuvm/tracing"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Map and unmap random buffers from many goroutines.",
	Long: `stress creates address spaces on a simulated device and lets ` +
		`workers map, unmap and reserve memory in them concurrently. ` +
		`Running out of VA space or page table memory counts as a failed ` +
		`operation; any other error stops the run.`,
	RunE: runStress,
}

func init() {
	stressCmd.Flags().Bool("monitor", false, "serve the monitor over HTTP")
	stressCmd.Flags().Int("port", 0, "port of the monitor")
	stressCmd.Flags().Bool("open-browser", false, "open the monitor in a browser")
	stressCmd.Flags().Bool("wait", false,
		"keep the monitor running after the workload until interrupted")
	stressCmd.Flags().String("record", "",
		"record operations into <record>.sqlite3 (env "+envRecord+")")
	stressCmd.Flags().StringSlice("trace-kinds", nil,
		"only trace these kinds of operations (map, unmap, space)")

	rootCmd.AddCommand(stressCmd)
}

type stressRun struct {
	mm     *gmmu.MM
	heap   *dmabuf.Heap
	spaces []*gmmu.AddressSpace
	bar    *monitoring.ProgressBar

	countsLock sync.Mutex
	counts     map[string]int

	latency map[string]*tracing.TotalTimeTracer
}

func runStress(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	applyStressFlags(cmd)

	mm, err := newDevice(cfg, log)
	if err != nil {
		return err
	}

	var filters []tracing.TaskFilter
	if kinds, _ := cmd.Flags().GetStringSlice("trace-kinds"); len(kinds) > 0 {
		filters = append(filters, tracing.KindIs(kinds...))
	}

	if recorder := startRecording(mm, filters); recorder != nil {
		defer recorder.Close()
	}

	if log.IsLevelEnabled(logrus.DebugLevel) {
		tracing.CollectTrace(mm,
			trace.NewTracer(log, tracing.WallClock{}), filters...)
	}

	run := &stressRun{
		mm:     mm,
		heap:   dmabuf.NewHeap(mm.Buffers(), 1<<32),
		counts: make(map[string]int),
	}
	run.timeOperations([]string{"map", "unmap", "space"})

	for i := 0; i < cfg.Workload.AddressSpaces; i++ {
		as, err := mm.AllocAddressSpace(cfg.Device.BigPageSize)
		if err != nil {
			return err
		}

		run.spaces = append(run.spaces, as)
	}

	var monitor *monitoring.Monitor
	if cfg.Monitor.Enabled {
		monitor = startMonitor(cmd, mm)
		run.bar = monitor.CreateProgressBar("stress",
			uint64(cfg.Workload.Workers*cfg.Workload.Operations))
	}

	err = run.execute(ctx)
	if err != nil {
		return err
	}

	run.report()

	if monitor != nil {
		monitor.CompleteProgressBar(run.bar)

		if wait, _ := cmd.Flags().GetBool("wait"); wait {
			fmt.Fprintln(os.Stderr, "Workload done, press Ctrl-C to exit.")
			<-ctx.Done()
		}
	}

	for _, as := range run.spaces {
		as.Put()
	}

	return nil
}

func applyStressFlags(cmd *cobra.Command) {
	if on, _ := cmd.Flags().GetBool("monitor"); on {
		cfg.Monitor.Enabled = true
	}

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Monitor.Port = port
	}

	if path, _ := cmd.Flags().GetString("record"); path != "" {
		cfg.Record.Enabled = true
		cfg.Record.Path = path
	}
}

func startRecording(
	mm *gmmu.MM,
	filters []tracing.TaskFilter,
) datarecording.DataRecorder {
	if !cfg.Record.Enabled {
		return nil
	}

	recorder := datarecording.New(cfg.Record.Path)
	tracing.CollectTrace(mm,
		trace.NewDBTracer(recorder, tracing.WallClock{}), filters...)

	return recorder
}

func startMonitor(cmd *cobra.Command, mm *gmmu.MM) *monitoring.Monitor {
	monitor := monitoring.NewMonitor().WithLogger(log)
	if cfg.Monitor.Port != 0 {
		monitor = monitor.WithPortNumber(cfg.Monitor.Port)
	}

	monitor.RegisterDevice(mm)
	url := monitor.StartServer()

	if open, _ := cmd.Flags().GetBool("open-browser"); open {
		err := browser.OpenURL(url + "/api/devices")
		if err != nil {
			log.WithError(err).Warn("cannot open browser")
		}
	}

	return monitor
}

// timeOperations attaches a latency tracer per task kind.
func (r *stressRun) timeOperations(kinds []string) {
	r.latency = make(map[string]*tracing.TotalTimeTracer, len(kinds))

	for _, kind := range kinds {
		t := tracing.NewTotalTimeTracer(tracing.WallClock{}, tracing.KindIs(kind))
		tracing.CollectTrace(r.mm, t)
		r.latency[kind] = t
	}
}

func (r *stressRun) execute(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < cfg.Workload.Workers; w++ {
		rng := rand.New(rand.NewSource(cfg.Workload.Seed + int64(w)))
		as := r.spaces[w%len(r.spaces)]

		g.Go(func() error {
			return r.worker(ctx, rng, as)
		})
	}

	return g.Wait()
}

func (r *stressRun) worker(
	ctx context.Context,
	rng *rand.Rand,
	as *gmmu.AddressSpace,
) error {
	var live []uint64

	for i := 0; i < cfg.Workload.Operations; i++ {
		if ctx.Err() != nil {
			return nil
		}

		r.startOp()

		var (
			op  string
			err error
		)

		switch p := rng.Intn(10); {
		case p < 6 || len(live) == 0:
			op = "map"

			var va uint64
			va, err = as.MapBuffer(r.randomBuffer(rng, as), 0, 0,
				randomKind(rng), 0, 0)
			if err == nil {
				live = append(live, va)
			}
		case p < 9:
			op = "unmap"
			idx := rng.Intn(len(live))
			err = as.UnmapBuffer(live[idx])
			live = append(live[:idx], live[idx+1:]...)
		default:
			op = "reserve"
			err = r.reserveAndMap(rng, as)
		}

		err = r.finishOp(op, err)
		if err != nil {
			return err
		}
	}

	for _, va := range live {
		err := as.UnmapBuffer(va)
		if err != nil {
			return err
		}
	}

	return nil
}

// reserveAndMap reserves a big page region, maps a buffer at a fixed offset
// inside it and frees the region together with the buffer.
func (r *stressRun) reserveAndMap(rng *rand.Rand, as *gmmu.AddressSpace) error {
	big := as.BigPageSize()
	pages := uint64(1 + rng.Intn(4))

	flags := vm.SpaceFlags(0)
	if rng.Intn(2) == 0 {
		flags |= vm.SpaceSparse
	}

	start, err := as.AllocSpace(pages*big, big, flags, 0)
	if err != nil {
		return err
	}

	buf := r.heap.Alloc(big, big, chip.KindPitch)
	offset := start + uint64(rng.Intn(int(pages)))*big

	_, err = as.MapBuffer(buf, offset, vm.MapFixedOffset, vm.KindAuto, 0, 0)
	if err != nil {
		return errors.Join(err, as.FreeSpace(start, pages*big, big))
	}

	return as.FreeSpace(start, pages*big, big)
}

func (r *stressRun) randomBuffer(rng *rand.Rand, as *gmmu.AddressSpace) vm.Buffer {
	if rng.Intn(3) == 0 {
		big := as.BigPageSize()
		pages := max(cfg.Workload.MaxBufferSize/big, 1)
		size := (1 + uint64(rng.Int63n(int64(pages)))) * big

		return r.heap.Alloc(size, big, chip.KindPitch)
	}

	pages := cfg.Workload.MaxBufferSize / vm.SmallPageSize
	size := (1 + uint64(rng.Int63n(int64(pages)))) * vm.SmallPageSize

	return r.heap.Alloc(size, vm.SmallPageSize, chip.KindPitch)
}

func randomKind(rng *rand.Rand) vm.Kind {
	kinds := []vm.Kind{
		vm.KindAuto,
		chip.KindPitch,
		chip.KindZ16_2C,
		chip.KindC32_2C,
	}

	return kinds[rng.Intn(len(kinds))]
}

func (r *stressRun) startOp() {
	if r.bar != nil {
		r.bar.Start()
	}
}

func (r *stressRun) finishOp(op string, err error) error {
	failed := err != nil
	if failed && !errors.Is(err, vm.ErrOutOfVASpace) &&
		!errors.Is(err, vm.ErrOutOfMemory) {
		return fmt.Errorf("%s: %w", op, err)
	}

	if r.bar != nil {
		r.bar.Finish(failed)
	}

	key := op
	if failed {
		key += " failed"
	}

	r.countsLock.Lock()
	r.counts[key]++
	r.countsLock.Unlock()

	return nil
}

func (r *stressRun) report() {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "OPERATION\tCOUNT")

	keys := make([]string, 0, len(r.counts))
	for k := range r.counts {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, r.counts[k])
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "TASK KIND\tCOMPLETED\tTOTAL TIME\tAVG TIME")

	kinds := make([]string, 0, len(r.latency))
	for k := range r.latency {
		kinds = append(kinds, k)
	}

	sort.Strings(kinds)

	for _, k := range kinds {
		t := r.latency[k]

		var avg time.Duration
		if n := t.Count(); n > 0 {
			avg = t.TotalTime() / time.Duration(n)
		}

		fmt.Fprintf(w, "%s\t%d\t%v\t%v\n", k, t.Count(), t.TotalTime(), avg)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "SPACE\tMAPPINGS\tREGIONS\tTABLES\tSMALL VA\tBIG VA\tFIXED TIMEOUTS")

	for _, as := range r.spaces {
		s := as.Stats()
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%#x\t%#x\t%d\n",
			s.Name, s.NumMappings, s.NumRegions, s.NumTables,
			s.SmallVAInUse, s.BigVAInUse, s.FixedUnmapTimeouts)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "SYNC\tISSUED\tCOMPLETED\tTIMED OUT\tSKIPPED")

	unit := r.mm.SyncUnit()
	for _, op := range []hwsync.Op{
		hwsync.OpFBFlush,
		hwsync.OpL2Invalidate,
		hwsync.OpL2Flush,
		hwsync.OpTLBInvalidate,
		hwsync.OpCBCClear,
	} {
		st := unit.Stats(op)
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			op, st.Issued, st.Completed, st.TimedOut, st.Skipped)
	}

	w.Flush()
}
