package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rarydzu/diskstage/config"
	"github.com/rarydzu/diskstage/handlecache"
	"github.com/rarydzu/diskstage/request"
	"github.com/rarydzu/diskstage/utils"
	"github.com/rarydzu/diskstage/worker"
	"github.com/spf13/cobra"
)

func newReadCmd() *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "read FILE[:OFFSET:SIZE]...",
		Short: "Read file ranges through the drive and report their status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			stats, err := cmd.Flags().GetBool("stats")
			if err != nil {
				return err
			}
			return runRead(cmd.Context(), cfg, args, stats, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.String("root", d.Root, "Directory file names are relative to")
	flags.String("name", d.Name, "Drive name used in statistics")
	flags.Int("max-file-handles", d.MaxFileHandles, "Number of files kept open")
	flags.Int("queue-size", d.QueueSize, "Submission queue size")
	flags.Duration("stats-interval", d.StatsInterval, "Statistics collection interval")
	flags.Bool("debug", false, "Run in development mode")
	flags.Bool("stats", false, "Print drive metrics when done")
	return cmd
}

type job struct {
	arg   string
	req   *request.Request
	err   error
	start time.Time
}

func runRead(ctx context.Context, cfg *config.Config, args []string, stats bool, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := newLogger(cfg.DebugMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	registry := prometheus.NewRegistry()
	w, err := worker.New(cfg, handlecache.OSFileSystem{}, timeutil.RealClock(), registry, log)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	jobs := make([]*job, len(args))
	submitted := make(chan int, 1)
	go func() {
		n := 0
		for i, arg := range args {
			j := &job{arg: arg}
			jobs[i] = j
			j.req, j.err = prepare(ctx, w, cfg.Root, arg)
			if j.err != nil {
				continue
			}
			j.start = time.Now()
			if j.err = w.Submit(ctx, j.req); j.err == nil {
				n++
			}
		}
		submitted <- n
	}()
	want, got := -1, 0
	completions := w.Completions()
	for want < 0 || (got < want && completions != nil) {
		select {
		case n := <-submitted:
			want = n
		case _, ok := <-completions:
			if !ok {
				completions = nil
				continue
			}
			got++
		}
	}
	if err := w.Stop(); err != nil {
		log.Warnf("stop: %v", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tOFFSET\tSIZE\tSTATUS\tBYTES\tESTIMATE")
	for _, j := range jobs {
		if j.err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\terror: %v\t-\t-\n", j.arg, j.err)
			continue
		}
		estimate := "-"
		if !j.req.EstimatedCompletion.IsZero() {
			estimate = j.req.EstimatedCompletion.Sub(j.start).Round(time.Microsecond).String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%s\n", j.req.Path, j.req.Offset, j.req.Size, j.req.Status(), j.req.BytesRead, estimate)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if stats {
		return printMetrics(registry, out)
	}
	return nil
}

// prepare builds the read request for FILE[:OFFSET:SIZE]. Without a size
// the rest of the file is read.
func prepare(ctx context.Context, w *worker.Worker, root, arg string) (*request.Request, error) {
	name, offset, size, err := utils.ParseRange(arg)
	if err != nil {
		return nil, err
	}
	path, err := request.NewPath(root, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if size < 0 {
		length, ok, err := w.FileSize(ctx, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%s: empty or missing", name)
		}
		if offset > length {
			return nil, fmt.Errorf("%s: offset %d past end %d", name, offset, length)
		}
		size = int64(length - offset)
	}
	return request.NewRead(path, offset, uint64(size), nil), nil
}

func printMetrics(g prometheus.Gatherer, out io.Writer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, f := range families {
		for _, m := range f.GetMetric() {
			labels := ""
			for _, l := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", l.GetName(), l.GetValue())
			}
			var value float64
			switch {
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			}
			fmt.Fprintf(out, "%s%s %g\n", f.GetName(), labels, value)
		}
	}
	return nil
}
