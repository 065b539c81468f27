// Command simulate replays a CSV of ticks through the engine and prints how
// the protective floor trails, when the position exits, and when it re-enters.
//
//	simulate -csv ticks.csv -entry 100 -qty 75 -policy standard
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/engine"
	"github.com/optguard/position-engine/internal/execution"
	"github.com/optguard/position-engine/internal/feed"
	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/store"
)

type options struct {
	csvPath    string
	instrument string
	entry      string
	qty        int64
	policy     string
}

func main() {
	var opts options
	flag.StringVar(&opts.csvPath, "csv", "", "CSV of instrument,price,timestamp rows")
	flag.StringVar(&opts.instrument, "instrument", "", "instrument to replay (default: first row's)")
	flag.StringVar(&opts.entry, "entry", "", "manual buy price (default: first tick's price)")
	flag.Int64Var(&opts.qty, "qty", 75, "quantity bought")
	flag.StringVar(&opts.policy, "policy", "standard", "trailing policy: standard | early_protection")
	flag.Parse()

	if opts.csvPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if err := run(context.Background(), opts, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer, logger *slog.Logger) error {
	f, err := os.Open(opts.csvPath)
	if err != nil {
		return err
	}
	defer f.Close()

	ticks, err := feed.ReadTicks(f)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		return errors.New("no ticks in input")
	}

	id := opts.instrument
	if id == "" {
		id = ticks[0].InstrumentID
	}
	ticks = filterTicks(ticks, id)
	if len(ticks) == 0 {
		return fmt.Errorf("no ticks for %s", id)
	}

	entry := ticks[0].Price
	if opts.entry != "" {
		entry, err = decimal.NewFromString(opts.entry)
		if err != nil {
			return fmt.Errorf("invalid -entry: %w", err)
		}
	}

	paper := execution.NewPaperExecutor(execution.DefaultPaperBalance)
	eng := engine.New(store.NewMemoryStore(), paper, engine.WithLogger(logger))

	if _, err := eng.ManualBuy(ctx, engine.BuyRequest{
		InstrumentID: id,
		Price:        entry,
		Quantity:     opts.qty,
		Policy:       opts.policy,
		At:           ticks[0].Timestamp,
	}); err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Time", "Price", "Phase", "Highest", "Floor", "State", "Intent"})
	table.SetAutoWrapText(false)

	for _, t := range ticks {
		res, err := eng.OnTick(ctx, t)
		if err != nil {
			table.Append([]string{t.Timestamp.Format(time.TimeOnly), t.Price.String(), "", "", "", "rejected", err.Error()})
			continue
		}
		table.Append(row(t, res))
	}

	table.SetFooter([]string{"", "", "", "", "", "Realized P&L", paper.RealizedPnL().StringFixed(2)})
	table.Render()

	fmt.Fprintf(out, "%s: entry %s, %d fills, balance %s\n",
		id, entry.String(), len(paper.Fills()), paper.Balance().StringFixed(2))
	return nil
}

func filterTicks(ticks []model.Tick, id string) []model.Tick {
	kept := ticks[:0]
	for _, t := range ticks {
		if t.InstrumentID == id {
			kept = append(kept, t)
		}
	}
	return kept
}

func row(t model.Tick, res engine.TickResult) []string {
	s := res.Snapshot
	phase := string(s.Phase)
	if phase == "" {
		phase = "-"
	}
	state := string(s.LifecycleState)
	if s.Paused != model.PauseNone {
		state += " (" + string(s.Paused) + ")"
	}

	intent := ""
	if in := res.Intent; in != nil {
		intent = fmt.Sprintf("%s %d @ %s %s", in.Side, in.Quantity, in.Price.String(), in.Reason)
	}

	return []string{
		t.Timestamp.Format(time.TimeOnly),
		t.Price.String(),
		phase,
		s.HighestPriceSeen.String(),
		s.ProtectiveFloor.String(),
		state,
		intent,
	}
}
