package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// CSVFeed replays instrument,price,timestamp rows. A header row is skipped.
// Timestamps are RFC 3339, "2006-01-02 15:04:05" or unix seconds.
type CSVFeed struct {
	r io.Reader
}

// NewCSVFeed creates a replay feed over r.
func NewCSVFeed(r io.Reader) *CSVFeed {
	return &CSVFeed{r: r}
}

// Stream implements Feed. It returns nil at end of input.
func (f *CSVFeed) Stream(ctx context.Context, out chan<- model.Tick) error {
	cr := newReader(f.r)
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("feed: csv row %d: %w", row, err)
		}

		tick, err := parseRow(rec)
		if err != nil {
			if row == 1 {
				continue // header
			}
			return fmt.Errorf("feed: csv row %d: %w", row, err)
		}

		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadTicks parses a whole CSV document.
func ReadTicks(r io.Reader) ([]model.Tick, error) {
	out := make(chan model.Tick)
	errc := make(chan error, 1)
	go func() {
		errc <- NewCSVFeed(r).Stream(context.Background(), out)
		close(out)
	}()

	var ticks []model.Tick
	for t := range out {
		ticks = append(ticks, t)
	}
	return ticks, <-errc
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	return cr
}

func parseRow(rec []string) (model.Tick, error) {
	id := strings.TrimSpace(rec[0])
	if id == "" {
		return model.Tick{}, fmt.Errorf("%w: empty instrument", ErrMalformedTick)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: price %q", ErrMalformedTick, rec[1])
	}
	ts, err := parseTime(strings.TrimSpace(rec[2]))
	if err != nil {
		return model.Tick{}, err
	}
	return model.Tick{InstrumentID: id, Price: price, Timestamp: ts}, nil
}

func parseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedTick, s)
}
