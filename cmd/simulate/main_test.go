package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenario = `instrument,price,timestamp
NIFTY-20250828-24500-CE,100,2025-08-14T09:15:00Z
NIFTY-20250828-24500-CE,112,2025-08-14T09:15:01Z
SBIN,800,2025-08-14T09:15:01Z
NIFTY-20250828-24500-CE,110,2025-08-14T09:15:02Z
NIFTY-20250828-24500-CE,100,2025-08-14T09:15:03Z
NIFTY-20250828-24500-CE,100,2025-08-14T09:15:09Z
NIFTY-20250828-24500-CE,-1,2025-08-14T09:15:10Z
`

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_PrintsTransitions(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), options{
		csvPath: writeCSV(t, scenario),
		qty:     75,
		policy:  "standard",
	}, &out, quiet())
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "SELL 75 @ 110 trailing_stop")
	assert.Contains(t, text, "BUY 75 @ 100 reentry")
	assert.Contains(t, text, "pending_reentry")
	assert.Contains(t, text, "rejected")
	assert.Contains(t, text, "750.00", "realized P&L of one 10-point step on 75")
	assert.NotContains(t, text, "800", "other instruments are filtered out")
	assert.Contains(t, text, "3 fills")
}

func TestRun_ExplicitEntryAndInstrument(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), options{
		csvPath:    writeCSV(t, scenario),
		instrument: "SBIN",
		entry:      "790",
		qty:        10,
	}, &out, quiet())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "SBIN: entry 790")
}

func TestRun_Errors(t *testing.T) {
	ctx := context.Background()

	err := run(ctx, options{csvPath: filepath.Join(t.TempDir(), "missing.csv"), qty: 75}, io.Discard, quiet())
	assert.Error(t, err)

	err = run(ctx, options{csvPath: writeCSV(t, "instrument,price,timestamp\n"), qty: 75}, io.Discard, quiet())
	assert.EqualError(t, err, "no ticks in input")

	err = run(ctx, options{csvPath: writeCSV(t, scenario), instrument: "TCS", qty: 75}, io.Discard, quiet())
	assert.EqualError(t, err, "no ticks for TCS")

	err = run(ctx, options{csvPath: writeCSV(t, scenario), entry: "abc", qty: 75}, io.Discard, quiet())
	assert.Error(t, err)

	err = run(ctx, options{csvPath: writeCSV(t, scenario), qty: 75, policy: "yolo"}, io.Discard, quiet())
	assert.Error(t, err)
}
