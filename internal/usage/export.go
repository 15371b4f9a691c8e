package usage

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rcourtman/aiquota/internal/store"
)

var csvHeader = []string{"id", "account_id", "action_id", "timestamp", "outcome", "period_key", "trial", "override"}

// WriteCSV writes entries with a header row.
func WriteCSV(w io.Writer, entries []store.UsageEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write(csvRow(e)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(e store.UsageEntry) []string {
	return []string{
		e.ID,
		e.AccountID,
		e.ActionID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Outcome,
		e.PeriodKey,
		strconv.FormatBool(e.Trial),
		strconv.FormatBool(e.Override),
	}
}

// Each pages through the log in id order, calling fn for every entry.
func Each(ctx context.Context, log store.UsageLog, filter store.UsageFilter, fn func(store.UsageEntry) error) error {
	for {
		page, err := log.ListUsage(ctx, filter)
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		filter.Cursor = page.NextCursor
	}
}

// ExportCSV streams every matching entry as CSV.
func ExportCSV(ctx context.Context, log store.UsageLog, filter store.UsageFilter, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}
	n := 0
	err := Each(ctx, log, filter, func(e store.UsageEntry) error {
		n++
		return cw.Write(csvRow(e))
	})
	cw.Flush()
	if err != nil {
		return n, err
	}
	return n, cw.Error()
}
