package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/carbondna/ledger/internal/merkle"
)

// DailyRoot commits one UTC day of appended events.
type DailyRoot struct {
	PeriodDate  string    `json:"period_date"` // YYYY-MM-DD
	RootHash    string    `json:"root_hash"`
	CountEvents int       `json:"count_events"`
	CreatedAt   time.Time `json:"created_at"`
}

// CloseDay builds the Merkle root over the row hashes of all events appended
// on day (UTC), in append order, and persists it.
func (l *Ledger) CloseDay(ctx context.Context, day time.Time) (DailyRoot, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	events, err := l.store.Events(ctx, Query{Since: start, Until: start.AddDate(0, 0, 1)})
	if err != nil {
		return DailyRoot{}, fmt.Errorf("reading events for %s: %w", start.Format(time.DateOnly), err)
	}

	leaves := make([]string, len(events))
	for i, e := range events {
		leaves[i] = e.RowHash
	}
	root := DailyRoot{
		PeriodDate:  start.Format(time.DateOnly),
		RootHash:    merkle.BuildRoot(leaves),
		CountEvents: len(events),
		CreatedAt:   l.now(),
	}
	if err := l.store.SaveDailyRoot(ctx, root); err != nil {
		return DailyRoot{}, fmt.Errorf("saving daily root %s: %w", root.PeriodDate, err)
	}
	l.logger.Info("daily close", "date", root.PeriodDate, "events", root.CountEvents, "root", root.RootHash)
	return root, nil
}
