package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carbondna/ledger/internal/ledger"
)

// Follow polls the sources every interval and publishes events and
// snapshots written by other processes, such as `ledgerctl ingest`. Items
// that already exist when Follow starts are not published. It returns when
// ctx is cancelled. interval must be positive.
func (s *Server) Follow(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", interval)
	}
	lastSeq, err := s.tailSeq(ctx)
	if err != nil {
		return err
	}
	seen, err := s.snapshotIDs(ctx)
	if err != nil {
		return err
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		if lastSeq, err = s.publishNewEvents(ctx, lastSeq); err != nil {
			slog.Warn("feed poll failed", "source", "events", "error", err)
		}
		if err := s.publishNewSnapshots(ctx, seen); err != nil {
			slog.Warn("feed poll failed", "source", "snapshots", "error", err)
		}
	}
}

func (s *Server) tailSeq(ctx context.Context) (int64, error) {
	tail, err := s.events.Events(ctx, ledger.Query{Limit: 1})
	if err != nil || len(tail) == 0 {
		return 0, err
	}
	return tail[0].Seq, nil
}

// followBatch caps how many new events one poll publishes.
const followBatch = 500

func (s *Server) publishNewEvents(ctx context.Context, lastSeq int64) (int64, error) {
	events, err := s.events.Events(ctx, ledger.Query{Limit: followBatch})
	if err != nil {
		return lastSeq, err
	}
	for _, e := range events {
		if e.Seq > lastSeq {
			s.PublishEvent(e)
			lastSeq = e.Seq
		}
	}
	return lastSeq, nil
}

func (s *Server) snapshotIDs(ctx context.Context) (map[string]bool, error) {
	seen := make(map[string]bool)
	if s.snapshots == nil {
		return seen, nil
	}
	snaps, err := s.snapshots.List(ctx, followBatch)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		seen[snap.SubmissionID] = true
	}
	return seen, nil
}

func (s *Server) publishNewSnapshots(ctx context.Context, seen map[string]bool) error {
	if s.snapshots == nil {
		return nil
	}
	snaps, err := s.snapshots.List(ctx, followBatch)
	if err != nil {
		return err
	}
	// List is newest first; publish oldest first.
	for i := len(snaps) - 1; i >= 0; i-- {
		if !seen[snaps[i].SubmissionID] {
			seen[snaps[i].SubmissionID] = true
			s.PublishSnapshot(snaps[i])
		}
	}
	return nil
}
