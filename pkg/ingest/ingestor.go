// Package ingest validates and applies raw counter increments.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vjranagit/countervane/pkg/store"
	"github.com/vjranagit/countervane/pkg/types"
)

// Ingestor accepts metric points, validates them, journals them, and
// applies them to the store. Validation errors surface synchronously to
// the caller and are never retried here.
type Ingestor struct {
	store   *store.Store
	journal *store.Journal
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an ingestor. journal may be nil to disable write logging.
func New(st *store.Store, journal *store.Journal, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:   st,
		journal: journal,
		logger:  logger,
		now:     time.Now,
	}
}

// Ingest applies one counter increment. A zero timestamp means "now".
func (in *Ingestor) Ingest(ctx context.Context, p types.MetricPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	if p.Timestamp.IsZero() {
		p.Timestamp = in.now()
	}

	key := types.SeriesKey{Name: p.Name, Labels: types.NewLabelSet(p.Labels)}

	var created bool
	apply := func() {
		created = in.store.Upsert(key, p.Delta, p.Timestamp)
	}

	if in.journal != nil {
		// Journal entry and store update land on the same side of any
		// journal rotation, or a checkpoint could discard the entry
		// before the store has seen it.
		if err := in.journal.AppendThen(p, apply); err != nil {
			return fmt.Errorf("journal append failed: %w", err)
		}
	} else {
		apply()
	}

	if created {
		in.logger.Debug("created series", "metric", p.Name, "labels", key.Labels.String())
	}
	return nil
}

// IngestBatch applies points in order, stopping at the first failure. It
// returns how many points were accepted; a batch error names the offending
// index.
func (in *Ingestor) IngestBatch(ctx context.Context, points []types.MetricPoint) (int, error) {
	for i, p := range points {
		if err := in.Ingest(ctx, p); err != nil {
			return i, fmt.Errorf("point %d: %w", i, err)
		}
	}
	return len(points), nil
}

// Replay re-applies a journaled point directly to the store, bypassing the
// journal so recovery does not re-log what it reads.
func (in *Ingestor) Replay(p types.MetricPoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	key := types.SeriesKey{Name: p.Name, Labels: types.NewLabelSet(p.Labels)}
	in.store.Upsert(key, p.Delta, p.Timestamp)
	return nil
}
