package store

import (
	"context"
	"fmt"
	"time"
)

// IncrementRateCounter upserts the durable shadow of a fast-path rate counter
// for the hour window starting at windowStart. The fast path stays
// authoritative while Redis is healthy; this row backs the fallback count and
// post-hoc auditing. Expired rows are swept by the queue cleanup worker.
func (s *Store) IncrementRateCounter(ctx context.Context, key string, windowStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_counters (key, count, window_start, window_end)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET count = rate_counters.count + 1
	`, key, windowStart, windowStart.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("increment rate counter: %w", err)
	}
	return nil
}
