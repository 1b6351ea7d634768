package journal

import (
	"context"
	"fmt"
)

// Copy appends every entry of src to dst and returns how many were copied.
// Entries get new IDs in dst; their timestamps are kept. With dryRun set, src is
// only counted.
func Copy(ctx context.Context, dst, src *Journal, dryRun bool) (int64, error) {
	if dryRun {
		n, err := src.Count(ctx)
		return int64(n), err
	}

	// SQLite allows a single connection, so src is read fully before dst is written.
	var entries []Entry
	if err := src.Each(ctx, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return 0, err
	}

	var copied int64
	for _, e := range entries {
		e.ID = 0
		if _, err := dst.Record(ctx, e); err != nil {
			return copied, fmt.Errorf("entry %d: %w", copied+1, err)
		}
		copied++
	}
	return copied, nil
}
