package pbhooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pocketbase/pocketbase/core"
)

const defaultBackfillBatch = 100

// BackfillRequest asks for the plaintext fields of an owned collection to
// be sealed in place.
type BackfillRequest struct {
	Collection string `json:"collection"`
	DryRun     bool   `json:"dry_run"`
	BatchSize  int    `json:"batch_size"`
}

// BackfillResult reports what a backfill did or, for a dry run, would do.
type BackfillResult struct {
	TotalRecords int      `json:"total_records"`
	Migrated     int      `json:"migrated"`
	Skipped      int      `json:"skipped"`
	Errors       []string `json:"errors"`
}

// recordPager is the slice of core.App a backfill reads from and writes to.
type recordPager interface {
	Count(collection string) (int64, error)
	Page(collection string, offset, limit int) ([]*core.Record, error)
	Save(record *core.Record) error
}

// Backfill seals existing plaintext values of an owned collection, for data
// written before the collection was configured.
func (h *Hooks) Backfill(ctx context.Context, app core.App, req BackfillRequest) (*BackfillResult, error) {
	return h.backfill(ctx, appPager{app}, req)
}

func (h *Hooks) backfill(ctx context.Context, app recordPager, req BackfillRequest) (*BackfillResult, error) {
	cfg, ok := h.collections[req.Collection]
	if !ok {
		return nil, fmt.Errorf("pbhooks: collection %s is not configured for encryption", req.Collection)
	}
	if req.BatchSize <= 0 {
		req.BatchSize = defaultBackfillBatch
	}

	total, err := app.Count(req.Collection)
	if err != nil {
		return nil, fmt.Errorf("pbhooks: counting %s records: %w", req.Collection, err)
	}
	result := &BackfillResult{TotalRecords: int(total)}

	for offset := 0; offset < result.TotalRecords; offset += req.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		records, err := app.Page(req.Collection, offset, req.BatchSize)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch failed at offset %d: %v", offset, err))
			continue
		}

		set := h.newCipherSet()
		for _, record := range records {
			changed, err := h.sealFields(ctx, cfg, set, record)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", record.Id, err))
				result.Skipped++
				continue
			}
			if !changed {
				result.Skipped++
				continue
			}
			if !req.DryRun {
				if err := app.Save(record); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("update failed for %s: %v", record.Id, err))
					result.Skipped++
					continue
				}
			}
			result.Migrated++
		}
		set.Close()
	}

	h.logger.Info("backfill finished",
		slog.String("collection", req.Collection),
		slog.Bool("dryRun", req.DryRun),
		slog.Int("migrated", result.Migrated),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

type appPager struct {
	app core.App
}

func (p appPager) Count(collection string) (int64, error) {
	return p.app.CountRecords(collection)
}

func (p appPager) Page(collection string, offset, limit int) ([]*core.Record, error) {
	var records []*core.Record
	err := p.app.RecordQuery(collection).
		OrderBy("id").
		Offset(int64(offset)).
		Limit(int64(limit)).
		All(&records)
	return records, err
}

func (p appPager) Save(record *core.Record) error {
	return p.app.Save(record)
}
