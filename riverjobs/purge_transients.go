// Package riverjobs holds River workers for background maintenance of the Postgres stores.
package riverjobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

type PurgeExpiredTransientsArgs struct {
	BatchSize  int `json:"batch_size,omitempty"`
	MaxBatches int `json:"max_batches,omitempty"`
}

func (PurgeExpiredTransientsArgs) Kind() string { return "oauthlogin_purge_expired_transients" }

func (args PurgeExpiredTransientsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue: river.QueueDefault,
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: 15 * time.Minute,
			ByQueue:  true,
		},
	}
}

// Purger deletes up to limit transients that expired before the given time.
type Purger interface {
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}

// PurgeExpiredTransientsWorker removes expired flow sessions, login errors and other
// short-lived records. Reads already ignore expired rows; this only reclaims space.
type PurgeExpiredTransientsWorker struct {
	river.WorkerDefaults[PurgeExpiredTransientsArgs]
	store Purger
	now   func() time.Time
	log   *slog.Logger
}

func NewPurgeExpiredTransientsWorker(store Purger) *PurgeExpiredTransientsWorker {
	return &PurgeExpiredTransientsWorker{
		store: store,
		now:   time.Now,
		log:   slog.Default().With("component", "purge_transients"),
	}
}

func (w *PurgeExpiredTransientsWorker) Timeout(*river.Job[PurgeExpiredTransientsArgs]) time.Duration {
	return 5 * time.Minute
}

func (w *PurgeExpiredTransientsWorker) Work(ctx context.Context, job *river.Job[PurgeExpiredTransientsArgs]) error {
	if w == nil || w.store == nil {
		return errors.New("oauthlogin purge: store not configured")
	}
	batch := job.Args.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	rounds := job.Args.MaxBatches
	if rounds <= 0 {
		rounds = 50
	}

	cutoff := w.now().UTC()
	var total int64
	for i := 0; i < rounds; i++ {
		n, err := w.store.PurgeExpired(ctx, cutoff, batch)
		if err != nil {
			return err
		}
		total += n
		if n < int64(batch) {
			break
		}
	}
	if total > 0 {
		w.log.InfoContext(ctx, "expired transients purged", "count", total)
	}
	return nil
}
