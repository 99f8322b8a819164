package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	cleanupTimeout  = 30 * time.Second
	expireBatchSize = 100
)

// WaitingExpirer ends waiting sessions created before a cutoff.
type WaitingExpirer interface {
	ExpireWaiting(ctx context.Context, before time.Time, limit int) (int64, error)
}

// IdleReaper closes hosted clients idle for longer than maxIdle.
type IdleReaper interface {
	ReapIdle(ctx context.Context, maxIdle time.Duration) (int64, error)
}

type CleanupJob struct {
	sessions   WaitingExpirer
	clients    IdleReaper
	waitingTTL time.Duration
	idleTTL    time.Duration
	interval   time.Duration
	now        func() time.Time
}

func NewCleanupJob(
	sessions WaitingExpirer,
	clients IdleReaper,
	waitingTTL time.Duration,
	idleTTL time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sessions:   sessions,
		clients:    clients,
		waitingTTL: waitingTTL,
		idleTTL:    idleTTL,
		interval:   interval,
		now:        time.Now,
	}
}

// Run cleans up once right away and then every interval until ctx is done.
func (j *CleanupJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
	defer log.Info().Msg("cleanup job stopped")

	j.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.cleanup(ctx)
		}
	}
}

func (j *CleanupJob) cleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	if j.sessions != nil && j.waitingTTL > 0 {
		j.runCleanup(ctx, "waiting sessions", j.expireWaiting)
	}
	if j.clients != nil && j.idleTTL > 0 {
		j.runCleanup(ctx, "idle clients", func(ctx context.Context) (int64, error) {
			return j.clients.ReapIdle(ctx, j.idleTTL)
		})
	}
}

// expireWaiting works through stale sessions in batches.
func (j *CleanupJob) expireWaiting(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.waitingTTL)

	var total int64
	for {
		n, err := j.sessions.ExpireWaiting(ctx, cutoff, expireBatchSize)
		total += n
		if err != nil || n < expireBatchSize {
			return total, err
		}
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
