package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// TerminalPruner deletes rows that reached a terminal status before a cutoff.
type TerminalPruner interface {
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// CodeExpirer flips unused codes past expiry to expired.
type CodeExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type CodePruner interface {
	TerminalPruner
	CodeExpirer
}

type CleanupJob struct {
	sessions  TerminalPruner
	codes     CodePruner
	tokens    TerminalPruner
	retention time.Duration
	interval  time.Duration
	timeNow   func() time.Time
	done      chan struct{}
}

func NewCleanupJob(
	sessions TerminalPruner,
	codes CodePruner,
	tokens TerminalPruner,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sessions:  sessions,
		codes:     codes,
		tokens:    tokens,
		retention: retention,
		interval:  interval,
		timeNow:   time.Now,
		done:      make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := j.timeNow()
	cutoff := now.Add(-j.retention)

	j.runCleanup(ctx, "stale provisioning codes", func(ctx context.Context) (int64, error) {
		return j.codes.ExpireStale(ctx, now)
	})
	j.runCleanup(ctx, "pairing sessions", prune(j.sessions, cutoff))
	j.runCleanup(ctx, "provisioning codes", prune(j.codes, cutoff))
	j.runCleanup(ctx, "provisioning tokens", prune(j.tokens, cutoff))
}

func prune(p TerminalPruner, cutoff time.Time) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		return p.DeleteTerminalBefore(ctx, cutoff)
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
