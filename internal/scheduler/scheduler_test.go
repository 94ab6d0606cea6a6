package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/store"
)

func schedulerConfig() config.Scheduler {
	return config.Scheduler{
		FeedRefreshSchedule:     "30 5 * * *",
		StoryGenerationSchedule: "0 6 * * *",
		Timezone:                "UTC",
	}
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sched := NewScheduler(s, nil, nil, nil, schedulerConfig(), config.Stories{ArchiveDays: 7})
	t.Cleanup(sched.cancel)
	return sched
}

func TestRunJobRecordsSuccess(t *testing.T) {
	sched := newTestScheduler(t)

	err := sched.runJob(context.Background(), core.JobFeedRefresh, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	job, err := sched.store.GetJob(core.JobFeedRefresh)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.JobOK, job.LastStatus)
	assert.False(t, job.LastStartedAt.IsZero())
	assert.False(t, job.NextRunAt.IsZero())
}

func TestRunJobRecordsFailure(t *testing.T) {
	sched := newTestScheduler(t)

	err := sched.runJob(context.Background(), core.JobStoryGeneration, func(ctx context.Context) error {
		return errors.New("synthesis exploded")
	})
	require.Error(t, err)

	job, err := sched.store.GetJob(core.JobStoryGeneration)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.JobFailed, job.LastStatus)
}

func TestRunJobRecordsCancellation(t *testing.T) {
	sched := newTestScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	err := sched.runJob(ctx, core.JobFeedRefresh, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.Error(t, err)

	job, err := sched.store.GetJob(core.JobFeedRefresh)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, core.JobCancelled, job.LastStatus)
}

func TestOverlapGuardSkipsConcurrentFiring(t *testing.T) {
	sched := newTestScheduler(t)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- sched.runJob(context.Background(), core.JobFeedRefresh, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.True(t, sched.InProgress(core.JobFeedRefresh))

	// A second firing while the first is running is skipped, not queued.
	err := sched.runJob(context.Background(), core.JobFeedRefresh, func(ctx context.Context) error {
		t.Fatal("overlapping run must not execute")
		return nil
	})
	assert.ErrorIs(t, err, ErrJobRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, sched.InProgress(core.JobFeedRefresh))

	// The other job was never blocked by this guard.
	err = sched.runJob(context.Background(), core.JobStoryGeneration, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestStartCombinesIdenticalSchedules(t *testing.T) {
	s, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := schedulerConfig()
	cfg.StoryGenerationSchedule = cfg.FeedRefreshSchedule
	sched := NewScheduler(s, nil, nil, nil, cfg, config.Stories{})
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Stop)

	// A shared firing runs refresh before generation, so both jobs map to
	// the same cron entry.
	assert.Equal(t, sched.entries[core.JobFeedRefresh], sched.entries[core.JobStoryGeneration])
}

func TestStartKeepsDistinctSchedulesSeparate(t *testing.T) {
	s, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sched := NewScheduler(s, nil, nil, nil, schedulerConfig(), config.Stories{})
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Stop)

	assert.NotEqual(t, sched.entries[core.JobFeedRefresh], sched.entries[core.JobStoryGeneration])
}

func TestNextRunFromExpression(t *testing.T) {
	sched := newTestScheduler(t)

	next := sched.nextRun(core.JobFeedRefresh)
	require.False(t, next.IsZero())
	assert.True(t, next.After(time.Now().UTC().Add(-time.Minute)))
	// "30 5 * * *" always fires at minute 30.
	assert.Equal(t, 30, next.Minute())
}

func TestStatus(t *testing.T) {
	sched := newTestScheduler(t)

	require.NoError(t, sched.runJob(context.Background(), core.JobFeedRefresh, func(ctx context.Context) error {
		return nil
	}))

	statuses, err := sched.Status()
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	refresh := statuses[0]
	assert.Equal(t, core.JobFeedRefresh, refresh.Name)
	assert.Equal(t, "30 5 * * *", refresh.Schedule)
	assert.Equal(t, core.JobOK, refresh.LastStatus)
	assert.False(t, refresh.InProgress)
	assert.False(t, refresh.NextRunAt.IsZero())

	generation := statuses[1]
	assert.Equal(t, core.JobStoryGeneration, generation.Name)
	assert.Empty(t, generation.LastStatus)
}
