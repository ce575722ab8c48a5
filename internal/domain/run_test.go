package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRun(t *testing.T) Run {
	t.Helper()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	r, err := NewRun("run_1", "acme", "sch_1", "", "sch_1@2025-03-10T09:00:00Z", now, 1, nil, now)
	require.NoError(t, err)
	return r
}

func TestNewRun_ExactlyOneOrigin(t *testing.T) {
	now := time.Now()
	var cfg *ConfigurationError

	_, err := NewRun("run_1", "acme", "", "", "k", now, 1, nil, now)
	assert.ErrorAs(t, err, &cfg, "neither origin must fail")

	_, err = NewRun("run_1", "acme", "sch_1", "job_1", "k", now, 1, nil, now)
	assert.ErrorAs(t, err, &cfg, "both origins must fail")

	_, err = NewRun("run_1", "acme", "", "job_1", "k", now, 1, nil, now)
	assert.NoError(t, err)
}

func TestRun_HappyPath(t *testing.T) {
	r := pendingRun(t)
	started := r.CreatedAt.Add(250 * time.Millisecond)

	running, err := r.Start("wrk_1", started)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, running.Status)
	assert.Equal(t, "wrk_1", running.WorkerID)
	require.NotNil(t, running.LatencyMs)
	assert.EqualValues(t, 250, *running.LatencyMs)
	assert.Equal(t, RunPending, r.Status, "original snapshot untouched")

	finished := started.Add(3 * time.Second)
	done, err := running.Succeed(finished)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, done.Status)
	require.NotNil(t, done.DurationMs)
	assert.EqualValues(t, 3000, *done.DurationMs)
}

func TestRun_FailCapturesError(t *testing.T) {
	r := pendingRun(t)
	running, err := r.Start("wrk_1", r.CreatedAt.Add(time.Second))
	require.NoError(t, err)

	failed, err := running.Fail("connection refused", (*running.StartedAt).Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, RunFailed, failed.Status)
	assert.Equal(t, "connection refused", failed.Error)
	assert.True(t, failed.CanRetry())
}

func TestRun_TransitionGuards(t *testing.T) {
	r := pendingRun(t)
	now := time.Now()
	var te *TransitionError

	_, err := r.Succeed(now)
	assert.ErrorAs(t, err, &te, "succeed from pending must fail")

	_, err = r.Fail("x", now)
	assert.ErrorAs(t, err, &te, "fail from pending must fail")

	running, err := r.Start("wrk_1", now)
	require.NoError(t, err)

	_, err = running.Start("wrk_2", now)
	assert.ErrorAs(t, err, &te, "double start must fail")

	_, err = running.MarkMissed(now)
	assert.ErrorAs(t, err, &te, "missed only applies to pending runs")
}

func TestRun_TerminalStatesAreFinal(t *testing.T) {
	r := pendingRun(t)
	now := time.Now()
	var te *TransitionError

	running, err := r.Start("wrk_1", now)
	require.NoError(t, err)
	done, err := running.Succeed(now)
	require.NoError(t, err)

	_, err = done.Fail("late", now)
	assert.ErrorAs(t, err, &te)
	_, err = done.MarkDead("late", now)
	assert.ErrorAs(t, err, &te)
	_, err = done.Start("wrk_2", now)
	assert.ErrorAs(t, err, &te)
	assert.False(t, done.CanRetry())
}

func TestRun_MarkDeadFromAnyNonTerminal(t *testing.T) {
	now := time.Now()

	r := pendingRun(t)
	dead, err := r.MarkDead("worker lost", now)
	require.NoError(t, err)
	assert.Equal(t, RunDead, dead.Status)

	r2 := pendingRun(t)
	running, err := r2.Start("wrk_1", now)
	require.NoError(t, err)
	dead2, err := running.MarkDead("heartbeat lapsed", now)
	require.NoError(t, err)
	assert.Equal(t, RunDead, dead2.Status)
	assert.Equal(t, "heartbeat lapsed", dead2.Error)
}

func TestRun_MarkMissed(t *testing.T) {
	r := pendingRun(t)
	now := time.Now()

	missed, err := r.MarkMissed(now)
	require.NoError(t, err)
	assert.Equal(t, RunMissed, missed.Status)
	assert.True(t, missed.Status.Terminal())

	var te *TransitionError
	_, err = missed.MarkMissed(now)
	assert.ErrorAs(t, err, &te)
}
