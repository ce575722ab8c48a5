package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"tempo/internal/domain"
)

func testRepo(t *testing.T) Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLiteRepo(db)
}

func storedSchedule(t *testing.T, repo Repository, next *time.Time) domain.Schedule {
	t.Helper()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s, err := domain.NewSchedule("sch_1", "acme", "nightly", "UTC",
		domain.Trigger{Kind: domain.TriggerCron, CronExpr: "0 9 * * MON-FRI"},
		domain.Target{Kind: domain.TargetEvent, Topic: "reports"},
		[]byte(`{"report":"nightly"}`), "", now)
	require.NoError(t, err)
	if next != nil {
		s = s.WithNextFire(next, now)
	}
	require.NoError(t, repo.SaveSchedule(context.Background(), s))
	return s
}

func TestScheduleRoundtrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	fire := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	s := storedSchedule(t, repo, &fire)

	got, err := repo.FindSchedule(ctx, "acme", s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Name, got.Name)
	assert.Equal(t, s.Trigger, got.Trigger)
	assert.Equal(t, s.Target, got.Target)
	require.NotNil(t, got.NextFireAt)
	assert.True(t, got.NextFireAt.Equal(fire))
	assert.Equal(t, s.Version, got.Version)

	_, err = repo.FindSchedule(ctx, "other-tenant", s.ID)
	assert.ErrorIs(t, err, ErrNotFound, "rows are tenant scoped")
}

func TestFindDueSchedules(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	fire := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	storedSchedule(t, repo, &fire)

	due, err := repo.FindDueSchedules(ctx, fire.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.FindDueSchedules(ctx, fire, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestInsertRun_DedupeCollapsesConcurrentFires(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	fire := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	s := storedSchedule(t, repo, &fire)

	key := s.DedupeKey(fire)
	first, err := domain.NewRun("run_1", "acme", s.ID, "", key, fire, 1, nil, fire)
	require.NoError(t, err)
	second, err := domain.NewRun("run_2", "acme", s.ID, "", key, fire, 1, nil, fire)
	require.NoError(t, err)

	require.NoError(t, repo.InsertRun(ctx, first))
	assert.ErrorIs(t, repo.InsertRun(ctx, second), ErrDuplicateRun)

	// A different fire instant is a different key and inserts fine.
	later := fire.Add(time.Minute)
	third, err := domain.NewRun("run_3", "acme", s.ID, "", s.DedupeKey(later), later, 1, nil, later)
	require.NoError(t, err)
	assert.NoError(t, repo.InsertRun(ctx, third))
}

func TestUpdateRun_Optimistic(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	fire := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	run, err := domain.NewRun("run_1", "acme", "sch_1", "", "sch_1@k", fire, 1, nil, fire)
	require.NoError(t, err)
	require.NoError(t, repo.InsertRun(ctx, run))

	started, err := run.Start("wrk_1", fire.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, repo.UpdateRun(ctx, started))

	// Replaying the same transition against the stale base version loses.
	assert.ErrorIs(t, repo.UpdateRun(ctx, started), ErrVersionConflict)

	got, err := repo.FindRun(ctx, "acme", "run_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, got.Status)
	assert.Equal(t, "wrk_1", got.WorkerID)
	require.NotNil(t, got.LatencyMs)
	assert.EqualValues(t, 1000, *got.LatencyMs)
}

func TestUpdateWorker_CapacityClaimRace(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now()

	w, err := domain.NewWorker("wrk_1", "acme", "a", []string{"*"}, nil, 1, now)
	require.NoError(t, err)
	require.NoError(t, repo.SaveWorker(ctx, w))

	// Two dispatchers observe the same snapshot and both claim capacity.
	claimA, err := w.StartJob()
	require.NoError(t, err)
	claimB, err := w.StartJob()
	require.NoError(t, err)

	require.NoError(t, repo.UpdateWorker(ctx, claimA))
	assert.ErrorIs(t, repo.UpdateWorker(ctx, claimB), ErrVersionConflict)

	got, err := repo.FindWorker(ctx, "acme", "wrk_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentJobs, "only one claim may land")
}

func TestCalendarRoundtrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	cal, err := domain.NewCalendar("cal_1", "acme", "de", "Germany",
		[]string{"2025-01-01"},
		map[string]bool{"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true})
	require.NoError(t, err)
	require.NoError(t, repo.SaveCalendar(ctx, cal))

	got, err := repo.FindCalendar(ctx, "acme", "de")
	require.NoError(t, err)
	assert.True(t, got.IsHoliday(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, got.IsWorkingDay(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))
	assert.False(t, got.IsBusinessDay(time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)))

	next, err := got.WithDays([]string{"2025-12-25"}, map[string]bool{"monday": true})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateCalendar(ctx, next))
	assert.ErrorIs(t, repo.UpdateCalendar(ctx, next), ErrVersionConflict)
}

func TestJobRoundtrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	sla := 120

	j, err := domain.NewJob("job_1", "acme", "send-report", "reports", 7, 5,
		domain.Backoff{Strategy: domain.BackoffExponential, BaseSec: 60}, 30, nil, &sla)
	require.NoError(t, err)
	require.NoError(t, repo.SaveJob(ctx, j))

	got, err := repo.FindJob(ctx, "acme", "send-report")
	require.NoError(t, err)
	assert.Equal(t, j.Backoff, got.Backoff)
	require.NotNil(t, got.SLASec)
	assert.Equal(t, sla, *got.SLASec)
	assert.Nil(t, got.ConcurrencyLimit)

	off := got.Disable()
	require.NoError(t, repo.UpdateJob(ctx, off))
	got, err = repo.FindJob(ctx, "acme", "send-report")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestDeletesAreTenantScoped(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now()

	cal, err := domain.NewCalendar("cal_1", "acme", "de", "Germany", nil, map[string]bool{"monday": true})
	require.NoError(t, err)
	require.NoError(t, repo.SaveCalendar(ctx, cal))

	j, err := domain.NewJob("job_1", "acme", "send-report", "reports", 5, 3,
		domain.Backoff{Strategy: domain.BackoffFixed, BaseSec: 10}, 30, nil, nil)
	require.NoError(t, err)
	require.NoError(t, repo.SaveJob(ctx, j))

	w, err := domain.NewWorker("wrk_1", "acme", "a", []string{"*"}, nil, 1, now)
	require.NoError(t, err)
	require.NoError(t, repo.SaveWorker(ctx, w))

	// Another tenant's delete must not touch the rows.
	require.NoError(t, repo.DeleteCalendar(ctx, "globex", "de"))
	require.NoError(t, repo.DeleteJob(ctx, "globex", "send-report"))
	require.NoError(t, repo.DeleteWorker(ctx, "globex", "wrk_1"))
	_, err = repo.FindCalendar(ctx, "acme", "de")
	require.NoError(t, err)

	require.NoError(t, repo.DeleteCalendar(ctx, "acme", "de"))
	require.NoError(t, repo.DeleteJob(ctx, "acme", "send-report"))
	require.NoError(t, repo.DeleteWorker(ctx, "acme", "wrk_1"))

	_, err = repo.FindCalendar(ctx, "acme", "de")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.FindJob(ctx, "acme", "send-report")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.FindWorker(ctx, "acme", "wrk_1")
	assert.ErrorIs(t, err, ErrNotFound)
}
