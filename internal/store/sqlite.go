// Package store persists the scheduling entities in SQLite. It provides
// the two serialization points the dispatch layer relies on: a unique
// index on (tenant_id, schedule_id, dedupe_key) that collapses concurrent
// fire attempts to one run, and version-conditioned updates that turn
// racing writers into a deterministic first-writer-wins.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tempo/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateRun    = errors.New("run already exists for this fire instant")
	ErrVersionConflict = errors.New("version conflict")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS calendars (
  tenant_id TEXT NOT NULL,
  id TEXT NOT NULL,
  key TEXT NOT NULL,
  name TEXT NOT NULL,
  holidays TEXT NOT NULL,
  business_days TEXT NOT NULL,
  version INTEGER NOT NULL,
  PRIMARY KEY (tenant_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_calendars_key ON calendars(tenant_id, key);
CREATE TABLE IF NOT EXISTS schedules (
  tenant_id TEXT NOT NULL,
  id TEXT NOT NULL,
  name TEXT NOT NULL,
  timezone TEXT NOT NULL,
  trigger TEXT NOT NULL,
  target TEXT NOT NULL,
  payload BLOB,
  calendar_key TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1,
  next_fire_at TEXT,
  last_fire_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  version INTEGER NOT NULL,
  PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_fire_at);
CREATE TABLE IF NOT EXISTS jobs (
  tenant_id TEXT NOT NULL,
  id TEXT NOT NULL,
  key TEXT NOT NULL,
  queue TEXT NOT NULL,
  priority INTEGER NOT NULL,
  max_attempts INTEGER NOT NULL,
  backoff TEXT NOT NULL,
  timeout_sec INTEGER NOT NULL,
  concurrency_limit INTEGER,
  sla_sec INTEGER,
  enabled INTEGER NOT NULL DEFAULT 1,
  version INTEGER NOT NULL,
  PRIMARY KEY (tenant_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_key ON jobs(tenant_id, key);
CREATE TABLE IF NOT EXISTS runs (
  tenant_id TEXT NOT NULL,
  id TEXT NOT NULL,
  schedule_id TEXT NOT NULL DEFAULT '',
  job_id TEXT NOT NULL DEFAULT '',
  dedupe_key TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','succeeded','failed','dead','missed')),
  fire_at TEXT NOT NULL,
  created_at TEXT NOT NULL,
  started_at TEXT,
  finished_at TEXT,
  attempt INTEGER NOT NULL DEFAULT 1,
  error TEXT NOT NULL DEFAULT '',
  latency_ms INTEGER,
  duration_ms INTEGER,
  worker_id TEXT NOT NULL DEFAULT '',
  payload BLOB,
  version INTEGER NOT NULL,
  PRIMARY KEY (tenant_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_dedupe ON runs(tenant_id, schedule_id, dedupe_key);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, fire_at);
CREATE TABLE IF NOT EXISTS workers (
  tenant_id TEXT NOT NULL,
  id TEXT NOT NULL,
  name TEXT NOT NULL,
  queues TEXT NOT NULL,
  job_keys TEXT NOT NULL,
  heartbeat_at TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('online','offline')),
  max_parallel INTEGER NOT NULL,
  current_jobs INTEGER NOT NULL DEFAULT 0,
  version INTEGER NOT NULL,
  PRIMARY KEY (tenant_id, id)
);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the aggregate persistence contract consumed by dispatch
// and the API edge. Updates are optimistic: the snapshot's version must be
// exactly one ahead of the stored row or ErrVersionConflict is returned.
type Repository interface {
	SaveCalendar(ctx context.Context, c domain.Calendar) error
	FindCalendar(ctx context.Context, tenant, key string) (domain.Calendar, error)
	UpdateCalendar(ctx context.Context, c domain.Calendar) error
	DeleteCalendar(ctx context.Context, tenant, key string) error

	SaveSchedule(ctx context.Context, s domain.Schedule) error
	FindSchedule(ctx context.Context, tenant, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context, tenant string) ([]domain.Schedule, error)
	FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, tenant, id string) error

	SaveJob(ctx context.Context, j domain.Job) error
	FindJob(ctx context.Context, tenant, key string) (domain.Job, error)
	FindJobByID(ctx context.Context, tenant, id string) (domain.Job, error)
	FindJobByQueue(ctx context.Context, tenant, queue string) (domain.Job, error)
	ListJobs(ctx context.Context, tenant string) ([]domain.Job, error)
	UpdateJob(ctx context.Context, j domain.Job) error
	DeleteJob(ctx context.Context, tenant, key string) error

	InsertRun(ctx context.Context, r domain.Run) error
	FindRun(ctx context.Context, tenant, id string) (domain.Run, error)
	ListRunsBySchedule(ctx context.Context, tenant, scheduleID string, limit int) ([]domain.Run, error)
	ListRunsByStatus(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error)
	UpdateRun(ctx context.Context, r domain.Run) error

	SaveWorker(ctx context.Context, w domain.Worker) error
	FindWorker(ctx context.Context, tenant, id string) (domain.Worker, error)
	ListWorkers(ctx context.Context, tenant string) ([]domain.Worker, error)
	ListOnlineWorkers(ctx context.Context, tenant string) ([]domain.Worker, error)
	ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]domain.Worker, error)
	UpdateWorker(ctx context.Context, w domain.Worker) error
	DeleteWorker(ctx context.Context, tenant, id string) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

// timeLayout is fixed-width (no trimmed fractional zeros) so that the
// stored strings sort lexically in fire-instant order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// calendars

func marshalBusinessDays(days map[time.Weekday]bool) ([]byte, error) {
	m := make(map[string]bool, len(days))
	for wd, flag := range days {
		m[strings.ToLower(wd.String())] = flag
	}
	return json.Marshal(m)
}

func (r *sqliteRepo) SaveCalendar(ctx context.Context, c domain.Calendar) error {
	holidays := make([]string, 0, len(c.Holidays))
	for h := range c.Holidays {
		holidays = append(holidays, h)
	}
	hs, err := json.Marshal(holidays)
	if err != nil {
		return err
	}
	bd, err := marshalBusinessDays(c.BusinessDays)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO calendars (tenant_id,id,key,name,holidays,business_days,version)
VALUES (?,?,?,?,?,?,?)`, c.Tenant, c.ID, c.Key, c.Name, string(hs), string(bd), c.Version)
	return err
}

func (r *sqliteRepo) FindCalendar(ctx context.Context, tenant, key string) (domain.Calendar, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT tenant_id,id,key,name,holidays,business_days,version
FROM calendars WHERE tenant_id=? AND key=?`, tenant, key)
	var (
		c        domain.Calendar
		hs, bd   string
		holidays []string
		days     map[string]bool
	)
	if err := row.Scan(&c.Tenant, &c.ID, &c.Key, &c.Name, &hs, &bd, &c.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Calendar{}, ErrNotFound
		}
		return domain.Calendar{}, err
	}
	if err := json.Unmarshal([]byte(hs), &holidays); err != nil {
		return domain.Calendar{}, err
	}
	if err := json.Unmarshal([]byte(bd), &days); err != nil {
		return domain.Calendar{}, err
	}
	cal, err := domain.NewCalendar(c.ID, c.Tenant, c.Key, c.Name, holidays, days)
	if err != nil {
		return domain.Calendar{}, err
	}
	cal.Version = c.Version
	return cal, nil
}

func (r *sqliteRepo) UpdateCalendar(ctx context.Context, c domain.Calendar) error {
	holidays := make([]string, 0, len(c.Holidays))
	for h := range c.Holidays {
		holidays = append(holidays, h)
	}
	hs, err := json.Marshal(holidays)
	if err != nil {
		return err
	}
	bd, err := marshalBusinessDays(c.BusinessDays)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE calendars SET name=?,holidays=?,business_days=?,version=?
WHERE tenant_id=? AND id=? AND version=?`,
		c.Name, string(hs), string(bd), c.Version, c.Tenant, c.ID, c.Version-1)
	return checkOptimistic(res, err)
}

func (r *sqliteRepo) DeleteCalendar(ctx context.Context, tenant, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM calendars WHERE tenant_id=? AND key=?`, tenant, key)
	return err
}

// schedules

func (r *sqliteRepo) SaveSchedule(ctx context.Context, s domain.Schedule) error {
	trg, err := json.Marshal(s.Trigger)
	if err != nil {
		return err
	}
	tgt, err := json.Marshal(s.Target)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO schedules (tenant_id,id,name,timezone,trigger,target,payload,calendar_key,enabled,next_fire_at,last_fire_at,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.Tenant, s.ID, s.Name, s.Timezone, string(trg), string(tgt), []byte(s.Payload),
		s.CalendarKey, s.Enabled, fmtTimePtr(s.NextFireAt), fmtTimePtr(s.LastFireAt),
		fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt), s.Version)
	return err
}

const scheduleCols = `tenant_id,id,name,timezone,trigger,target,payload,calendar_key,enabled,next_fire_at,last_fire_at,created_at,updated_at,version`

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var (
		s                  domain.Schedule
		trg, tgt           string
		payload            []byte
		next, last         sql.NullString
		createdAt, updated string
	)
	err := row.Scan(&s.Tenant, &s.ID, &s.Name, &s.Timezone, &trg, &tgt, &payload,
		&s.CalendarKey, &s.Enabled, &next, &last, &createdAt, &updated, &s.Version)
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(trg), &s.Trigger); err != nil {
		return domain.Schedule{}, fmt.Errorf("corrupt trigger for schedule %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(tgt), &s.Target); err != nil {
		return domain.Schedule{}, fmt.Errorf("corrupt target for schedule %s: %w", s.ID, err)
	}
	s.Payload = payload
	if s.NextFireAt, err = parseTimePtr(next); err != nil {
		return domain.Schedule{}, err
	}
	if s.LastFireAt, err = parseTimePtr(last); err != nil {
		return domain.Schedule{}, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Schedule{}, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

func (r *sqliteRepo) FindSchedule(ctx context.Context, tenant, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE tenant_id=? AND id=?`, tenant, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context, tenant string) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE tenant_id=? ORDER BY name`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
WHERE enabled=1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
ORDER BY next_fire_at LIMIT ?`, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	trg, err := json.Marshal(s.Trigger)
	if err != nil {
		return err
	}
	tgt, err := json.Marshal(s.Target)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,timezone=?,trigger=?,target=?,payload=?,calendar_key=?,enabled=?,next_fire_at=?,last_fire_at=?,updated_at=?,version=?
WHERE tenant_id=? AND id=? AND version=?`,
		s.Name, s.Timezone, string(trg), string(tgt), []byte(s.Payload), s.CalendarKey,
		s.Enabled, fmtTimePtr(s.NextFireAt), fmtTimePtr(s.LastFireAt), fmtTime(s.UpdatedAt),
		s.Version, s.Tenant, s.ID, s.Version-1)
	return checkOptimistic(res, err)
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, tenant, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE tenant_id=? AND id=?`, tenant, id)
	return err
}

// jobs

func (r *sqliteRepo) SaveJob(ctx context.Context, j domain.Job) error {
	bo, err := json.Marshal(j.Backoff)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO jobs (tenant_id,id,key,queue,priority,max_attempts,backoff,timeout_sec,concurrency_limit,sla_sec,enabled,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.Tenant, j.ID, j.Key, j.Queue, j.Priority, j.MaxAttempts, string(bo),
		j.TimeoutSec, j.ConcurrencyLimit, j.SLASec, j.Enabled, j.Version)
	return err
}

const jobCols = `tenant_id,id,key,queue,priority,max_attempts,backoff,timeout_sec,concurrency_limit,sla_sec,enabled,version`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var (
		j         domain.Job
		bo        string
		conc, sla sql.NullInt64
	)
	err := row.Scan(&j.Tenant, &j.ID, &j.Key, &j.Queue, &j.Priority, &j.MaxAttempts,
		&bo, &j.TimeoutSec, &conc, &sla, &j.Enabled, &j.Version)
	if err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal([]byte(bo), &j.Backoff); err != nil {
		return domain.Job{}, fmt.Errorf("corrupt backoff for job %s: %w", j.ID, err)
	}
	if conc.Valid {
		v := int(conc.Int64)
		j.ConcurrencyLimit = &v
	}
	if sla.Valid {
		v := int(sla.Int64)
		j.SLASec = &v
	}
	return j, nil
}

func (r *sqliteRepo) FindJob(ctx context.Context, tenant, key string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id=? AND key=?`, tenant, key)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (r *sqliteRepo) FindJobByID(ctx context.Context, tenant, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id=? AND id=?`, tenant, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

// FindJobByQueue resolves the execution policy bound to a queue. With
// several enabled jobs on one queue the lowest key wins, which keeps the
// choice deterministic across dispatchers.
func (r *sqliteRepo) FindJobByQueue(ctx context.Context, tenant, queue string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id=? AND queue=? AND enabled=1 ORDER BY key LIMIT 1`, tenant, queue)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (r *sqliteRepo) ListJobs(ctx context.Context, tenant string) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id=? ORDER BY key`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) UpdateJob(ctx context.Context, j domain.Job) error {
	bo, err := json.Marshal(j.Backoff)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET queue=?,priority=?,max_attempts=?,backoff=?,timeout_sec=?,concurrency_limit=?,sla_sec=?,enabled=?,version=?
WHERE tenant_id=? AND id=? AND version=?`,
		j.Queue, j.Priority, j.MaxAttempts, string(bo), j.TimeoutSec,
		j.ConcurrencyLimit, j.SLASec, j.Enabled, j.Version, j.Tenant, j.ID, j.Version-1)
	return checkOptimistic(res, err)
}

func (r *sqliteRepo) DeleteJob(ctx context.Context, tenant, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE tenant_id=? AND key=?`, tenant, key)
	return err
}

// runs

// InsertRun persists a run iff its dedupe key is absent. A losing writer
// in a concurrent fire race gets ErrDuplicateRun and discards its copy.
func (r *sqliteRepo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO runs (tenant_id,id,schedule_id,job_id,dedupe_key,status,fire_at,created_at,started_at,finished_at,attempt,error,latency_ms,duration_ms,worker_id,payload,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.Tenant, run.ID, run.ScheduleID, run.JobID, run.DedupeKey, string(run.Status),
		fmtTime(run.FireAt), fmtTime(run.CreatedAt), fmtTimePtr(run.StartedAt), fmtTimePtr(run.FinishedAt),
		run.Attempt, run.Error, run.LatencyMs, run.DurationMs, run.WorkerID, []byte(run.Payload), run.Version)
	if isUniqueViolation(err) {
		return ErrDuplicateRun
	}
	return err
}

const runCols = `tenant_id,id,schedule_id,job_id,dedupe_key,status,fire_at,created_at,started_at,finished_at,attempt,error,latency_ms,duration_ms,worker_id,payload,version`

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var (
		run               domain.Run
		status            string
		fireAt, createdAt string
		started, finished sql.NullString
		lat, dur          sql.NullInt64
		payload           []byte
	)
	err := row.Scan(&run.Tenant, &run.ID, &run.ScheduleID, &run.JobID, &run.DedupeKey,
		&status, &fireAt, &createdAt, &started, &finished, &run.Attempt, &run.Error,
		&lat, &dur, &run.WorkerID, &payload, &run.Version)
	if err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	run.Payload = payload
	if run.FireAt, err = parseTime(fireAt); err != nil {
		return domain.Run{}, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Run{}, err
	}
	if run.StartedAt, err = parseTimePtr(started); err != nil {
		return domain.Run{}, err
	}
	if run.FinishedAt, err = parseTimePtr(finished); err != nil {
		return domain.Run{}, err
	}
	if lat.Valid {
		v := lat.Int64
		run.LatencyMs = &v
	}
	if dur.Valid {
		v := dur.Int64
		run.DurationMs = &v
	}
	return run, nil
}

func (r *sqliteRepo) FindRun(ctx context.Context, tenant, id string) (domain.Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM runs WHERE tenant_id=? AND id=?`, tenant, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, ErrNotFound
	}
	return run, err
}

func (r *sqliteRepo) ListRunsBySchedule(ctx context.Context, tenant, scheduleID string, limit int) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM runs WHERE tenant_id=? AND schedule_id=? ORDER BY fire_at DESC LIMIT ?`,
		tenant, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *sqliteRepo) ListRunsByStatus(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM runs WHERE status=? ORDER BY fire_at LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]domain.Run, error) {
	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) UpdateRun(ctx context.Context, run domain.Run) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE runs SET status=?,started_at=?,finished_at=?,error=?,latency_ms=?,duration_ms=?,worker_id=?,version=?
WHERE tenant_id=? AND id=? AND version=?`,
		string(run.Status), fmtTimePtr(run.StartedAt), fmtTimePtr(run.FinishedAt), run.Error,
		run.LatencyMs, run.DurationMs, run.WorkerID, run.Version, run.Tenant, run.ID, run.Version-1)
	return checkOptimistic(res, err)
}

// workers

func (r *sqliteRepo) SaveWorker(ctx context.Context, w domain.Worker) error {
	qs, err := json.Marshal(w.Queues)
	if err != nil {
		return err
	}
	jks, err := json.Marshal(w.JobKeys)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO workers (tenant_id,id,name,queues,job_keys,heartbeat_at,status,max_parallel,current_jobs,version)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.Tenant, w.ID, w.Name, string(qs), string(jks), fmtTime(w.HeartbeatAt),
		string(w.Status), w.MaxParallel, w.CurrentJobs, w.Version)
	return err
}

const workerCols = `tenant_id,id,name,queues,job_keys,heartbeat_at,status,max_parallel,current_jobs,version`

func scanWorker(row interface{ Scan(...any) error }) (domain.Worker, error) {
	var (
		w         domain.Worker
		qs, jks   string
		heartbeat string
		status    string
	)
	err := row.Scan(&w.Tenant, &w.ID, &w.Name, &qs, &jks, &heartbeat, &status,
		&w.MaxParallel, &w.CurrentJobs, &w.Version)
	if err != nil {
		return domain.Worker{}, err
	}
	if err := json.Unmarshal([]byte(qs), &w.Queues); err != nil {
		return domain.Worker{}, err
	}
	if err := json.Unmarshal([]byte(jks), &w.JobKeys); err != nil {
		return domain.Worker{}, err
	}
	if w.HeartbeatAt, err = parseTime(heartbeat); err != nil {
		return domain.Worker{}, err
	}
	w.Status = domain.WorkerStatus(status)
	return w, nil
}

func (r *sqliteRepo) FindWorker(ctx context.Context, tenant, id string) (domain.Worker, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+workerCols+` FROM workers WHERE tenant_id=? AND id=?`, tenant, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Worker{}, ErrNotFound
	}
	return w, err
}

func (r *sqliteRepo) ListWorkers(ctx context.Context, tenant string) ([]domain.Worker, error) {
	return r.listWorkers(ctx, `SELECT `+workerCols+` FROM workers WHERE tenant_id=? ORDER BY name`, tenant)
}

func (r *sqliteRepo) ListOnlineWorkers(ctx context.Context, tenant string) ([]domain.Worker, error) {
	return r.listWorkers(ctx, `SELECT `+workerCols+` FROM workers WHERE tenant_id=? AND status='online' ORDER BY current_jobs`, tenant)
}

// ListStaleWorkers scans across tenants for online workers whose
// heartbeat lapsed before the cutoff; used only by the reaper.
func (r *sqliteRepo) ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]domain.Worker, error) {
	return r.listWorkers(ctx,
		`SELECT `+workerCols+` FROM workers WHERE status='online' AND heartbeat_at < ?`, fmtTime(cutoff))
}

func (r *sqliteRepo) listWorkers(ctx context.Context, query string, args ...any) ([]domain.Worker, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorker is the single atomic read-modify-write for worker
// capacity: two dispatchers that both observed spare capacity race on the
// version guard and exactly one wins.
func (r *sqliteRepo) UpdateWorker(ctx context.Context, w domain.Worker) error {
	qs, err := json.Marshal(w.Queues)
	if err != nil {
		return err
	}
	jks, err := json.Marshal(w.JobKeys)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE workers SET name=?,queues=?,job_keys=?,heartbeat_at=?,status=?,max_parallel=?,current_jobs=?,version=?
WHERE tenant_id=? AND id=? AND version=?`,
		w.Name, string(qs), string(jks), fmtTime(w.HeartbeatAt), string(w.Status),
		w.MaxParallel, w.CurrentJobs, w.Version, w.Tenant, w.ID, w.Version-1)
	return checkOptimistic(res, err)
}

func (r *sqliteRepo) DeleteWorker(ctx context.Context, tenant, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workers WHERE tenant_id=? AND id=?`, tenant, id)
	return err
}

func checkOptimistic(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}
