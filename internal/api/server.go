package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tempo/internal/dispatch"
	"tempo/internal/domain"
	"tempo/internal/store"
)

// tenantHeader scopes every request; there is no cross-tenant surface.
const tenantHeader = "X-Tenant"

type Server struct {
	r    *chi.Mux
	repo store.Repository
	svc  *dispatch.Service
}

func NewServer(repo store.Repository, svc *dispatch.Service) http.Handler {
	return NewServerWithDebug(repo, svc, false)
}

func NewServerWithDebug(repo store.Repository, svc *dispatch.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, svc: svc}

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Post("/schedules/{id}/enable", s.enableSchedule)
		r.Post("/schedules/{id}/disable", s.disableSchedule)
		r.Post("/schedules/{id}/trigger", s.triggerSchedule)
		r.Post("/schedules/{id}/backfill", s.backfillSchedule)
		r.Get("/schedules/{id}/runs", s.listScheduleRuns)

		r.Get("/runs/{id}", s.getRun)

		r.Post("/jobs", s.createJob)
		r.Get("/jobs", s.listJobs)
		r.Post("/jobs/{key}/trigger", s.triggerJob)
		r.Delete("/jobs/{key}", s.deleteJob)

		r.Post("/workers", s.registerWorker)
		r.Get("/workers", s.listWorkers)
		r.Post("/workers/{id}/heartbeat", s.workerHeartbeat)
		r.Post("/workers/{id}/offline", s.workerOffline)
		r.Delete("/workers/{id}", s.deleteWorker)

		r.Post("/calendars", s.createCalendar)
		r.Get("/calendars/{key}", s.getCalendar)
		r.Put("/calendars/{key}", s.updateCalendar)
		r.Delete("/calendars/{key}", s.deleteCalendar)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	t := r.Header.Get(tenantHeader)
	if t == "" {
		http.Error(w, tenantHeader+" header is required", 400)
		return "", false
	}
	return t, true
}

// fail maps domain and store errors onto HTTP statuses.
func fail(w http.ResponseWriter, err error) {
	var cfg *domain.ConfigurationError
	var trans *domain.TransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, store.ErrDuplicateRun):
		http.Error(w, "run already exists for this fire instant", 409)
	case errors.Is(err, store.ErrVersionConflict):
		http.Error(w, "conflicting concurrent update, retry", 409)
	case errors.As(err, &cfg):
		http.Error(w, err.Error(), 400)
	case errors.As(err, &trans):
		http.Error(w, err.Error(), 409)
	default:
		http.Error(w, err.Error(), 500)
	}
}

type scheduleReq struct {
	Name        string          `json:"name"`
	Timezone    string          `json:"timezone"`
	Trigger     domain.Trigger  `json:"trigger"`
	Target      domain.Target   `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	CalendarKey string          `json:"calendar_key"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	sched, err := s.svc.CreateSchedule(r.Context(), dispatch.ScheduleInput{
		Tenant: ten, Name: req.Name, Timezone: req.Timezone,
		Trigger: req.Trigger, Target: req.Target,
		Payload: req.Payload, CalendarKey: req.CalendarKey,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleView(sched))
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	schedules, err := s.repo.ListSchedules(r.Context(), ten)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleView(sc))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	sched, err := s.repo.FindSchedule(r.Context(), ten, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, scheduleView(sched))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	sched, err := s.svc.UpdateSchedule(r.Context(), ten, chi.URLParam(r, "id"), dispatch.ScheduleInput{
		Tenant: ten, Name: req.Name, Timezone: req.Timezone,
		Trigger: req.Trigger, Target: req.Target,
		Payload: req.Payload, CalendarKey: req.CalendarKey,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, scheduleView(sched))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteSchedule(r.Context(), ten, chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) disableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var sched domain.Schedule
	var err error
	if enabled {
		sched, err = s.svc.EnableSchedule(r.Context(), ten, chi.URLParam(r, "id"))
	} else {
		sched, err = s.svc.DisableSchedule(r.Context(), ten, chi.URLParam(r, "id"))
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, scheduleView(sched))
}

type triggerReq struct {
	FireTime *time.Time      `json:"fire_time"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var req triggerReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	run, err := s.svc.ManualTrigger(r.Context(), ten, chi.URLParam(r, "id"), req.FireTime, req.Payload)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runView(run))
}

type backfillReq struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	StepSec int       `json:"step_sec"`
	MaxRuns int       `json:"max_runs"`
}

func (s *Server) backfillSchedule(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var req backfillReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.MaxRuns <= 0 {
		http.Error(w, "max_runs must be positive", 400)
		return
	}
	runs, err := s.svc.Backfill(r.Context(), ten, chi.URLParam(r, "id"),
		req.From, req.To, time.Duration(req.StepSec)*time.Second, req.MaxRuns)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView(run))
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) listScheduleRuns(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	runs, err := s.repo.ListRunsBySchedule(r.Context(), ten, chi.URLParam(r, "id"), 100)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView(run))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	run, err := s.repo.FindRun(r.Context(), ten, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, runView(run))
}

type jobReq struct {
	Key              string         `json:"key"`
	Queue            string         `json:"queue"`
	Priority         int            `json:"priority"`
	MaxAttempts      int            `json:"max_attempts"`
	Backoff          domain.Backoff `json:"backoff"`
	TimeoutSec       int            `json:"timeout_sec"`
	ConcurrencyLimit *int           `json:"concurrency_limit"`
	SLASec           *int           `json:"sla_sec"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var req jobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	job, err := s.svc.CreateJob(r.Context(), dispatch.JobInput{
		Tenant: ten, Key: req.Key, Queue: req.Queue,
		Priority: req.Priority, MaxAttempts: req.MaxAttempts,
		Backoff: req.Backoff, TimeoutSec: req.TimeoutSec,
		ConcurrencyLimit: req.ConcurrencyLimit, SLASec: req.SLASec,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobView(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	jobs, err := s.repo.ListJobs(r.Context(), ten)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	writeJSON(w, 200, out)
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var req triggerReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	run, err := s.svc.TriggerJob(r.Context(), ten, chi.URLParam(r, "key"), req.Payload)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runView(run))
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteJob(r.Context(), ten, chi.URLParam(r, "key")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type workerReq struct {
	Name        string   `json:"name"`
	Queues      []string `json:"queues"`
	JobKeys     []string `json:"job_keys"`
	MaxParallel int      `json:"max_parallel"`
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var req workerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	worker, err := s.svc.RegisterWorker(r.Context(), ten, req.Name, req.Queues, req.JobKeys, req.MaxParallel)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, workerView(worker))
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	workers, err := s.repo.ListWorkers(r.Context(), ten)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(workers))
	for _, wk := range workers {
		out = append(out, workerView(wk))
	}
	writeJSON(w, 200, out)
}

func (s *Server) workerHeartbeat(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	worker, err := s.svc.WorkerHeartbeat(r.Context(), ten, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, workerView(worker))
}

func (s *Server) workerOffline(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	worker, err := s.svc.WorkerOffline(r.Context(), ten, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, workerView(worker))
}

func (s *Server) deleteWorker(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteWorker(r.Context(), ten, chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type calendarReq struct {
	Key          string          `json:"key"`
	Name         string          `json:"name"`
	Holidays     []string        `json:"holidays"`
	BusinessDays map[string]bool `json:"business_days"`
}

func (s *Server) createCalendar(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var req calendarReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	cal, err := s.svc.CreateCalendar(r.Context(), ten, req.Key, req.Name, req.Holidays, req.BusinessDays)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, calendarView(cal))
}

func (s *Server) getCalendar(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	cal, err := s.repo.FindCalendar(r.Context(), ten, chi.URLParam(r, "key"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, calendarView(cal))
}

func (s *Server) updateCalendar(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	var req calendarReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	cal, err := s.svc.UpdateCalendar(r.Context(), ten, chi.URLParam(r, "key"), req.Holidays, req.BusinessDays)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, calendarView(cal))
}

func (s *Server) deleteCalendar(w http.ResponseWriter, r *http.Request) {
	ten, ok := tenant(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteCalendar(r.Context(), ten, chi.URLParam(r, "key")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func scheduleView(s domain.Schedule) map[string]any {
	return map[string]any{
		"id":           s.ID,
		"name":         s.Name,
		"timezone":     s.Timezone,
		"trigger":      s.Trigger,
		"target":       s.Target,
		"payload":      s.Payload,
		"calendar_key": s.CalendarKey,
		"enabled":      s.Enabled,
		"next_fire_at": s.NextFireAt,
		"last_fire_at": s.LastFireAt,
		"created_at":   s.CreatedAt,
		"version":      s.Version,
	}
}

func runView(r domain.Run) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"schedule_id": r.ScheduleID,
		"job_id":      r.JobID,
		"status":      r.Status,
		"attempt":     r.Attempt,
		"fire_at":     r.FireAt,
		"created_at":  r.CreatedAt,
		"started_at":  r.StartedAt,
		"finished_at": r.FinishedAt,
		"error":       r.Error,
		"latency_ms":  r.LatencyMs,
		"duration_ms": r.DurationMs,
		"worker_id":   r.WorkerID,
	}
}

func jobView(j domain.Job) map[string]any {
	return map[string]any{
		"id":                j.ID,
		"key":               j.Key,
		"queue":             j.Queue,
		"priority":          j.Priority,
		"max_attempts":      j.MaxAttempts,
		"backoff":           j.Backoff,
		"timeout_sec":       j.TimeoutSec,
		"concurrency_limit": j.ConcurrencyLimit,
		"sla_sec":           j.SLASec,
		"enabled":           j.Enabled,
	}
}

func workerView(w domain.Worker) map[string]any {
	return map[string]any{
		"id":           w.ID,
		"name":         w.Name,
		"queues":       w.Queues,
		"job_keys":     w.JobKeys,
		"status":       w.Status,
		"heartbeat_at": w.HeartbeatAt,
		"max_parallel": w.MaxParallel,
		"current_jobs": w.CurrentJobs,
		"utilization":  w.Utilization(),
	}
}

func calendarView(c domain.Calendar) map[string]any {
	holidays := make([]string, 0, len(c.Holidays))
	for d := range c.Holidays {
		holidays = append(holidays, d)
	}
	sort.Strings(holidays)
	days := map[string]bool{}
	for wd, on := range c.BusinessDays {
		days[strings.ToLower(wd.String())] = on
	}
	return map[string]any{
		"id":            c.ID,
		"key":           c.Key,
		"name":          c.Name,
		"holidays":      holidays,
		"business_days": days,
		"version":       c.Version,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
