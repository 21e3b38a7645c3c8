// Package services – JobService
//
// This file implements the job store: all capture jobs keyed by identifier,
// with a secondary index on (domain, owning token) enforcing the
// one-job-per-pair invariant. Submission is create-or-update; one-shot jobs
// dispatch immediately while recurring jobs wait for the scheduler sweep.
//
// The store is the synchronization point for the single-flight guarantee:
// TryStartRun performs an atomic check-and-set of the running status under
// the service lock, so two triggers racing to start the same job result in
// exactly one execution.
package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pagewatch/pagewatch-runner/internal/config"
	"github.com/pagewatch/pagewatch-runner/internal/domain"
)

// ownerKey identifies the (domain, token) pair a job belongs to.
type ownerKey struct {
	domain string
	secret string
}

// SubmitParams carries one job submission.
type SubmitParams struct {
	Domain             string
	TokenSecret        string
	Interval           int // seconds; 0 = one-shot manual
	Session            domain.SessionData
	LLM                domain.LLMConfig
	Fields             []domain.FieldDef
	PreviousEvaluation *domain.Evaluation
	Capture            domain.CaptureSettings
}

// SubmitResult reports what Submit did.
type SubmitResult struct {
	JobID      string
	Created    bool // false when an existing job was updated in place
	Dispatched bool // true when a manual execution was launched immediately
}

// RunRequest identifies one execution to launch. The token secret rides
// along so manual-quota reconciliation works even when the job is deleted
// mid-flight.
type RunRequest struct {
	JobID       string
	Domain      string
	TokenSecret string
	Manual      bool
}

// RunContext is the frozen view of a job's configuration handed to the
// executor when a run starts. Copying it under the lock means the executor
// never reads job state concurrently with a resubmission.
type RunContext struct {
	JobID       string
	Domain      string
	TokenSecret string
	Manual      bool
	FirstRun    bool
	Session     domain.SessionData
	LLM         domain.LLMConfig
	Fields      []domain.FieldDef
	Capture     domain.CaptureSettings
	Prior       *domain.Evaluation
}

// JobView is the status summary served by GET /job/:id and GET /jobs.
// Result payloads are only available via the results endpoint.
type JobView struct {
	ID          string           `json:"jobId"`
	Domain      string           `json:"domain"`
	Status      domain.JobStatus `json:"status"`
	Interval    int              `json:"interval,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	LastRun     *time.Time       `json:"lastRun,omitempty"`
	LastError   string           `json:"lastError,omitempty"`
	RunCount    int              `json:"runCount"`
	ResultCount int              `json:"resultCount"`
}

// JobService owns all jobs. Safe for concurrent use by HTTP handlers, the
// scheduler sweep, the executor, and cleanup timers.
type JobService struct {
	mu           sync.Mutex
	jobs         map[string]*domain.Job
	byOwner      map[ownerKey]string
	deleteTimers map[string]*time.Timer

	tokens     *TokenService
	maxResults int
	jobLimit   int
	completeGC time.Duration
	failedGC   time.Duration
	log        zerolog.Logger

	// now is a clock seam for tests.
	now func() time.Time
	// dispatch launches an execution without blocking the caller. Wired to
	// the executor at startup; tests substitute a recorder.
	dispatch func(req RunRequest)
}

// NewJobService constructs a JobService. dispatch may be nil initially and
// set later via SetDispatch (the executor needs the service first).
func NewJobService(tokens *TokenService, cfg config.Config, log zerolog.Logger) *JobService {
	return &JobService{
		jobs:         make(map[string]*domain.Job),
		byOwner:      make(map[ownerKey]string),
		deleteTimers: make(map[string]*time.Timer),
		tokens:       tokens,
		maxResults:   cfg.MaxResultsPerJob,
		jobLimit:     cfg.ServerJobLimit,
		completeGC:   cfg.Scheduler.CompleteGC,
		failedGC:     cfg.Scheduler.FailedGC,
		log:          log,
		now:          time.Now,
	}
}

// SetDispatch wires the execution launcher.
func (s *JobService) SetDispatch(fn func(RunRequest)) { s.dispatch = fn }

// Submit creates or updates the caller's job for the given domain. A new
// submission quota-checks the requested mode before the job exists; a
// resubmission replaces the configuration in place, transfers quota when
// the mode flips between recurring and manual, and cancels any pending
// post-completion deletion. Manual submissions dispatch immediately.
func (s *JobService) Submit(p SubmitParams) (SubmitResult, error) {
	recurring := p.Interval > 0
	key := ownerKey{domain: p.Domain, secret: p.TokenSecret}

	s.mu.Lock()
	id, exists := s.byOwner[key]

	if !exists {
		if len(s.jobs) >= s.jobLimit {
			s.mu.Unlock()
			return SubmitResult{}, ErrServerJobLimit
		}
		// Reserve quota before the job can enter the corresponding state.
		var err error
		if recurring {
			err = s.tokens.StartRecurring(p.TokenSecret, p.Domain)
		} else {
			err = s.tokens.StartManual(p.TokenSecret)
		}
		if err != nil {
			s.mu.Unlock()
			return SubmitResult{}, err
		}

		job := &domain.Job{
			ID:                 uuid.NewString(),
			Domain:             p.Domain,
			TokenSecret:        p.TokenSecret,
			Interval:           p.Interval,
			Status:             domain.StatusIdle,
			CreatedAt:          s.now(),
			Session:            p.Session,
			LLM:                p.LLM,
			Fields:             p.Fields,
			PreviousEvaluation: p.PreviousEvaluation,
			Capture:            p.Capture,
		}
		s.jobs[job.ID] = job
		s.byOwner[key] = job.ID
		jobsActive.Set(float64(len(s.jobs)))
		s.mu.Unlock()

		s.log.Info().Str("job_id", job.ID).Str("domain", p.Domain).
			Bool("recurring", recurring).Msg("job created")

		if !recurring {
			s.launch(RunRequest{JobID: job.ID, Domain: p.Domain, TokenSecret: p.TokenSecret, Manual: true})
			return SubmitResult{JobID: job.ID, Created: true, Dispatched: true}, nil
		}
		return SubmitResult{JobID: job.ID, Created: true}, nil
	}

	job := s.jobs[id]
	wasRecurring := job.Recurring()

	// Quota transitions for the new submission. StartRecurring is a no-op
	// when the domain is already a member; every manual submission is a
	// fresh capture and reserves a fresh in-flight slot.
	var err error
	if recurring {
		err = s.tokens.StartRecurring(p.TokenSecret, p.Domain)
	} else {
		err = s.tokens.StartManual(p.TokenSecret)
	}
	if err != nil {
		s.mu.Unlock()
		return SubmitResult{}, err
	}
	if wasRecurring && !recurring {
		s.tokens.StopRecurring(p.TokenSecret, p.Domain)
	}

	// Resubmission rescues a job from pending deletion.
	if t, ok := s.deleteTimers[id]; ok {
		t.Stop()
		delete(s.deleteTimers, id)
	}

	job.Interval = p.Interval
	job.Session = p.Session
	job.LLM = p.LLM
	job.Fields = p.Fields
	job.PreviousEvaluation = p.PreviousEvaluation
	job.Capture = p.Capture
	job.LastError = ""
	if job.Status != domain.StatusRunning {
		job.Status = domain.StatusIdle
	}
	s.mu.Unlock()

	s.log.Info().Str("job_id", id).Str("domain", p.Domain).
		Bool("recurring", recurring).Msg("job updated")

	if !recurring {
		s.launch(RunRequest{JobID: id, Domain: p.Domain, TokenSecret: p.TokenSecret, Manual: true})
		return SubmitResult{JobID: id, Dispatched: true}, nil
	}
	return SubmitResult{JobID: id}, nil
}

// launch hands a run to the dispatcher; a missing dispatcher (tests, early
// startup) releases the manual slot so quota cannot leak.
func (s *JobService) launch(req RunRequest) {
	if s.dispatch != nil {
		s.dispatch(req)
		return
	}
	s.log.Error().Str("job_id", req.JobID).Msg("no dispatcher wired; dropping run")
	if req.Manual {
		s.tokens.FinishManual(req.TokenSecret)
	}
}

// Get returns the status summary for a job owned by the given token.
func (s *JobService) Get(jobID, secret string) (JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.ownedLocked(jobID, secret)
	if err != nil {
		return JobView{}, err
	}
	return viewOf(job), nil
}

// Delete removes a job outright and reverses its quota contribution. An
// already-running execution is not interrupted; it prevents future runs.
func (s *JobService) Delete(jobID, secret string) error {
	s.mu.Lock()
	job, err := s.ownedLocked(jobID, secret)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.removeLocked(job)
	s.mu.Unlock()

	if job.Recurring() {
		s.tokens.StopRecurring(secret, job.Domain)
	}
	s.log.Info().Str("job_id", jobID).Str("domain", job.Domain).Msg("job deleted")
	return nil
}

// UnretrievedResults returns the job's results not yet fetched by clientID,
// marking them retrieved. A record is returned at most once per client; the
// tracking set stays server-side and is stripped from the copies.
func (s *JobService) UnretrievedResults(jobID, secret, clientID string) ([]domain.ResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.ownedLocked(jobID, secret)
	if err != nil {
		return nil, err
	}

	out := make([]domain.ResultRecord, 0)
	for _, r := range job.Results {
		if r.RetrievedBy == nil {
			r.RetrievedBy = make(map[string]bool)
		}
		if r.RetrievedBy[clientID] {
			continue
		}
		r.RetrievedBy[clientID] = true
		cp := *r
		cp.RetrievedBy = nil
		out = append(out, cp)
	}
	return out, nil
}

// Purge clears a job's results. keepLast > 0 retains the N most recently
// appended records in their original order; otherwise all are removed.
// Returns the number of records removed.
func (s *JobService) Purge(jobID, secret string, keepLast int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.ownedLocked(jobID, secret)
	if err != nil {
		return 0, err
	}

	total := len(job.Results)
	if keepLast <= 0 {
		job.Results = nil
		return total, nil
	}
	if keepLast >= total {
		return 0, nil
	}
	kept := job.Results[total-keepLast:]
	job.Results = append([]*domain.ResultRecord(nil), kept...)
	return total - keepLast, nil
}

// ListActive returns the caller's sync-relevant jobs: every recurring job
// plus any manual job still running.
func (s *JobService) ListActive(secret string) []JobView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobView, 0)
	for _, job := range s.jobs {
		if job.TokenSecret != secret {
			continue
		}
		if job.Recurring() || job.Status == domain.StatusRunning {
			out = append(out, viewOf(job))
		}
	}
	return out
}

// Count returns the total number of stored jobs.
func (s *JobService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// DueRecurring returns the IDs of recurring jobs whose interval has elapsed
// since their last run (never-run counts as infinitely overdue). Jobs
// currently running are skipped.
func (s *JobService) DueRecurring(now time.Time) []RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []RunRequest
	for _, job := range s.jobs {
		if !job.Recurring() || job.Status == domain.StatusRunning {
			continue
		}
		if !job.LastRun.IsZero() && now.Sub(job.LastRun) < time.Duration(job.Interval)*time.Second {
			continue
		}
		due = append(due, RunRequest{
			JobID:       job.ID,
			Domain:      job.Domain,
			TokenSecret: job.TokenSecret,
		})
	}
	return due
}

// MarkLastRun optimistically stamps a job's last-run time before its
// execution starts, so consecutive sweep ticks do not pick the same job up
// twice while the first execution is still starting.
func (s *JobService) MarkLastRun(jobID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.LastRun = now
	}
}

// TryStartRun atomically transitions a job to running and returns the
// frozen run context. Returns false when the job is already running (the
// single-flight no-op, logged by the caller) or no longer exists.
func (s *JobService) TryStartRun(jobID string) (RunContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return RunContext{}, false
	}
	if job.Status == domain.StatusRunning {
		s.log.Debug().Str("job_id", jobID).Msg("job already running; start skipped")
		return RunContext{}, false
	}

	firstRun := job.RunCount == 0
	job.Status = domain.StatusRunning
	job.RunCount++
	job.LastRun = s.now()

	prior := job.PreviousEvaluation
	if last := job.LastSuccessfulResult(); last != nil {
		prior = last.LLMResponse
	}

	fields := append([]domain.FieldDef(nil), job.Fields...)
	return RunContext{
		JobID:       job.ID,
		Domain:      job.Domain,
		TokenSecret: job.TokenSecret,
		Manual:      !job.Recurring(),
		FirstRun:    firstRun,
		Session:     job.Session,
		LLM:         job.LLM,
		Fields:      fields,
		Capture:     job.Capture,
		Prior:       prior,
	}, true
}

// FinishRun appends the run's result record and moves the job to its
// terminal state: idle for a successful recurring run, complete for a
// successful one-shot, failed on error. One-shot jobs are scheduled for
// garbage collection after a grace period (shorter when failed) unless
// resubmitted first. A job deleted mid-run drops the record.
func (s *JobService) FinishRun(jobID string, rec *domain.ResultRecord, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		s.log.Debug().Str("job_id", jobID).Msg("job deleted mid-run; result dropped")
		return
	}

	if rec != nil {
		if rec.RetrievedBy == nil {
			// Backward compatibility: every record carries an initialized
			// tracking set, error records included.
			rec.RetrievedBy = make(map[string]bool)
		}
		job.Results = append(job.Results, rec)
		if over := len(job.Results) - s.maxResults; over > 0 {
			job.Results = append([]*domain.ResultRecord(nil), job.Results[over:]...)
		}
	}

	switch {
	case runErr != nil:
		job.Status = domain.StatusFailed
		job.LastError = runErr.Error()
	case job.Recurring():
		job.Status = domain.StatusIdle
		job.LastError = ""
	default:
		job.Status = domain.StatusComplete
		job.LastError = ""
	}

	if !job.Recurring() {
		delay := s.completeGC
		if runErr != nil {
			delay = s.failedGC
		}
		s.scheduleDeleteLocked(job.ID, delay)
	}
}

// SweepStaleComplete is the backstop cleanup: it removes one-shot jobs that
// have sat in a terminal state longer than maxIdle, in case their deletion
// timer was lost. Returns the number removed.
func (s *JobService) SweepStaleComplete(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, job := range s.jobs {
		if job.Recurring() {
			continue
		}
		if job.Status != domain.StatusComplete && job.Status != domain.StatusFailed {
			continue
		}
		if job.LastRun.IsZero() || now.Sub(job.LastRun) <= maxIdle {
			continue
		}
		s.removeLocked(job)
		removed++
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("stale one-shot jobs swept")
	}
	return removed
}

// scheduleDeleteLocked arms (or re-arms) the post-completion deletion timer
// for a one-shot job.
func (s *JobService) scheduleDeleteLocked(jobID string, delay time.Duration) {
	if t, ok := s.deleteTimers[jobID]; ok {
		t.Stop()
	}
	s.deleteTimers[jobID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		job, ok := s.jobs[jobID]
		if !ok {
			return
		}
		// A resubmission that raced the timer keeps the job alive.
		if job.Status == domain.StatusRunning || job.Status == domain.StatusIdle {
			return
		}
		s.removeLocked(job)
		s.log.Debug().Str("job_id", jobID).Msg("one-shot job garbage collected")
	})
}

// removeLocked deletes a job from all indexes and stops its timer.
func (s *JobService) removeLocked(job *domain.Job) {
	delete(s.jobs, job.ID)
	delete(s.byOwner, ownerKey{domain: job.Domain, secret: job.TokenSecret})
	if t, ok := s.deleteTimers[job.ID]; ok {
		t.Stop()
		delete(s.deleteTimers, job.ID)
	}
	jobsActive.Set(float64(len(s.jobs)))
}

// ownedLocked fetches a job and checks ownership.
func (s *JobService) ownedLocked(jobID, secret string) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.TokenSecret != secret {
		return nil, ErrForbidden
	}
	return job, nil
}

// viewOf builds the status summary for a job.
func viewOf(job *domain.Job) JobView {
	v := JobView{
		ID:          job.ID,
		Domain:      job.Domain,
		Status:      job.Status,
		Interval:    job.Interval,
		CreatedAt:   job.CreatedAt,
		LastError:   job.LastError,
		RunCount:    job.RunCount,
		ResultCount: len(job.Results),
	}
	if !job.LastRun.IsZero() {
		lr := job.LastRun
		v.LastRun = &lr
	}
	return v
}
