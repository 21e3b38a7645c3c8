package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagewatch/pagewatch-runner/internal/config"
	"github.com/pagewatch/pagewatch-runner/internal/domain"
)

// dispatchRecorder captures launched runs instead of executing them.
type dispatchRecorder struct {
	reqs []RunRequest
}

func (d *dispatchRecorder) fn(req RunRequest) { d.reqs = append(d.reqs, req) }

func jobTestConfig() config.Config {
	return config.Config{
		TokenTTL:         time.Hour,
		PendingTokenTTL:  5 * time.Minute,
		Quotas:           testQuotas(),
		ServerJobLimit:   500,
		MaxResultsPerJob: 5,
		Scheduler: config.SchedulerConfig{
			CompleteGC: time.Hour,
			FailedGC:   time.Hour,
		},
	}
}

func newTestJobService(t *testing.T, cfg config.Config) (*JobService, *TokenService, string, *dispatchRecorder) {
	t.Helper()
	tokens := NewTokenService(&fakeVerifier{}, cfg, zerolog.Nop())
	jobs := NewJobService(tokens, cfg, zerolog.Nop())
	rec := &dispatchRecorder{}
	jobs.SetDispatch(rec.fn)
	secret := issue(t, tokens)
	return jobs, tokens, secret, rec
}

func submitRecurring(t *testing.T, s *JobService, secret, dom string) string {
	t.Helper()
	res, err := s.Submit(SubmitParams{
		Domain:      dom,
		TokenSecret: secret,
		Interval:    60,
		Session:     domain.SessionData{URL: "https://" + dom + "/item"},
		Fields:      []domain.FieldDef{{Name: "in_stock", Criteria: "purchasable"}},
	})
	if err != nil {
		t.Fatalf("Submit recurring %s: %v", dom, err)
	}
	return res.JobID
}

func TestSubmit_CreateAndUpdate(t *testing.T) {
	s, _, secret, rec := newTestJobService(t, jobTestConfig())

	res, err := s.Submit(SubmitParams{
		Domain:      "shop.example",
		TokenSecret: secret,
		Interval:    300,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Created || res.Dispatched {
		t.Errorf("recurring create = %+v, want Created and not Dispatched", res)
	}
	if len(rec.reqs) != 0 {
		t.Errorf("recurring submission dispatched %d runs", len(rec.reqs))
	}

	// Same (domain, token) updates the stored job instead of creating a second one.
	res2, err := s.Submit(SubmitParams{
		Domain:      "shop.example",
		TokenSecret: secret,
		Interval:    600,
	})
	if err != nil {
		t.Fatalf("Submit resubmit: %v", err)
	}
	if res2.Created {
		t.Error("resubmission reported Created")
	}
	if res2.JobID != res.JobID {
		t.Errorf("resubmission job id %s != %s", res2.JobID, res.JobID)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}

	v, err := s.Get(res.JobID, secret)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Interval != 600 {
		t.Errorf("Interval = %d, want 600 after update", v.Interval)
	}
}

func TestSubmit_ManualDispatchesImmediately(t *testing.T) {
	s, _, secret, rec := newTestJobService(t, jobTestConfig())

	res, err := s.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Created || !res.Dispatched {
		t.Errorf("manual create = %+v, want Created and Dispatched", res)
	}
	if len(rec.reqs) != 1 {
		t.Fatalf("dispatched %d runs, want 1", len(rec.reqs))
	}
	req := rec.reqs[0]
	if req.JobID != res.JobID || !req.Manual || req.TokenSecret != secret {
		t.Errorf("RunRequest = %+v", req)
	}
}

func TestSubmit_NoDispatcherReleasesManualSlot(t *testing.T) {
	cfg := jobTestConfig()
	tokens := NewTokenService(&fakeVerifier{}, cfg, zerolog.Nop())
	s := NewJobService(tokens, cfg, zerolog.Nop())
	secret := issue(t, tokens)

	if _, err := s.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, err := tokens.Stats(secret)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ManualCaptures != 0 {
		t.Errorf("ManualCaptures = %d, want 0 after dropped run", st.ManualCaptures)
	}
}

func TestSubmit_ServerJobLimit(t *testing.T) {
	cfg := jobTestConfig()
	cfg.ServerJobLimit = 2
	s, _, secret, _ := newTestJobService(t, cfg)

	submitRecurring(t, s, secret, "a.example")
	submitRecurring(t, s, secret, "b.example")

	_, err := s.Submit(SubmitParams{Domain: "c.example", TokenSecret: secret, Interval: 60})
	if !errors.Is(err, ErrServerJobLimit) {
		t.Fatalf("Submit over limit = %v, want ErrServerJobLimit", err)
	}
	// Updating an existing job is still allowed at the ceiling.
	if _, err := s.Submit(SubmitParams{Domain: "a.example", TokenSecret: secret, Interval: 120}); err != nil {
		t.Errorf("resubmit at limit: %v", err)
	}
}

func TestSubmit_QuotaExceeded(t *testing.T) {
	s, _, secret, _ := newTestJobService(t, jobTestConfig())

	for i := 0; i < 3; i++ {
		submitRecurring(t, s, secret, fmt.Sprintf("site-%d.example", i))
	}
	_, err := s.Submit(SubmitParams{Domain: "one-too-many.example", TokenSecret: secret, Interval: 60})
	if _, isQuota := IsQuotaError(err); !isQuota {
		t.Fatalf("Submit over quota = %v, want QuotaError", err)
	}
	if s.Count() != 3 {
		t.Errorf("Count = %d after rejected submit, want 3", s.Count())
	}
}

func TestSubmit_RecurringToManualTransfersQuota(t *testing.T) {
	s, tokens, secret, rec := newTestJobService(t, jobTestConfig())

	id := submitRecurring(t, s, secret, "shop.example")

	res, err := s.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret})
	if err != nil {
		t.Fatalf("Submit flip to manual: %v", err)
	}
	if res.JobID != id || !res.Dispatched {
		t.Errorf("flip result = %+v", res)
	}
	if len(rec.reqs) != 1 {
		t.Errorf("dispatched %d runs, want 1", len(rec.reqs))
	}

	st, err := tokens.Stats(secret)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.RecurringDomains != 0 {
		t.Errorf("RecurringDomains = %d, want 0 after flip", st.RecurringDomains)
	}
	if st.ManualCaptures != 1 {
		t.Errorf("ManualCaptures = %d, want 1 after flip", st.ManualCaptures)
	}
}

func TestDelete_ReversesRecurringQuota(t *testing.T) {
	s, tokens, secret, _ := newTestJobService(t, jobTestConfig())

	id := submitRecurring(t, s, secret, "shop.example")
	if err := s.Delete(id, secret); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d, want 0", s.Count())
	}

	st, err := tokens.Stats(secret)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.RecurringDomains != 0 {
		t.Errorf("RecurringDomains = %d, want 0 after delete", st.RecurringDomains)
	}
	if _, err := s.Get(id, secret); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get after delete = %v, want ErrJobNotFound", err)
	}
}

func TestOwnership(t *testing.T) {
	s, tokens, secret, _ := newTestJobService(t, jobTestConfig())
	id := submitRecurring(t, s, secret, "shop.example")

	other := issue(t, tokens)
	if _, err := s.Get(id, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("Get with foreign token = %v, want ErrForbidden", err)
	}
	if err := s.Delete(id, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("Delete with foreign token = %v, want ErrForbidden", err)
	}
	if _, err := s.Get("no-such-job", secret); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get unknown = %v, want ErrJobNotFound", err)
	}
}

func TestUnretrievedResults_AtMostOncePerClient(t *testing.T) {
	s, _, secret, _ := newTestJobService(t, jobTestConfig())
	id := submitRecurring(t, s, secret, "shop.example")

	for i := 0; i < 2; i++ {
		if _, ok := s.TryStartRun(id); !ok {
			t.Fatalf("TryStartRun %d failed", i)
		}
		s.FinishRun(id, &domain.ResultRecord{ID: fmt.Sprintf("r-%d", i)}, nil)
	}

	got, err := s.UnretrievedResults(id, secret, "client-a")
	if err != nil {
		t.Fatalf("UnretrievedResults: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("first fetch returned %d records, want 2", len(got))
	}
	if got[0].RetrievedBy != nil {
		t.Error("returned copy leaks the retrieval tracking set")
	}

	// Same client again: nothing new.
	got, err = s.UnretrievedResults(id, secret, "client-a")
	if err != nil {
		t.Fatalf("UnretrievedResults repeat: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("second fetch returned %d records, want 0", len(got))
	}

	// A different client still sees everything once.
	got, err = s.UnretrievedResults(id, secret, "client-b")
	if err != nil {
		t.Fatalf("UnretrievedResults other client: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("other client fetch returned %d records, want 2", len(got))
	}
}

func TestPurge(t *testing.T) {
	s, _, secret, _ := newTestJobService(t, jobTestConfig())
	id := submitRecurring(t, s, secret, "shop.example")

	for i := 0; i < 5; i++ {
		if _, ok := s.TryStartRun(id); !ok {
			t.Fatalf("TryStartRun %d failed", i)
		}
		s.FinishRun(id, &domain.ResultRecord{ID: fmt.Sprintf("r-%d", i)}, nil)
	}

	removed, err := s.Purge(id, secret, 2)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 3 {
		t.Errorf("Purge removed %d, want 3", removed)
	}

	got, err := s.UnretrievedResults(id, secret, "client-a")
	if err != nil {
		t.Fatalf("UnretrievedResults: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r-3" || got[1].ID != "r-4" {
		t.Errorf("kept records = %+v, want r-3 then r-4", got)
	}

	// keepLast beyond the count removes nothing; zero clears the rest.
	if removed, _ := s.Purge(id, secret, 10); removed != 0 {
		t.Errorf("Purge keepLast=10 removed %d, want 0", removed)
	}
	if removed, _ := s.Purge(id, secret, 0); removed != 2 {
		t.Errorf("Purge keepLast=0 removed %d, want 2", removed)
	}
}

func TestTryStartRun_SingleFlight(t *testing.T) {
	s, _, secret, _ := newTestJobService(t, jobTestConfig())
	id := submitRecurring(t, s, secret, "shop.example")

	rc, ok := s.TryStartRun(id)
	if !ok {
		t.Fatal("first TryStartRun failed")
	}
	if !rc.FirstRun || rc.Manual {
		t.Errorf("RunContext = %+v, want FirstRun recurring", rc)
	}

	if _, ok := s.TryStartRun(id); ok {
		t.Fatal("second TryStartRun succeeded while running")
	}
	if _, ok := s.TryStartRun("no-such-job"); ok {
		t.Fatal("TryStartRun succeeded for unknown job")
	}

	s.FinishRun(id, &domain.ResultRecord{ID: "r-1"}, nil)
	rc, ok = s.TryStartRun(id)
	if !ok {
		t.Fatal("TryStartRun after finish failed")
	}
	if rc.FirstRun {
		t.Error("second run reported FirstRun")
	}
}

func TestTryStartRun_PriorFromLastSuccess(t *testing.T) {
	s, _, secret, _ := newTestJobService(t, jobTestConfig())

	seed := &domain.Evaluation{Fields: map[string]domain.FieldScore{
		"in_stock": {Result: false, Confidence: 0.9},
	}}
	res, err := s.Submit(SubmitParams{
		Domain:             "shop.example",
		TokenSecret:        secret,
		Interval:           60,
		PreviousEvaluation: seed,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id := res.JobID

	// Before any run the client-supplied evaluation is the prior.
	rc, _ := s.TryStartRun(id)
	if rc.Prior != seed {
		t.Error("prior != seeded evaluation before first success")
	}

	fresh := &domain.Evaluation{Fields: map[string]domain.FieldScore{
		"in_stock": {Result: true, Confidence: 0.95},
	}}
	s.FinishRun(id, &domain.ResultRecord{ID: "r-1", LLMResponse: fresh}, nil)

	rc, _ = s.TryStartRun(id)
	if rc.Prior != fresh {
		t.Error("prior != most recent successful evaluation")
	}
}

func TestFinishRun_TerminalStates(t *testing.T) {
	s, _, secret, _ := newTestJobService(t, jobTestConfig())

	recurringID := submitRecurring(t, s, secret, "a.example")
	s.TryStartRun(recurringID)
	s.FinishRun(recurringID, &domain.ResultRecord{ID: "r"}, nil)
	if v, _ := s.Get(recurringID, secret); v.Status != domain.StatusIdle {
		t.Errorf("recurring success status = %s, want idle", v.Status)
	}

	manualRes, err := s.Submit(SubmitParams{Domain: "b.example", TokenSecret: secret})
	if err != nil {
		t.Fatalf("Submit manual: %v", err)
	}
	s.TryStartRun(manualRes.JobID)
	s.FinishRun(manualRes.JobID, &domain.ResultRecord{ID: "r"}, nil)
	if v, _ := s.Get(manualRes.JobID, secret); v.Status != domain.StatusComplete {
		t.Errorf("manual success status = %s, want complete", v.Status)
	}

	s.TryStartRun(recurringID)
	s.FinishRun(recurringID, &domain.ResultRecord{ID: "r2", Error: "capture failed"}, errors.New("capture failed"))
	if v, _ := s.Get(recurringID, secret); v.Status != domain.StatusFailed || v.LastError != "capture failed" {
		t.Errorf("failed run view = %+v", v)
	}

	// Result for a job deleted mid-run is dropped without panicking.
	s.FinishRun("no-such-job", &domain.ResultRecord{ID: "r"}, nil)
}

func TestFinishRun_ResultCap(t *testing.T) {
	s, _, secret, _ := newTestJobService(t, jobTestConfig())
	id := submitRecurring(t, s, secret, "shop.example")

	for i := 0; i < 8; i++ {
		s.TryStartRun(id)
		s.FinishRun(id, &domain.ResultRecord{ID: fmt.Sprintf("r-%d", i)}, nil)
	}

	got, err := s.UnretrievedResults(id, secret, "client-a")
	if err != nil {
		t.Fatalf("UnretrievedResults: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("kept %d records, want cap of 5", len(got))
	}
	// Oldest records were dropped first.
	if got[0].ID != "r-3" || got[4].ID != "r-7" {
		t.Errorf("kept window = %s..%s, want r-3..r-7", got[0].ID, got[4].ID)
	}
}

func TestFinishRun_OneShotGarbageCollected(t *testing.T) {
	cfg := jobTestConfig()
	cfg.Scheduler.CompleteGC = 20 * time.Millisecond
	cfg.Scheduler.FailedGC = 20 * time.Millisecond
	s, _, secret, _ := newTestJobService(t, cfg)

	res, err := s.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.TryStartRun(res.JobID)
	s.FinishRun(res.JobID, &domain.ResultRecord{ID: "r"}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for s.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Count() != 0 {
		t.Fatal("completed one-shot job not garbage collected")
	}
}

func TestResubmissionRescuesPendingDeletion(t *testing.T) {
	cfg := jobTestConfig()
	cfg.Scheduler.CompleteGC = 30 * time.Millisecond
	s, _, secret, _ := newTestJobService(t, cfg)

	res, err := s.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.TryStartRun(res.JobID)
	s.FinishRun(res.JobID, &domain.ResultRecord{ID: "r"}, nil)

	// Resubmit before the deletion timer fires; the job must survive.
	if _, err := s.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret, Interval: 60}); err != nil {
		t.Fatalf("rescue resubmit: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if s.Count() != 1 {
		t.Fatal("job garbage collected despite resubmission")
	}
}

func TestDueRecurring(t *testing.T) {
	cfg := jobTestConfig()
	cfg.Quotas.MaxRecurringDomains = 10
	s, _, secret, _ := newTestJobService(t, cfg)

	neverRun := submitRecurring(t, s, secret, "a.example")
	recent := submitRecurring(t, s, secret, "b.example")
	overdue := submitRecurring(t, s, secret, "c.example")
	running := submitRecurring(t, s, secret, "d.example")

	now := time.Now()
	s.MarkLastRun(recent, now.Add(-10*time.Second))
	s.MarkLastRun(overdue, now.Add(-2*time.Minute))
	s.TryStartRun(running)

	due := s.DueRecurring(now)
	ids := make(map[string]bool, len(due))
	for _, r := range due {
		ids[r.JobID] = true
		if r.Manual {
			t.Errorf("recurring run %s marked manual", r.JobID)
		}
	}
	if !ids[neverRun] || !ids[overdue] {
		t.Errorf("due = %v, want never-run and overdue jobs", ids)
	}
	if ids[recent] {
		t.Error("recently-run job reported due")
	}
	if ids[running] {
		t.Error("running job reported due")
	}
}

func TestSweepStaleComplete(t *testing.T) {
	s, _, secret, _ := newTestJobService(t, jobTestConfig())

	res, err := s.Submit(SubmitParams{Domain: "stale.example", TokenSecret: secret})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.TryStartRun(res.JobID)
	s.FinishRun(res.JobID, &domain.ResultRecord{ID: "r"}, nil)

	keepRecurring := submitRecurring(t, s, secret, "live.example")

	// Push the clock past the idle window.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if removed := s.SweepStaleComplete(time.Hour); removed != 1 {
		t.Fatalf("SweepStaleComplete removed %d, want 1", removed)
	}
	if _, err := s.Get(keepRecurring, secret); err != nil {
		t.Errorf("recurring job swept: %v", err)
	}
	if _, err := s.Get(res.JobID, secret); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("stale one-shot = %v, want ErrJobNotFound", err)
	}
}
