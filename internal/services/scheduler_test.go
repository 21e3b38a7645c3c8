package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagewatch/pagewatch-runner/internal/config"
	"github.com/pagewatch/pagewatch-runner/internal/webhook"
)

func schedulerConfig() config.Config {
	cfg := executorConfig()
	cfg.TokenSweepEvery = time.Hour
	cfg.Scheduler.Tick = 20 * time.Millisecond
	cfg.Scheduler.MaxConcurrent = 4
	cfg.Scheduler.BackstopMaxIdle = time.Hour
	return cfg
}

// newSchedulerHarness wires a real scheduler over fake capture and model
// backends.
func newSchedulerHarness(t *testing.T, cfg config.Config) (*Scheduler, *JobService, string) {
	t.Helper()
	tokens := NewTokenService(&fakeVerifier{}, cfg, zerolog.Nop())
	jobs := NewJobService(tokens, cfg, zerolog.Nop())
	secret := issue(t, tokens)

	hooks := webhook.NewEngine(cfg.Webhook.Timeout, 0, cfg.Webhook.DefaultMinConf, zerolog.Nop(),
		webhook.WithSleep(func(time.Duration) {}))
	exec := NewExecutor(jobs, tokens, &fakeBrowser{}, &fakeModel{resp: goodReply()}, hooks, cfg, zerolog.Nop())
	exec.sleep = func(ctx context.Context, d time.Duration) {}

	s := NewScheduler(jobs, tokens, exec, cfg, zerolog.Nop())
	return s, jobs, secret
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestScheduler_RunsDueRecurringJob(t *testing.T) {
	s, jobs, secret := newSchedulerHarness(t, schedulerConfig())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	id := submitRecurring(t, jobs, secret, "shop.example")

	// Never-run jobs are due on the first sweep.
	waitFor(t, func() bool {
		v, err := jobs.Get(id, secret)
		return err == nil && v.RunCount >= 1
	}, "recurring job never ran")

	// A long interval keeps the job from running again right away.
	v, err := jobs.Get(id, secret)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	runs := v.RunCount
	time.Sleep(100 * time.Millisecond)
	v, _ = jobs.Get(id, secret)
	if v.RunCount != runs {
		t.Errorf("RunCount grew from %d to %d within the interval", runs, v.RunCount)
	}
}

func TestScheduler_DispatchesManualRun(t *testing.T) {
	s, jobs, secret := newSchedulerHarness(t, schedulerConfig())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	res, err := jobs.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Dispatched {
		t.Fatal("manual submission not dispatched")
	}

	waitFor(t, func() bool {
		v, err := jobs.Get(res.JobID, secret)
		return err == nil && v.RunCount >= 1
	}, "manual run never executed")
}
