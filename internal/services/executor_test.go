package services

import (
	"context"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagewatch/pagewatch-runner/internal/capture"
	"github.com/pagewatch/pagewatch-runner/internal/config"
	"github.com/pagewatch/pagewatch-runner/internal/domain"
	"github.com/pagewatch/pagewatch-runner/internal/llm"
	"github.com/pagewatch/pagewatch-runner/internal/webhook"
)

// fakeSession records the capture calls made during a run.
type fakeSession struct {
	calls     *[]string
	shotErr   error
	reloadErr error
	image     []byte
}

func (f *fakeSession) Navigate(ctx context.Context, url string) error {
	*f.calls = append(*f.calls, "navigate:"+url)
	return nil
}

func (f *fakeSession) Reload(ctx context.Context) error {
	*f.calls = append(*f.calls, "reload")
	return f.reloadErr
}

func (f *fakeSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	*f.calls = append(*f.calls, "screenshot")
	if f.shotErr != nil {
		return nil, f.shotErr
	}
	return f.image, nil
}

func (f *fakeSession) Close() error {
	*f.calls = append(*f.calls, "close")
	return nil
}

type fakeBrowser struct {
	calls      []string
	sessionErr error
	shotErr    error
	reloadErr  error
	image      []byte
}

func (f *fakeBrowser) NewSession(ctx context.Context, data domain.SessionData) (capture.Session, error) {
	f.calls = append(f.calls, "new:"+data.URL)
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	img := f.image
	if img == nil {
		img = []byte("raw-screenshot")
	}
	return &fakeSession{calls: &f.calls, shotErr: f.shotErr, reloadErr: f.reloadErr, image: img}, nil
}

// fakeModel returns a canned response and records the requests it saw.
type fakeModel struct {
	reqs []llm.Request
	resp llm.Response
	err  error
}

func (f *fakeModel) Evaluate(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func executorConfig() config.Config {
	cfg := jobTestConfig()
	cfg.LLM = config.LLMConfig{Timeout: 5 * time.Second}
	cfg.Webhook = config.WebhookConfig{Timeout: time.Second, DefaultMinConf: 75}
	return cfg
}

func newTestExecutor(t *testing.T, cfg config.Config, browser *fakeBrowser, model *fakeModel) (*Executor, *JobService, *TokenService, string) {
	t.Helper()
	tokens := NewTokenService(&fakeVerifier{}, cfg, zerolog.Nop())
	jobs := NewJobService(tokens, cfg, zerolog.Nop())
	jobs.SetDispatch(func(RunRequest) {})
	secret := issue(t, tokens)

	hooks := webhook.NewEngine(cfg.Webhook.Timeout, 0, cfg.Webhook.DefaultMinConf, zerolog.Nop(),
		webhook.WithSleep(func(time.Duration) {}))
	e := NewExecutor(jobs, tokens, browser, model, hooks, cfg, zerolog.Nop())
	e.sleep = func(ctx context.Context, d time.Duration) {}
	return e, jobs, tokens, secret
}

func goodReply() llm.Response {
	return llm.Response{RawText: `{"evaluation": {"in_stock": [true, 0.9]}, "summary": "available"}`}
}

func fetchOnly(t *testing.T, jobs *JobService, id, secret string) domain.ResultRecord {
	t.Helper()
	got, err := jobs.UnretrievedResults(id, secret, "test-reader")
	if err != nil {
		t.Fatalf("UnretrievedResults: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	return got[0]
}

func TestRun_SuccessPipeline(t *testing.T) {
	browser := &fakeBrowser{}
	model := &fakeModel{resp: goodReply()}
	e, jobs, _, secret := newTestExecutor(t, executorConfig(), browser, model)

	id := submitRecurring(t, jobs, secret, "shop.example")
	e.Run(context.Background(), RunRequest{JobID: id, Domain: "shop.example", TokenSecret: secret})

	v, err := jobs.Get(id, secret)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Status != domain.StatusIdle || v.RunCount != 1 || v.ResultCount != 1 {
		t.Errorf("view after run = %+v", v)
	}

	rec := fetchOnly(t, jobs, id, secret)
	if rec.Error != "" {
		t.Errorf("record error = %q", rec.Error)
	}
	if rec.LLMResponse == nil || !rec.LLMResponse.Fields["in_stock"].Result {
		t.Errorf("LLMResponse = %+v", rec.LLMResponse)
	}
	if rec.RawResponse != goodReply().RawText {
		t.Errorf("RawResponse = %q", rec.RawResponse)
	}
	if want := base64.StdEncoding.EncodeToString([]byte("raw-screenshot")); rec.ImageData != want {
		t.Errorf("ImageData = %q", rec.ImageData)
	}

	// The stored request payload names the image size, never its bytes.
	if rec.RequestPayload == "" {
		t.Fatal("RequestPayload empty")
	}
	if want := `"[image 14 bytes]"`; !contains(rec.RequestPayload, want) {
		t.Errorf("RequestPayload = %s, want image placeholder %s", rec.RequestPayload, want)
	}
	if contains(rec.RequestPayload, base64.StdEncoding.EncodeToString([]byte("raw-screenshot"))) {
		t.Error("RequestPayload contains raw image data")
	}

	wantCalls := []string{
		"new:https://shop.example/item",
		"navigate:https://shop.example/item",
		"screenshot",
		"close",
	}
	if len(browser.calls) != len(wantCalls) {
		t.Fatalf("calls = %v, want %v", browser.calls, wantCalls)
	}
	for i := range wantCalls {
		if browser.calls[i] != wantCalls[i] {
			t.Fatalf("calls = %v, want %v", browser.calls, wantCalls)
		}
	}
}

func TestRun_ReloadOnlyAfterFirstRun(t *testing.T) {
	browser := &fakeBrowser{}
	model := &fakeModel{resp: goodReply()}
	e, jobs, _, secret := newTestExecutor(t, executorConfig(), browser, model)

	res, err := jobs.Submit(SubmitParams{
		Domain:      "shop.example",
		TokenSecret: secret,
		Interval:    60,
		Session:     domain.SessionData{URL: "https://shop.example"},
		Fields:      []domain.FieldDef{{Name: "in_stock"}},
		Capture:     domain.CaptureSettings{Refresh: true},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := RunRequest{JobID: res.JobID, Domain: "shop.example", TokenSecret: secret}

	e.Run(context.Background(), req)
	if containsCall(browser.calls, "reload") {
		t.Errorf("first run reloaded: %v", browser.calls)
	}

	browser.calls = nil
	e.Run(context.Background(), req)
	if !containsCall(browser.calls, "reload") {
		t.Errorf("second run did not reload: %v", browser.calls)
	}
}

func TestRun_SessionClosedOnScreenshotFailure(t *testing.T) {
	browser := &fakeBrowser{shotErr: errors.New("render crashed")}
	model := &fakeModel{resp: goodReply()}
	e, jobs, _, secret := newTestExecutor(t, executorConfig(), browser, model)

	id := submitRecurring(t, jobs, secret, "shop.example")
	e.Run(context.Background(), RunRequest{JobID: id, Domain: "shop.example", TokenSecret: secret})

	if !containsCall(browser.calls, "close") {
		t.Errorf("session not closed after failure: %v", browser.calls)
	}
	if len(model.reqs) != 0 {
		t.Error("model called despite capture failure")
	}

	v, _ := jobs.Get(id, secret)
	if v.Status != domain.StatusFailed || v.LastError == "" {
		t.Errorf("view after failure = %+v", v)
	}
	rec := fetchOnly(t, jobs, id, secret)
	if !contains(rec.Error, "render crashed") {
		t.Errorf("record error = %q", rec.Error)
	}
}

func TestRun_ParseFailureMarksRunFailed(t *testing.T) {
	browser := &fakeBrowser{}
	model := &fakeModel{resp: llm.Response{RawText: "I cannot determine that."}}
	e, jobs, _, secret := newTestExecutor(t, executorConfig(), browser, model)

	id := submitRecurring(t, jobs, secret, "shop.example")
	e.Run(context.Background(), RunRequest{JobID: id, Domain: "shop.example", TokenSecret: secret})

	v, _ := jobs.Get(id, secret)
	if v.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", v.Status)
	}
	rec := fetchOnly(t, jobs, id, secret)
	if rec.LLMResponse == nil || !rec.LLMResponse.Failed() {
		t.Errorf("LLMResponse = %+v, want parse failure preserved", rec.LLMResponse)
	}
	if rec.RawResponse == "" {
		t.Error("raw model output not retained for debugging")
	}
}

func TestRun_ManualSlotReleasedOnEveryPath(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		browser := &fakeBrowser{}
		e, jobs, tokens, secret := newTestExecutor(t, executorConfig(), browser, &fakeModel{resp: goodReply()})
		res, err := jobs.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		e.Run(context.Background(), RunRequest{JobID: res.JobID, Domain: "shop.example", TokenSecret: secret, Manual: true})
		assertManualFree(t, tokens, secret)
	})

	t.Run("capture failure", func(t *testing.T) {
		browser := &fakeBrowser{sessionErr: errors.New("no capacity")}
		e, jobs, tokens, secret := newTestExecutor(t, executorConfig(), browser, &fakeModel{})
		res, err := jobs.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		e.Run(context.Background(), RunRequest{JobID: res.JobID, Domain: "shop.example", TokenSecret: secret, Manual: true})
		assertManualFree(t, tokens, secret)
	})

	t.Run("job deleted before start", func(t *testing.T) {
		e, jobs, tokens, secret := newTestExecutor(t, executorConfig(), &fakeBrowser{}, &fakeModel{})
		res, err := jobs.Submit(SubmitParams{Domain: "shop.example", TokenSecret: secret})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if err := jobs.Delete(res.JobID, secret); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		e.Run(context.Background(), RunRequest{JobID: res.JobID, Domain: "shop.example", TokenSecret: secret, Manual: true})
		assertManualFree(t, tokens, secret)
	})
}

func TestRun_PriorFiltering(t *testing.T) {
	browser := &fakeBrowser{}
	model := &fakeModel{resp: goodReply()}
	e, jobs, _, secret := newTestExecutor(t, executorConfig(), browser, model)

	res, err := jobs.Submit(SubmitParams{
		Domain:      "shop.example",
		TokenSecret: secret,
		Interval:    60,
		Session:     domain.SessionData{URL: "https://shop.example"},
		Fields:      []domain.FieldDef{{Name: "in_stock"}, {Name: "on_sale"}},
		PreviousEvaluation: &domain.Evaluation{Fields: map[string]domain.FieldScore{
			"in_stock": {Result: true, Confidence: 0.9},  // above threshold, forwarded
			"on_sale":  {Result: true, Confidence: 0.4},  // below threshold, dropped
		}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Run(context.Background(), RunRequest{JobID: res.JobID, Domain: "shop.example", TokenSecret: secret})

	if len(model.reqs) != 1 {
		t.Fatalf("model calls = %d, want 1", len(model.reqs))
	}
	prior := model.reqs[0].Prior
	if v, ok := prior["in_stock"]; !ok || !v {
		t.Errorf("prior = %v, want in_stock=true forwarded", prior)
	}
	if _, ok := prior["on_sale"]; ok {
		t.Errorf("prior = %v, low-confidence field not dropped", prior)
	}
}

func TestRun_AlreadyRunningIsNoop(t *testing.T) {
	browser := &fakeBrowser{}
	model := &fakeModel{resp: goodReply()}
	e, jobs, _, secret := newTestExecutor(t, executorConfig(), browser, model)

	id := submitRecurring(t, jobs, secret, "shop.example")
	if _, ok := jobs.TryStartRun(id); !ok {
		t.Fatal("TryStartRun failed")
	}

	e.Run(context.Background(), RunRequest{JobID: id, Domain: "shop.example", TokenSecret: secret})
	if len(browser.calls) != 0 {
		t.Errorf("capture started for already-running job: %v", browser.calls)
	}
}

func assertManualFree(t *testing.T, tokens *TokenService, secret string) {
	t.Helper()
	st, err := tokens.Stats(secret)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ManualCaptures != 0 {
		t.Errorf("ManualCaptures = %d, want 0", st.ManualCaptures)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }

func containsCall(calls []string, name string) bool { return slices.Contains(calls, name) }
