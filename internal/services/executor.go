// Package services – Executor
//
// This file implements the capture execution pipeline: acquire a browser
// session seeded with the job's session data, navigate, optionally reload
// and settle, screenshot, evaluate the screenshot with the vision model,
// normalize the response, fire per-field webhooks, and append the result
// record. Every step failure is recorded on the job rather than propagated;
// an execution never crashes the server.
//
// Design notes:
//   - The run context is frozen by TryStartRun before any I/O happens, so a
//     resubmission during a run cannot tear the configuration mid-flight.
//   - Manual-capture quota is released on every terminal path, including
//     failures before the first byte leaves the process and the case where
//     the job was deleted while the run was in flight.
//   - The session is always closed, with a fresh context, even when the run
//     context is already cancelled.
package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pagewatch/pagewatch-runner/internal/capture"
	"github.com/pagewatch/pagewatch-runner/internal/config"
	"github.com/pagewatch/pagewatch-runner/internal/domain"
	"github.com/pagewatch/pagewatch-runner/internal/llm"
	"github.com/pagewatch/pagewatch-runner/internal/normalize"
	"github.com/pagewatch/pagewatch-runner/internal/webhook"
)

// Executor runs capture jobs end to end.
type Executor struct {
	jobs     *JobService
	tokens   *TokenService
	browser  capture.Browser
	model    llm.Client
	webhooks *webhook.Engine
	llmCfg   config.LLMConfig
	// minPriorConf is the percent threshold below which a prior field score
	// is dropped from the next run's context.
	minPriorConf int
	log          zerolog.Logger

	// sleep is the settle-delay seam for tests.
	sleep func(ctx context.Context, d time.Duration)
}

// NewExecutor constructs an Executor.
func NewExecutor(
	jobs *JobService,
	tokens *TokenService,
	browser capture.Browser,
	model llm.Client,
	webhooks *webhook.Engine,
	cfg config.Config,
	log zerolog.Logger,
) *Executor {
	return &Executor{
		jobs:         jobs,
		tokens:       tokens,
		browser:      browser,
		model:        model,
		webhooks:     webhooks,
		llmCfg:       cfg.LLM,
		minPriorConf: cfg.Webhook.DefaultMinConf,
		log:          log,
		sleep:        sleepCtx,
	}
}

// Run executes one job run to completion. Intended to be called on its own
// goroutine; it returns only when the run has reached a terminal state.
func (e *Executor) Run(ctx context.Context, req RunRequest) {
	if req.Manual {
		// The slot was reserved at submission; release it no matter how
		// this run ends.
		defer e.tokens.FinishManual(req.TokenSecret)
	}

	rc, ok := e.jobs.TryStartRun(req.JobID)
	if !ok {
		return
	}

	tr := otel.Tracer("services/executor")
	ctx, span := tr.Start(ctx, "executor.Run", trace.WithAttributes(
		attribute.String("job.id", rc.JobID),
		attribute.String("job.domain", rc.Domain),
		attribute.Bool("job.manual", rc.Manual),
	))
	defer span.End()

	start := time.Now()
	rec, runErr := e.execute(ctx, rc)
	runDuration.Observe(time.Since(start).Seconds())

	outcome := "success"
	if runErr != nil {
		outcome = "failure"
	}
	runsTotal.WithLabelValues(outcome).Inc()

	e.jobs.FinishRun(rc.JobID, rec, runErr)

	evt := e.log.Info()
	if runErr != nil {
		evt = e.log.Warn().Err(runErr)
	}
	evt.Str("job_id", rc.JobID).Str("domain", rc.Domain).
		Bool("manual", rc.Manual).Dur("took", time.Since(start)).
		Msg("run finished")
}

// execute performs the capture pipeline and always returns a result record;
// a non-nil error marks the run (and the record) as failed.
func (e *Executor) execute(ctx context.Context, rc RunContext) (*domain.ResultRecord, error) {
	rec := &domain.ResultRecord{
		ID:              uuid.NewString(),
		Timestamp:       time.Now(),
		CaptureSettings: rc.Capture,
		RetrievedBy:     make(map[string]bool),
	}

	session, err := e.browser.NewSession(ctx, rc.Session)
	if err != nil {
		rec.Error = err.Error()
		return rec, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			e.log.Warn().Err(cerr).Str("job_id", rc.JobID).Msg("session close failed")
		}
	}()

	if err := session.Navigate(ctx, rc.Session.URL); err != nil {
		rec.Error = err.Error()
		return rec, err
	}

	// Reload applies from the second run on; the first navigation already
	// renders a fresh page.
	if rc.Capture.Refresh && !rc.FirstRun {
		if err := session.Reload(ctx); err != nil {
			rec.Error = err.Error()
			return rec, err
		}
	}

	if rc.Capture.DelayMS > 0 {
		e.sleep(ctx, time.Duration(rc.Capture.DelayMS)*time.Millisecond)
	}

	img, err := session.Screenshot(ctx, rc.Capture.FullPage)
	if err != nil {
		rec.Error = err.Error()
		return rec, err
	}

	// The model always sees the original image; compression only shrinks
	// the copy retained in the result history.
	stored := img
	if rc.Capture.Compress {
		if small, cerr := compressImage(img); cerr == nil {
			stored = small
		} else {
			e.log.Debug().Err(cerr).Str("job_id", rc.JobID).Msg("image compression skipped")
		}
	}
	rec.ImageData = base64.StdEncoding.EncodeToString(stored)

	modelB64 := base64.StdEncoding.EncodeToString(img)
	llmReq := llm.Request{
		ImageB64: modelB64,
		Fields:   rc.Fields,
		Prior:    e.priorBooleans(rc.Prior),
		Config:   rc.LLM,
	}
	rec.RequestPayload = redactedPayload(rc, len(img))

	callCtx, cancel := context.WithTimeout(ctx, e.llmCfg.Timeout)
	resp, err := e.model.Evaluate(callCtx, llmReq)
	cancel()
	if err != nil {
		rec.Error = err.Error()
		return rec, err
	}
	rec.RawResponse = resp.RawText

	norm := normalize.New(rc.Fields)
	eval := norm.Parse(resp.RawText, resp.Truncated())
	rec.LLMResponse = eval

	if eval.Failed() {
		err := fmt.Errorf("normalize: %s", eval.ParseError)
		rec.Error = err.Error()
		return rec, err
	}

	rec.Webhooks = e.webhooks.Fire(ctx, rc.Domain, eval, rc.Fields)
	for _, w := range rec.Webhooks {
		if w.Success {
			webhookDeliveries.WithLabelValues("delivered").Inc()
		} else {
			webhookDeliveries.WithLabelValues("failed").Inc()
		}
	}

	return rec, nil
}

// priorBooleans flattens the previous evaluation to trusted booleans: only
// fields whose confidence clears the threshold are forwarded, and only as
// plain booleans so a model cannot anchor on stale confidence values.
func (e *Executor) priorBooleans(prior *domain.Evaluation) map[string]bool {
	if prior == nil || prior.Failed() || len(prior.Fields) == 0 {
		return nil
	}
	out := make(map[string]bool, len(prior.Fields))
	for name, score := range prior.Fields {
		if int(score.Confidence*100) < e.minPriorConf {
			continue
		}
		out[name] = score.Result
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// redactedPayload is the stored view of what was sent to the model: the
// image bytes are replaced by a size placeholder so result histories stay
// small and never duplicate the screenshot.
func redactedPayload(rc RunContext, imageBytes int) string {
	names := make([]string, 0, len(rc.Fields))
	for _, f := range rc.Fields {
		names = append(names, f.Name)
	}
	buf, err := json.Marshal(map[string]any{
		"url":    rc.Session.URL,
		"fields": names,
		"model":  rc.LLM.Model,
		"image":  fmt.Sprintf("[image %d bytes]", imageBytes),
	})
	if err != nil {
		return ""
	}
	return string(buf)
}

// compressImage re-encodes a screenshot as JPEG to shrink the stored copy.
func compressImage(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, src, &jpeg.Options{Quality: 60}); err != nil {
		return nil, err
	}
	if out.Len() >= len(data) {
		return data, nil
	}
	return out.Bytes(), nil
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
