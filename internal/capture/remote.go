// Remote capture-service client.
//
// The companion capture service exposes a small session-oriented HTTP API:
//
//	POST   /session                    body: session data   → {"sessionId": "..."}
//	POST   /session/:id/navigate       body: {"url": "..."}
//	POST   /session/:id/reload
//	POST   /session/:id/screenshot     body: {"fullPage": bool} → {"image": "<base64>"}
//	DELETE /session/:id
//
// Timeouts are enforced per call on this side in addition to whatever the
// service applies internally, so a wedged browser never holds a job run
// hostage.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch-runner/internal/config"
	"github.com/pagewatch/pagewatch-runner/internal/domain"
)

// RemoteBrowser talks to the companion capture service.
type RemoteBrowser struct {
	base   string
	client *http.Client
	cfg    config.CaptureConfig
}

// NewRemoteBrowser builds a client for the capture service at
// cfg.Endpoint. The supplied http.Client may be nil, in which case a
// default client is used (per-call timeouts come from contexts).
func NewRemoteBrowser(cfg config.CaptureConfig, client *http.Client) *RemoteBrowser {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteBrowser{
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		client: client,
		cfg:    cfg,
	}
}

// NewSession acquires a fresh page session seeded with the supplied
// cookies, storage, user agent, and viewport.
func (b *RemoteBrowser) NewSession(ctx context.Context, data domain.SessionData) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.SessionTimeout)
	defer cancel()

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := b.do(ctx, http.MethodPost, "/session", data, &out); err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("acquire session: service returned no session id")
	}
	return &remoteSession{browser: b, id: out.SessionID}, nil
}

// do issues one JSON request against the capture service.
func (b *RemoteBrowser) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("capture service %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// remoteSession is a live session on the capture service.
type remoteSession struct {
	browser *RemoteBrowser
	id      string
}

func (s *remoteSession) Navigate(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, s.browser.cfg.NavTimeout)
	defer cancel()
	in := map[string]string{"url": url}
	if err := s.browser.do(ctx, http.MethodPost, "/session/"+s.id+"/navigate", in, nil); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

func (s *remoteSession) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.browser.cfg.NavTimeout)
	defer cancel()
	if err := s.browser.do(ctx, http.MethodPost, "/session/"+s.id+"/reload", nil, nil); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

func (s *remoteSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.browser.cfg.ShotTimeout)
	defer cancel()

	in := map[string]bool{"fullPage": fullPage}
	var out struct {
		Image string `json:"image"`
	}
	if err := s.browser.do(ctx, http.MethodPost, "/session/"+s.id+"/screenshot", in, &out); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	img, err := base64.StdEncoding.DecodeString(out.Image)
	if err != nil {
		return nil, fmt.Errorf("screenshot: decode image: %w", err)
	}
	return img, nil
}

// Close releases the session. It uses a fresh context so cleanup still
// happens when the run's context is already cancelled.
func (s *remoteSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.browser.do(ctx, http.MethodDelete, "/session/"+s.id, nil, nil)
}
