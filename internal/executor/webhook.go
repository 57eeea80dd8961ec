package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// Webhook resumes a run by POSTing {"run_id": "..."} to an HTTP endpoint of
// the job executor.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook executor with a per-request timeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type resumeRequest struct {
	RunID   string `json:"run_id"`
	Trigger string `json:"trigger"`
}

// Resume implements Executor. Any non-2xx response is an error.
func (w *Webhook) Resume(ctx context.Context, runID string) error {
	body, err := json.Marshal(resumeRequest{RunID: runID, Trigger: "recovery"})
	if err != nil {
		return errors.Wrap(err, "encode resume request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build resume request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "resume run %s", runID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.WithDetail(
			errors.Newf("resume run %s: executor returned status %d", runID, resp.StatusCode),
			string(msg),
		)
	}
	return nil
}
