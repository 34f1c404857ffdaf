// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook delivers signed completion callbacks for background
// runs. Delivery is best-effort and at-most-once: failures are logged
// and never affect the run's terminal status.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/runway/internal/store"
)

const (
	// deliveryTimeout bounds each callback attempt.
	deliveryTimeout = 10 * time.Second

	userAgent = "runwayd-webhook/1.0"
)

// Payload is the callback body describing a run's terminal state.
type Payload struct {
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	Status     string          `json:"status"`
	Output     map[string]any  `json:"output,omitempty"`
	Error      *store.RunError `json:"error,omitempty"`
	Timestamp  string          `json:"timestamp"`
}

// Notifier sends signed webhook callbacks.
type Notifier struct {
	secret string
	client *http.Client
	logger *slog.Logger
}

// New creates a webhook notifier signing payloads with the given secret.
func New(secret string, logger *slog.Logger) *Notifier {
	return &Notifier{
		secret: secret,
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger,
	}
}

// Send delivers a callback describing the run's terminal state to url.
// It never returns an error: any transport fault or non-2xx response is
// logged and reported as false.
func (n *Notifier) Send(ctx context.Context, url string, run *store.Run) bool {
	payload := Payload{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
		Output:     run.Output,
		Error:      run.Error,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to marshal webhook payload",
			"run_id", run.ID, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build webhook request",
			"run_id", run.ID, "url", url, "error", err)
		return false
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Run-Id", run.ID)
	req.Header.Set("X-Signature", Sign(body, n.secret))

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			"run_id", run.ID, "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.logger.Warn("webhook delivery rejected",
			"run_id", run.ID, "url", url, "status", resp.StatusCode)
		return false
	}

	n.logger.Info("webhook delivered", "run_id", run.ID, "url", url)
	return true
}

// Sign computes the v1 signature header value for a payload.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a v1 signature against a payload using a constant-time
// comparison. Receivers use this to authenticate callbacks.
func Verify(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}
