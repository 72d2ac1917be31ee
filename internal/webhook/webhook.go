package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aurjobsa/PreScreeningAgent/internal/observability/metrics"
)

// TranscriptEntry is one spoken line in call order.
type TranscriptEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// CallResult is the payload posted when a call ends.
type CallResult struct {
	CallSID       string            `json:"call_sid"`
	ChatID        string            `json:"chat_id"`
	Transcript    []TranscriptEntry `json:"transcript"`
	Duration      float64           `json:"duration"`
	WorkflowRunID string            `json:"workflow_run_id"`
}

// Notifier posts call results to a configured URL. A zero URL disables it.
type Notifier struct {
	HTTPClient *http.Client
	URL        string
}

func NewNotifier(url string) *Notifier {
	return &Notifier{
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		URL:        url,
	}
}

// Send delivers the result. Delivery failures are logged and swallowed so a
// dead receiver never blocks call teardown.
func (n *Notifier) Send(ctx context.Context, result CallResult) {
	if n.URL == "" {
		return
	}
	err := n.post(ctx, result)
	metrics.Default.RecordWebhook(err)
	if err != nil {
		log.Error().Err(err).Str("call_sid", result.CallSID).Msg("call result webhook delivery failed")
		return
	}
	log.Info().Str("call_sid", result.CallSID).Msg("call result webhook delivered")
}

func (n *Notifier) post(ctx context.Context, result CallResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status=%d", resp.StatusCode)
	}
	return nil
}
