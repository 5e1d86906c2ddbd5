package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// Summary is the notification emitted when a sync workflow finishes.
type Summary struct {
	RunID         string               `json:"runId"`
	Kind          model.WorkflowKind   `json:"kind"`
	TenantID      string               `json:"tenantId"`
	Success       bool                 `json:"success"`
	Cancelled     bool                 `json:"cancelled,omitempty"`
	Failed        int                  `json:"failed"`
	Results       []model.EntityResult `json:"results"`
	TotalDuration time.Duration        `json:"totalDuration"`
}

// Notifier delivers run summaries.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// LogNotifier writes summaries to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, s Summary) error {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("sync finished",
		"run_id", s.RunID,
		"kind", s.Kind,
		"tenant_id", s.TenantID,
		"success", s.Success,
		"cancelled", s.Cancelled,
		"entities", len(s.Results),
		"failed", s.Failed,
		"duration", s.TotalDuration,
	)
	for _, r := range s.Results {
		if r.Error != "" && !r.Skipped {
			log.Warn("entity failed", "run_id", s.RunID, "entity", r.Entity, "error", r.Error)
		}
	}
	return nil
}

// WebhookNotifier POSTs summaries as JSON.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func (n WebhookNotifier) Notify(ctx context.Context, s Summary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post notification: status %d", resp.StatusCode)
	}
	return nil
}

func summarize(run model.WorkflowRun, res SyncResult) Summary {
	s := Summary{
		RunID:         run.ID,
		Kind:          run.Kind,
		TenantID:      run.TenantID,
		Success:       res.Success,
		Cancelled:     res.Cancelled,
		Results:       res.Results,
		TotalDuration: res.TotalDuration,
	}
	for _, r := range res.Results {
		if r.Error != "" && !r.Skipped {
			s.Failed++
		}
	}
	return s
}
