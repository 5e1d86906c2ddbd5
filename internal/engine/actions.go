package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/roach88/fieldsync/internal/backoff"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/signature"
	"github.com/roach88/fieldsync/internal/store"
)

// Invocation identifies one execution of an action step.
type Invocation struct {
	RunID    string
	RuleID   string
	TenantID string
	Step     int

	// Key is the same for every attempt of one step execution, including
	// re-execution after a restart. Implementations use it to make side
	// effects idempotent.
	Key string

	Event model.WorkflowEvent

	// State is the event payload merged with the entity's current state.
	State map[string]any
}

// Actions performs the side effects of action steps. Returning an error
// wrapped with backoff.Permanent skips the step's remaining retries.
type Actions interface {
	SendMessage(ctx context.Context, inv Invocation, a model.SendMessage) error
	UpdateField(ctx context.Context, inv Invocation, a model.UpdateField) error
	CreateTask(ctx context.Context, inv Invocation, a model.CreateTask) error
	CallWebhook(ctx context.Context, inv Invocation, a model.WebhookCall) error
}

// StoreActionsConfig configures StoreActions.
type StoreActionsConfig struct {
	HTTPClient *http.Client

	// SigningSecret, when set, signs webhook bodies with HMAC-SHA256.
	SigningSecret string

	Now    func() time.Time
	Logger *slog.Logger
}

// StoreActions is the default Actions. Messages go to the outbox table,
// tasks to the tasks table and field updates to entity_field_values.
// Webhook calls are made directly.
//
// String fields are text/template templates over the invocation state,
// so "Hi {{.customer_name}}" renders the entity's customer name.
type StoreActions struct {
	store  *store.Store
	client *http.Client
	secret string
	now    func() time.Time
	log    *slog.Logger
}

func NewStoreActions(s *store.Store, cfg StoreActionsConfig) *StoreActions {
	a := &StoreActions{
		store:  s,
		client: cfg.HTTPClient,
		secret: cfg.SigningSecret,
		now:    cfg.Now,
		log:    cfg.Logger,
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: 30 * time.Second}
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a
}

func (a *StoreActions) SendMessage(ctx context.Context, inv Invocation, m model.SendMessage) error {
	if m.Channel == "" {
		return backoff.Permanent(fmt.Errorf("send_message: channel is required"))
	}
	to, err := render(m.To, inv.State)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("send_message: recipient: %w", err))
	}
	body, err := render(m.Template, inv.State)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("send_message: template: %w", err))
	}
	return a.store.InsertOutboxMessage(ctx, store.OutboxMessage{
		ID:        inv.Key,
		RunID:     inv.RunID,
		TenantID:  inv.TenantID,
		Channel:   m.Channel,
		Recipient: to,
		Body:      body,
		CreatedAt: a.now(),
	})
}

func (a *StoreActions) UpdateField(ctx context.Context, inv Invocation, u model.UpdateField) error {
	entity := u.Entity
	if entity == "" {
		entity = inv.Event.Entity
	}
	if entity == "" || inv.Event.EntityID == "" || u.Field == "" {
		return backoff.Permanent(fmt.Errorf("update_field: event %s has no entity to update", inv.Event.Name))
	}
	value, err := renderValue(u.Value, inv.State)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("update_field: %w", err))
	}
	return a.store.SetFieldValue(ctx, inv.TenantID, entity, inv.Event.EntityID, u.Field, value)
}

func (a *StoreActions) CreateTask(ctx context.Context, inv Invocation, t model.CreateTask) error {
	title, err := render(t.Title, inv.State)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create_task: title: %w", err))
	}
	now := a.now()
	task := store.Task{
		ID:        inv.Key,
		RunID:     inv.RunID,
		TenantID:  inv.TenantID,
		Title:     title,
		Assignee:  t.Assignee,
		CreatedAt: now,
	}
	if t.DueInMinutes > 0 {
		due := now.Add(time.Duration(t.DueInMinutes) * time.Minute)
		task.DueAt = &due
	}
	return a.store.InsertTask(ctx, task)
}

// CallWebhook sends the rendered body, or the run and event when the step
// has no body. 5xx and 429 responses are retried; other non-2xx responses
// fail the step immediately.
func (a *StoreActions) CallWebhook(ctx context.Context, inv Invocation, w model.WebhookCall) error {
	method := strings.ToUpper(w.Method)
	if method == "" {
		method = http.MethodPost
	}
	url, err := render(w.URL, inv.State)
	if err != nil || url == "" {
		return backoff.Permanent(fmt.Errorf("webhook: invalid url %q", w.URL))
	}

	var payload any = map[string]any{"runId": inv.RunID, "ruleId": inv.RuleID, "event": inv.Event}
	if w.Body != nil {
		if payload, err = renderValue(w.Body, inv.State); err != nil {
			return backoff.Permanent(fmt.Errorf("webhook: body: %w", err))
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("webhook: encode body: %w", err))
	}

	var reader io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("webhook: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", inv.Key)
	for k, v := range w.Headers {
		rv, err := render(v, inv.State)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("webhook: header %s: %w", k, err))
		}
		req.Header.Set(k, rv)
	}
	if a.secret != "" {
		ts := a.now().UTC().Format(time.RFC3339)
		req.Header.Set(signature.TimestampHeader, ts)
		req.Header.Set(signature.SignatureHeader, signature.Sign(a.secret, ts, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode < 300:
		a.log.Debug("webhook delivered", "run_id", inv.RunID, "url", url, "status", resp.StatusCode)
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook %s %s: status %d", method, url, resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook %s %s: status %d", method, url, resp.StatusCode))
	}
}

// render executes s as a template over data. Strings without actions are
// returned as is; missing keys render empty.
func render(s string, data map[string]any) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	tpl, err := template.New("step").Option("missingkey=zero").Parse(s)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// renderValue renders every string inside v.
func renderValue(v any, data map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return render(t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}
