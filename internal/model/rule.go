package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleStatus is the operator-controlled lifecycle of an automation rule.
type RuleStatus string

const (
	RuleStatusDraft    RuleStatus = "draft"
	RuleStatusActive   RuleStatus = "active"
	RuleStatusPaused   RuleStatus = "paused"
	RuleStatusArchived RuleStatus = "archived"
)

// Valid reports whether s is a known rule status.
func (s RuleStatus) Valid() bool {
	switch s {
	case RuleStatusDraft, RuleStatusActive, RuleStatusPaused, RuleStatusArchived:
		return true
	}
	return false
}

// EndOfRun is the terminal goto target of a condition step.
const EndOfRun = -1

// Trigger type names that are not entity events.
const (
	TriggerSchedule        = "schedule"
	TriggerWebhook         = "webhook"
	TriggerStageChanged    = "stage_changed"
	TriggerMessageReceived = "message_received"
)

// AutomationRule is an operator-configured workflow definition.
type AutomationRule struct {
	ID           string     `json:"id" yaml:"id"`
	TenantID     string     `json:"tenantId" yaml:"tenantId"`
	Name         string     `json:"name,omitempty" yaml:"name,omitempty"`
	Trigger      Trigger    `json:"trigger" yaml:"trigger"`
	Steps        []Step     `json:"steps" yaml:"steps"`
	Status       RuleStatus `json:"status" yaml:"status"`
	RunCount     int64      `json:"runCount" yaml:"runCount,omitempty"`
	SuccessCount int64      `json:"successCount" yaml:"successCount,omitempty"`
	FailureCount int64      `json:"failureCount" yaml:"failureCount,omitempty"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty" yaml:"lastRunAt,omitempty"`
}

// SortSteps orders the rule's steps by Order. Step indices used by goto
// targets refer to positions in this order.
func (r *AutomationRule) SortSteps() {
	sort.SliceStable(r.Steps, func(i, j int) bool {
		return r.Steps[i].Order < r.Steps[j].Order
	})
}

// Trigger selects which events activate a rule.
type Trigger struct {
	Type           string      `json:"type" yaml:"type"`
	Pipeline       string      `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
	FromStage      string      `json:"fromStage,omitempty" yaml:"fromStage,omitempty"`
	ToStage        string      `json:"toStage,omitempty" yaml:"toStage,omitempty"`
	MessageChannel string      `json:"messageChannel,omitempty" yaml:"messageChannel,omitempty"`
	Schedule       string      `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	WebhookSecret  string      `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
	Filters        []Condition `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// Condition is a field/operator/value comparison against an event payload
// or entity state. Field is a dotted path.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// StepType discriminates the Step variants.
type StepType string

const (
	StepSendMessage StepType = "send_message"
	StepUpdateField StepType = "update_field"
	StepCreateTask  StepType = "create_task"
	StepWait        StepType = "wait"
	StepCondition   StepType = "condition"
	StepWebhook     StepType = "webhook"
)

// ParseStepType normalizes the accepted spellings of a step type.
func ParseStepType(s string) (StepType, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "send_message", "message":
		return StepSendMessage, nil
	case "update_field":
		return StepUpdateField, nil
	case "create_task", "task":
		return StepCreateTask, nil
	case "wait", "delay":
		return StepWait, nil
	case "condition", "conditional", "branch":
		return StepCondition, nil
	case "webhook", "webhook_call":
		return StepWebhook, nil
	}
	return "", fmt.Errorf("unknown step type %q", s)
}

// StepAction is the type-specific part of a Step.
//
// This is a sealed interface: only the variants in this package implement it,
// so executors can switch over it exhaustively.
type StepAction interface {
	stepType() StepType
}

// SendMessage sends a templated message over a channel (sms, email, ...).
type SendMessage struct {
	Channel  string
	To       string
	Template string
}

// UpdateField sets a field on the entity the event refers to.
type UpdateField struct {
	Entity string
	Field  string
	Value  any
}

// CreateTask creates a follow-up task.
type CreateTask struct {
	Title        string
	Assignee     string
	DueInMinutes int
}

// Wait suspends the run for DelayMinutes, or until DelayUntilTime
// (RFC 3339 timestamp or "HH:MM" UTC time of day).
type Wait struct {
	DelayMinutes   int
	DelayUntilTime string
}

// Branch evaluates Condition and jumps to OnTrueGoToStep or
// OnFalseGoToStep. A nil target means the next step.
type Branch struct {
	Condition       Condition
	OnTrueGoToStep  *int
	OnFalseGoToStep *int
}

// WebhookCall performs an outbound HTTP request.
type WebhookCall struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    map[string]any
}

func (SendMessage) stepType() StepType { return StepSendMessage }
func (UpdateField) stepType() StepType { return StepUpdateField }
func (CreateTask) stepType() StepType  { return StepCreateTask }
func (Wait) stepType() StepType        { return StepWait }
func (Branch) stepType() StepType      { return StepCondition }
func (WebhookCall) stepType() StepType { return StepWebhook }

// Step is one entry of a rule's ordered step list.
type Step struct {
	Order           int
	Type            StepType
	Name            string
	ContinueOnError bool
	RetryCount      int
	Action          StepAction
}

// stepDoc is the flat document shape of a step, shared by JSON and YAML.
type stepDoc struct {
	Order           int    `json:"order" yaml:"order"`
	Type            string `json:"type" yaml:"type"`
	Name            string `json:"name,omitempty" yaml:"name,omitempty"`
	ContinueOnError bool   `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	RetryCount      int    `json:"retryCount,omitempty" yaml:"retryCount,omitempty"`

	Channel  string `json:"channel,omitempty" yaml:"channel,omitempty"`
	To       string `json:"to,omitempty" yaml:"to,omitempty"`
	Template string `json:"template,omitempty" yaml:"template,omitempty"`

	Entity string `json:"entity,omitempty" yaml:"entity,omitempty"`
	Field  string `json:"field,omitempty" yaml:"field,omitempty"`
	Value  any    `json:"value,omitempty" yaml:"value,omitempty"`

	Title        string `json:"title,omitempty" yaml:"title,omitempty"`
	Assignee     string `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	DueInMinutes int    `json:"dueInMinutes,omitempty" yaml:"dueInMinutes,omitempty"`

	DelayMinutes   int    `json:"delayMinutes,omitempty" yaml:"delayMinutes,omitempty"`
	DelayUntilTime string `json:"delayUntilTime,omitempty" yaml:"delayUntilTime,omitempty"`

	ConditionField    string `json:"conditionField,omitempty" yaml:"conditionField,omitempty"`
	ConditionOperator string `json:"conditionOperator,omitempty" yaml:"conditionOperator,omitempty"`
	ConditionValue    any    `json:"conditionValue,omitempty" yaml:"conditionValue,omitempty"`
	OnTrueGoToStep    *int   `json:"onTrueGoToStep,omitempty" yaml:"onTrueGoToStep,omitempty"`
	OnFalseGoToStep   *int   `json:"onFalseGoToStep,omitempty" yaml:"onFalseGoToStep,omitempty"`

	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty" yaml:"body,omitempty"`
}

func (d stepDoc) toStep() (Step, error) {
	t, err := ParseStepType(d.Type)
	if err != nil {
		return Step{}, err
	}
	s := Step{
		Order:           d.Order,
		Type:            t,
		Name:            d.Name,
		ContinueOnError: d.ContinueOnError,
		RetryCount:      d.RetryCount,
	}
	switch t {
	case StepSendMessage:
		s.Action = SendMessage{Channel: d.Channel, To: d.To, Template: d.Template}
	case StepUpdateField:
		s.Action = UpdateField{Entity: d.Entity, Field: d.Field, Value: d.Value}
	case StepCreateTask:
		s.Action = CreateTask{Title: d.Title, Assignee: d.Assignee, DueInMinutes: d.DueInMinutes}
	case StepWait:
		s.Action = Wait{DelayMinutes: d.DelayMinutes, DelayUntilTime: d.DelayUntilTime}
	case StepCondition:
		s.Action = Branch{
			Condition: Condition{
				Field:    d.ConditionField,
				Operator: d.ConditionOperator,
				Value:    d.ConditionValue,
			},
			OnTrueGoToStep:  d.OnTrueGoToStep,
			OnFalseGoToStep: d.OnFalseGoToStep,
		}
	case StepWebhook:
		s.Action = WebhookCall{URL: d.URL, Method: d.Method, Headers: d.Headers, Body: d.Body}
	}
	return s, nil
}

func (s Step) toDoc() stepDoc {
	d := stepDoc{
		Order:           s.Order,
		Type:            string(s.Type),
		Name:            s.Name,
		ContinueOnError: s.ContinueOnError,
		RetryCount:      s.RetryCount,
	}
	switch a := s.Action.(type) {
	case SendMessage:
		d.Channel, d.To, d.Template = a.Channel, a.To, a.Template
	case UpdateField:
		d.Entity, d.Field, d.Value = a.Entity, a.Field, a.Value
	case CreateTask:
		d.Title, d.Assignee, d.DueInMinutes = a.Title, a.Assignee, a.DueInMinutes
	case Wait:
		d.DelayMinutes, d.DelayUntilTime = a.DelayMinutes, a.DelayUntilTime
	case Branch:
		d.ConditionField = a.Condition.Field
		d.ConditionOperator = a.Condition.Operator
		d.ConditionValue = a.Condition.Value
		d.OnTrueGoToStep, d.OnFalseGoToStep = a.OnTrueGoToStep, a.OnFalseGoToStep
	case WebhookCall:
		d.URL, d.Method, d.Headers, d.Body = a.URL, a.Method, a.Headers, a.Body
	}
	return d
}

// MarshalJSON encodes the step in its flat document form.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toDoc())
}

// UnmarshalJSON decodes a flat step document, dispatching on "type".
func (s *Step) UnmarshalJSON(data []byte) error {
	var d stepDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	step, err := d.toStep()
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// MarshalYAML encodes the step in its flat document form.
func (s Step) MarshalYAML() (any, error) {
	return s.toDoc(), nil
}

// UnmarshalYAML decodes a flat step document, dispatching on "type".
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var d stepDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	step, err := d.toStep()
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = step
	return nil
}

// IntPtr returns a pointer to v. Convenient for goto targets.
func IntPtr(v int) *int {
	return &v
}
