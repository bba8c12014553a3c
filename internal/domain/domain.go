package domain

import (
	"encoding/json"
	"time"
)

// TimeFormat is fixed width so stored timestamps sort lexically.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime accepts TimeFormat and RFC 3339 timestamps written by older tools.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

const (
	LevelHigh   = "High"
	LevelMedium = "Medium"
)

type Approval struct {
	ID         string  `json:"id"`
	Item       string  `json:"item"`
	Reason     string  `json:"reason"`
	Level      string  `json:"level" enum:"High,Medium"`
	Status     string  `json:"status" enum:"pending,approved,rejected"`
	Version    int     `json:"version"`
	CreatedAt  string  `json:"createdAt" format:"date-time"`
	ResolvedAt *string `json:"resolvedAt,omitempty" format:"date-time"`
	AgentID    *string `json:"agentId,omitempty"`
}

// Terminal reports whether the approval has left pending.
func (a Approval) Terminal() bool {
	return a.Status != StatusPending
}

const (
	EventDecision        = "decision"
	EventDelivery        = "delivery"
	EventIntegration     = "integration"
	EventApproval        = "approval"
	EventWebSearch       = "web_search"
	EventApprovalCreated = "approval_created"
	EventApprovalDecided = "approval_decided"
)

// EventTypes lists every type the log accepts.
var EventTypes = []string{
	EventDecision, EventDelivery, EventIntegration, EventApproval, EventWebSearch,
	EventApprovalCreated, EventApprovalDecided,
}

// Pipelines are the lanes an event can belong to.
var Pipelines = []string{"A", "B", "C", "D"}

type Event struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	AgentID   *string   `json:"agentId,omitempty"`
	Pipeline  string    `json:"pipeline" enum:"A,B,C,D"`
	Type      string    `json:"type"`
	Summary   string    `json:"summary"`
	Timestamp string    `json:"timestamp" format:"date-time"`
	Decision  *Decision `json:"-"`
}

// Decision is the correlation payload carried only by approval_decided events.
type Decision struct {
	ApprovalID     string `json:"approvalId"`
	PreviousStatus string `json:"previousStatus"`
	NewStatus      string `json:"newStatus"`
	DecidedBy      string `json:"decidedBy"`
	DecidedAt      string `json:"decidedAt" format:"date-time"`
	RequestID      string `json:"requestId"`
	TraceID        string `json:"traceId"`
}

// MarshalJSON flattens the decision fields into the event object.
func (e Event) MarshalJSON() ([]byte, error) {
	type base Event
	if e.Decision == nil {
		return json.Marshal(base(e))
	}
	return json.Marshal(struct {
		base
		Decision
	}{base(e), *e.Decision})
}

// UnmarshalJSON reads the flat wire form back into the tagged variant.
func (e *Event) UnmarshalJSON(data []byte) error {
	type base Event
	var flat struct {
		base
		Decision
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*e = Event(flat.base)
	if flat.Decision != (Decision{}) {
		d := flat.Decision
		e.Decision = &d
	}
	return nil
}

const (
	AgentSystem = "system"
	AgentUnit   = "unit"
	AgentHuman  = "human"
)

type Agent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind" enum:"system,unit,human"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type Snapshot struct {
	ID          string          `json:"id"`
	GeneratedAt string          `json:"generatedAt" format:"date-time"`
	Payload     json.RawMessage `json:"payload"`
}

// TaskStatuses in board order.
var TaskStatuses = []string{"inbox", "planned", "doing", "blocked", "review", "done"}

type Task struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Tier       string  `json:"tier"`
	Status     string  `json:"status" enum:"inbox,planned,doing,blocked,review,done"`
	Owner      string  `json:"owner"`
	Deadline   *string `json:"deadline,omitempty"`
	Blocker    *string `json:"blocker,omitempty"`
	NextAction *string `json:"nextAction,omitempty"`
	UpdatedAt  string  `json:"updatedAt" format:"date-time"`
	AgentID    *string `json:"agentId,omitempty"`
}

// Unit is one member of the operating roster. Units are also registered as
// agents of kind unit.
type Unit struct {
	Code      string `json:"code"`
	Codename  string `json:"codename"`
	Icon      string `json:"icon"`
	Tier      int    `json:"tier" minimum:"1" maximum:"3"`
	ReportsTo string `json:"reportsTo"`
	Mission   string `json:"mission"`
	Active    bool   `json:"active"`
	UpdatedAt string `json:"updatedAt" format:"date-time"`
}
