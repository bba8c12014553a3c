package server

import (
	"encoding/json"

	"missioncontrol/internal/app"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/policy"
)

// Request payloads

type CreateApprovalRequest struct {
	ID     string `json:"id,omitempty"`
	Item   string `json:"item"`
	Reason string `json:"reason"`
	Level  string `json:"level,omitempty" enum:"High,Medium"`
	Agent  string `json:"agent,omitempty"`
}

// ResolveApprovalRequest documents the PATCH body. The handler reads the raw
// body itself so malformed fields map to the fixed 400 messages.
type ResolveApprovalRequest struct {
	Status  string `json:"status" enum:"approved,rejected"`
	Version *int   `json:"version,omitempty" minimum:"1"`
}

type ReplaceTasksRequest struct {
	Tasks []app.TaskInput `json:"tasks"`
}

// PolicyCheckRequest asks whether an action may run. A missing action is
// reported as 400 by the handler rather than by schema validation.
type PolicyCheckRequest struct {
	Action          string `json:"action,omitempty" example:"deployment"`
	ApprovedByHuman bool   `json:"approvedByHuman,omitempty"`
	ApprovalID      string `json:"approvalId,omitempty" doc:"Use the recorded decision of this approval"`
}

// Response payloads

type ApprovalEnvelope struct {
	Approval domain.Approval `json:"approval"`
}

type ApprovalList struct {
	Approvals []domain.Approval `json:"approvals"`
}

// EventResponse is the flat wire form of an event. Decision fields are only
// present on approval_decided events.
type EventResponse struct {
	ID             string  `json:"id"`
	Agent          string  `json:"agent"`
	AgentID        *string `json:"agentId,omitempty"`
	Pipeline       string  `json:"pipeline" enum:"A,B,C,D"`
	Type           string  `json:"type"`
	Summary        string  `json:"summary"`
	Timestamp      string  `json:"timestamp" format:"date-time"`
	ApprovalID     string  `json:"approvalId,omitempty"`
	PreviousStatus string  `json:"previousStatus,omitempty"`
	NewStatus      string  `json:"newStatus,omitempty"`
	DecidedBy      string  `json:"decidedBy,omitempty"`
	DecidedAt      string  `json:"decidedAt,omitempty" format:"date-time"`
	RequestID      string  `json:"requestId,omitempty"`
	TraceID        string  `json:"traceId,omitempty"`
}

type EventList struct {
	Events []EventResponse `json:"events"`
}

type AgentList struct {
	Agents []domain.Agent `json:"agents"`
}

type TaskList struct {
	Tasks []domain.Task `json:"tasks"`
}

type UnitList struct {
	Units []domain.Unit `json:"units"`
}

type PolicyCheckResponse struct {
	Decision policy.Decision `json:"decision"`
}

type SnapshotResponse struct {
	ID          string          `json:"id"`
	GeneratedAt string          `json:"generatedAt" format:"date-time"`
	Payload     json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:        e.ID,
		Agent:     e.Agent,
		AgentID:   e.AgentID,
		Pipeline:  e.Pipeline,
		Type:      e.Type,
		Summary:   e.Summary,
		Timestamp: e.Timestamp,
	}
	if d := e.Decision; d != nil {
		out.ApprovalID = d.ApprovalID
		out.PreviousStatus = d.PreviousStatus
		out.NewStatus = d.NewStatus
		out.DecidedBy = d.DecidedBy
		out.DecidedAt = d.DecidedAt
		out.RequestID = d.RequestID
		out.TraceID = d.TraceID
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func nonNilApprovals(items []domain.Approval) []domain.Approval {
	if items == nil {
		return []domain.Approval{}
	}
	return items
}

func nonNilTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}

func nonNilAgents(items []domain.Agent) []domain.Agent {
	if items == nil {
		return []domain.Agent{}
	}
	return items
}
