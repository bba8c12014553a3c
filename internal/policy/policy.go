// Package policy decides whether a sensitive action may run without a human
// decision, optionally backed by a recorded approval.
package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"missioncontrol/internal/domain"
)

const (
	ActionDeployment      = "deployment"
	ActionOutboundMessage = "outbound-message"
	ActionPurchase        = "purchase"
	ActionConfigChange    = "config-change"
)

// Sensitive lists actions that need an explicit human approval.
var Sensitive = []string{ActionDeployment, ActionOutboundMessage, ActionPurchase, ActionConfigChange}

var ErrMissingAction = errors.New("missing action")

type Decision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requiresApproval"`
	Reason           string `json:"reason"`
	ApprovalID       string `json:"approvalId,omitempty"`
}

// Evaluate applies the gate to one action.
func Evaluate(action string, approvedByHuman bool) Decision {
	if approvedByHuman {
		return Decision{Allowed: true, Reason: "Explicit human approval supplied"}
	}
	if slices.Contains(Sensitive, action) {
		return Decision{RequiresApproval: true, Reason: "Action requires explicit human approval"}
	}
	return Decision{Allowed: true, Reason: "Action allowed"}
}

type Request struct {
	Action          string
	ApprovedByHuman bool
	ApprovalID      string
}

// ApprovalReader is the read side of the approval store.
type ApprovalReader interface {
	Get(ctx context.Context, id string) (domain.Approval, error)
}

// Checker resolves approval-backed requests against the store.
type Checker struct {
	Approvals ApprovalReader
}

// Check evaluates req. When an approval id is given its recorded status
// replaces the caller's own claim: approved allows, rejected denies and
// pending still requires approval. Unknown ids surface the reader's not-found
// error.
func (c Checker) Check(ctx context.Context, req Request) (Decision, error) {
	action := strings.ToLower(strings.TrimSpace(req.Action))
	if action == "" {
		return Decision{}, ErrMissingAction
	}
	if req.ApprovalID == "" {
		return Evaluate(action, req.ApprovedByHuman), nil
	}
	a, err := c.Approvals.Get(ctx, req.ApprovalID)
	if err != nil {
		return Decision{}, err
	}
	var d Decision
	switch a.Status {
	case domain.StatusApproved:
		d = Evaluate(action, true)
		d.Reason = fmt.Sprintf("Approval %s granted", a.ID)
	case domain.StatusRejected:
		d = Decision{Reason: fmt.Sprintf("Approval %s was rejected", a.ID)}
	default:
		d = Evaluate(action, false)
		if d.RequiresApproval {
			d.Reason = fmt.Sprintf("Approval %s is still pending", a.ID)
		}
	}
	d.ApprovalID = a.ID
	return d, nil
}
