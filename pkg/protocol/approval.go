package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ApprovalDecision is the user's answer to an approval request.
type ApprovalDecision string

const (
	DecisionAccept           ApprovalDecision = "accept"
	DecisionAcceptForSession ApprovalDecision = "acceptForSession"
	DecisionDecline          ApprovalDecision = "decline"
	DecisionAbort            ApprovalDecision = "abort"
)

// ParseDecision accepts both the item/* vocabulary and the legacy
// review-decision vocabulary ("approved", "denied", ...).
func ParseDecision(s string) (ApprovalDecision, error) {
	switch strings.TrimSpace(s) {
	case "accept", "approved", "approve", "yes":
		return DecisionAccept, nil
	case "acceptForSession", "approved_for_session", "session":
		return DecisionAcceptForSession, nil
	case "decline", "denied", "deny", "no":
		return DecisionDecline, nil
	case "abort", "cancel":
		return DecisionAbort, nil
	}
	return "", fmt.Errorf("unknown approval decision %q", s)
}

// LegacyWire returns the decision as spelled by execCommandApproval and
// applyPatchApproval responses.
func (d ApprovalDecision) LegacyWire() string {
	switch d {
	case DecisionAccept:
		return "approved"
	case DecisionAcceptForSession:
		return "approved_for_session"
	case DecisionDecline:
		return "denied"
	default:
		return "abort"
	}
}

// ItemWire returns the decision as spelled by item/*/requestApproval responses.
func (d ApprovalDecision) ItemWire() string {
	if d == DecisionAbort {
		return "cancel"
	}
	return string(d)
}

// ApprovalResponse is the result object sent back for an approval request.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// ExecCommandApprovalParams is sent with execCommandApproval.
type ExecCommandApprovalParams struct {
	ConversationID string          `json:"conversationId"`
	CallID         string          `json:"callId"`
	Command        []string        `json:"command"`
	Cwd            string          `json:"cwd,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	ParsedCmd      json.RawMessage `json:"parsedCmd,omitempty"`
}

// ApplyPatchApprovalParams is sent with applyPatchApproval.
type ApplyPatchApprovalParams struct {
	ConversationID string                     `json:"conversationId"`
	CallID         string                     `json:"callId"`
	FileChanges    map[string]json.RawMessage `json:"fileChanges,omitempty"`
	Reason         string                     `json:"reason,omitempty"`
	GrantRoot      string                     `json:"grantRoot,omitempty"`
}

// ItemApprovalParams is sent with both item/*/requestApproval methods.
type ItemApprovalParams struct {
	ThreadID                    string          `json:"threadId"`
	TurnID                      string          `json:"turnId,omitempty"`
	ItemID                      string          `json:"itemId,omitempty"`
	Reason                      string          `json:"reason,omitempty"`
	Command                     json.RawMessage `json:"command,omitempty"`
	Cwd                         string          `json:"cwd,omitempty"`
	ProposedExecpolicyAmendment []string        `json:"proposedExecpolicyAmendment,omitempty"`
	GrantRoot                   string          `json:"grantRoot,omitempty"`
}
