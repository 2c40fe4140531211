package event

import "strings"

// Event types the sync layer reacts to.
const (
	TypeTaskStarted              = "task_started"
	TypeTaskComplete             = "task_complete"
	TypeTurnAborted              = "turn_aborted"
	TypeError                    = "error"
	TypeStreamError              = "stream_error"
	TypeUserMessage              = "user_message"
	TypeAgentMessage             = "agent_message"
	TypeAgentMessageDelta        = "agent_message_delta"
	TypeAgentReasoning           = "agent_reasoning"
	TypeAgentReasoningDelta      = "agent_reasoning_delta"
	TypeAgentReasoningRaw        = "agent_reasoning_raw_content"
	TypeAgentReasoningRawDelta   = "agent_reasoning_raw_content_delta"
	TypeExecCommandBegin         = "exec_command_begin"
	TypeExecCommandOutputDelta   = "exec_command_output_delta"
	TypeExecCommandEnd           = "exec_command_end"
	TypeExecApprovalRequest      = "exec_approval_request"
	TypeApplyPatchApprovalReq    = "apply_patch_approval_request"
	TypePatchApplyBegin          = "patch_apply_begin"
	TypePatchApplyEnd            = "patch_apply_end"
	TypeSessionConfigured        = "session_configured"
	TypeTokenCount               = "token_count"
	TypeTurnDiff                 = "turn_diff"
	TypePlanUpdate               = "plan_update"
	TypeBackgroundEvent          = "background_event"
	TypeAgentReasoningSectionBrk = "agent_reasoning_section_break"
)

// DeltaKind separates independent streams on the same item, e.g. reasoning
// and answer text of one agent turn.
type DeltaKind string

const (
	KindMessage       DeltaKind = "message"
	KindReasoning     DeltaKind = "reasoning"
	KindReasoningRaw  DeltaKind = "reasoning_raw"
	KindCommandOutput DeltaKind = "command_output"
)

type deltaSpec struct {
	kind  DeltaKind
	final string
}

var deltaTypes = map[string]deltaSpec{
	TypeAgentMessageDelta:      {kind: KindMessage, final: TypeAgentMessage},
	TypeAgentReasoningDelta:    {kind: KindReasoning, final: TypeAgentReasoning},
	TypeAgentReasoningRawDelta: {kind: KindReasoningRaw, final: TypeAgentReasoningRaw},
	TypeExecCommandOutputDelta: {kind: KindCommandOutput, final: TypeExecCommandEnd},
}

var finalKinds = func() map[string]DeltaKind {
	m := make(map[string]DeltaKind, len(deltaTypes))
	for _, spec := range deltaTypes {
		m[spec.final] = spec.kind
	}
	return m
}()

var terminalTypes = map[string]bool{
	TypeTaskComplete: true,
	TypeTurnAborted:  true,
	TypeError:        true,
	TypeStreamError:  true,
}

var approvalTypes = map[string]bool{
	TypeExecApprovalRequest:   true,
	TypeApplyPatchApprovalReq: true,
}

// IsDelta reports whether events of type t are streaming fragments. Any
// type ending in _delta is treated as one.
func IsDelta(t string) bool {
	if _, ok := deltaTypes[t]; ok {
		return true
	}
	return strings.HasSuffix(t, "_delta")
}

// KindOf returns the sub-kind of a delta type.
func KindOf(deltaType string) DeltaKind {
	if spec, ok := deltaTypes[deltaType]; ok {
		return spec.kind
	}
	return DeltaKind(strings.TrimSuffix(deltaType, "_delta"))
}

// FinalFor returns the final type that supersedes a delta type.
func FinalFor(deltaType string) string {
	if spec, ok := deltaTypes[deltaType]; ok {
		return spec.final
	}
	return strings.TrimSuffix(deltaType, "_delta")
}

// SupersededKind returns the delta sub-kind a final event of type t
// completes, if any.
func SupersededKind(t string) (DeltaKind, bool) {
	if k, ok := finalKinds[t]; ok {
		return k, true
	}
	if IsDelta(t) || IsTerminal(t) {
		return "", false
	}
	// Generic foo_delta streams are completed by foo.
	return DeltaKind(t), true
}

// IsApprovalRequest reports whether t blocks the turn on a human decision.
func IsApprovalRequest(t string) bool {
	return approvalTypes[t]
}

// IsTerminal reports whether t ends the busy state of its conversation.
// Approval requests count as terminal.
func IsTerminal(t string) bool {
	return terminalTypes[t] || approvalTypes[t]
}

// IsTurnStart reports whether t marks the start of a turn.
func IsTurnStart(t string) bool {
	return t == TypeTaskStarted
}
