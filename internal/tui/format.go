package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/convsync/internal/approval"
	"github.com/agusx1211/convsync/internal/event"
	"github.com/agusx1211/convsync/internal/ingest"
	"github.com/agusx1211/convsync/internal/theme"
)

// FormatEntry renders a transcript entry as plain text. ok is false for
// entries not worth showing.
func FormatEntry(e ingest.Entry) (line string, ok bool) {
	ev := e.Event
	switch ev.Type {
	case event.TypeUserMessage:
		return "> " + ev.Text(), true
	case event.TypeAgentMessage:
		return ev.Text(), true
	case event.TypeAgentReasoning, event.TypeAgentReasoningRaw:
		return "thinking: " + ev.Text(), true
	case event.TypeExecCommandBegin:
		argv, _ := event.Decode[[]string](ev, "command")
		return "$ " + strings.Join(argv, " "), true
	case event.TypeExecCommandEnd:
		code, _ := event.Decode[int](ev, "exit_code")
		return fmt.Sprintf("  exit %d", code), true
	case event.TypePatchApplyEnd:
		return "patch applied", true
	case event.TypeError, event.TypeStreamError:
		return "error: " + ev.Text(), true
	case event.TypeTurnAborted:
		return "turn aborted", true
	case event.TypeTaskComplete:
		return "turn complete", true
	case event.TypeExecApprovalRequest, event.TypeApplyPatchApprovalReq:
		return "approval requested", true
	}
	return "", false
}

func styleEntry(e ingest.Entry, line string) string {
	switch e.Event.Type {
	case event.TypeUserMessage:
		return theme.UserStyle.Render(line)
	case event.TypeAgentMessage:
		return theme.AgentStyle.Render(line)
	case event.TypeAgentReasoning, event.TypeAgentReasoningRaw:
		return theme.ReasoningStyle.Render(line)
	case event.TypeExecCommandBegin, event.TypeExecCommandEnd, event.TypePatchApplyEnd:
		return theme.CommandStyle.Render(line)
	case event.TypeError, event.TypeStreamError, event.TypeTurnAborted:
		return theme.ErrorStyle.Render(line)
	default:
		return theme.MutedStyle.Render(line)
	}
}

func renderBuffer(kind event.DeltaKind, text string) string {
	switch kind {
	case event.KindReasoning, event.KindReasoningRaw:
		return theme.ReasoningStyle.Render(text)
	case event.KindCommandOutput:
		return theme.CommandStyle.Render(text)
	default:
		return theme.LiveStyle.Render(text)
	}
}

// DescribeApproval renders the detail of an approval request.
func DescribeApproval(r approval.Request) string {
	var sb strings.Builder
	switch r.Kind {
	case approval.KindCommandExecution:
		sb.WriteString("Run command: " + strings.Join(r.Detail.Command, " "))
		if r.Detail.Cwd != "" {
			sb.WriteString("\n  in " + r.Detail.Cwd)
		}
		if len(r.Detail.Amendment) > 0 {
			sb.WriteString("\n  policy amendment: " + strings.Join(r.Detail.Amendment, " "))
		}
	case approval.KindFileChange:
		sb.WriteString(fmt.Sprintf("Apply changes to %d file(s)", len(r.Detail.FileChanges)))
		if r.Detail.GrantRoot != "" {
			sb.WriteString("\n  grant write access to " + r.Detail.GrantRoot)
		}
	}
	if r.Detail.Reason != "" {
		sb.WriteString("\n  reason: " + r.Detail.Reason)
	}
	return sb.String()
}

// wrapLines hard-wraps s to width cells and splits it into lines.
func wrapLines(s string, width int) []string {
	if width <= 0 {
		return strings.Split(s, "\n")
	}
	return strings.Split(ansi.Wrap(s, width, " "), "\n")
}
