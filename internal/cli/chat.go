package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/convsync/internal/directory"
	"github.com/agusx1211/convsync/internal/engine"
	"github.com/agusx1211/convsync/internal/event"
	"github.com/agusx1211/convsync/internal/ingest"
	"github.com/agusx1211/convsync/internal/tui"
	"github.com/agusx1211/convsync/pkg/protocol"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in the current directory",
	Long: `Open a chat bound to the working directory.

On a terminal this launches the interactive UI. Otherwise each line read
from stdin is sent as a message and the resulting transcript is printed.

Examples:
  convsync chat
  convsync chat --new
  convsync chat --resume 0199a1b2-...
  echo "summarize the README" | convsync chat`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().Bool("new", false, "Start a new conversation instead of continuing the active one")
	chatCmd.Flags().String("resume", "", "Resume a stored conversation by id")
	chatCmd.Flags().Bool("record", false, "Record every notification under <state_dir>/recordings/")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	key, err := contextKey(cmd)
	if err != nil {
		return err
	}
	record, _ := cmd.Flags().GetBool("record")
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, err := openSession(ctx, loaded, record)
	if err != nil {
		return err
	}
	defer s.Close()
	if s.recorder != nil {
		fmt.Fprintf(os.Stderr, "%srecording to %s%s\n", colorDim, s.store.RecordingPath(s.recorder.Session), colorReset)
	}

	conversationID := ""
	if id, _ := cmd.Flags().GetString("resume"); id != "" {
		resumed, n, err := s.engine.Resume(ctx, id, key)
		if err != nil {
			return err
		}
		conversationID = resumed
		fmt.Fprintf(os.Stderr, "%sresumed %s with %d history entries%s\n", colorDim, resumed, n, colorReset)
	} else if fresh, _ := cmd.Flags().GetBool("new"); fresh {
		if conversationID, err = s.engine.NewConversation(ctx, key); err != nil {
			return err
		}
	}

	if isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd()) {
		stop()
		return tui.Run(s.engine, key, conversationID)
	}
	return runLineChat(ctx, s.engine, key, os.Stdin, os.Stdout)
}

// runLineChat sends each input line and prints the turn it produced.
// Approval requests are answered from the next input line.
func runLineChat(ctx context.Context, eng *engine.Engine, key string, in io.Reader, out io.Writer) error {
	lines := bufio.NewScanner(in)
	changes, cancel := eng.Subscribe(1024)
	defer cancel()

	for lines.Scan() {
		text := strings.TrimSpace(lines.Text())
		if text == "" {
			continue
		}
		res, err := eng.Send(ctx, key, text)
		if err != nil {
			var sendErr *directory.SendError
			if errors.As(err, &sendErr) {
				fmt.Fprintf(out, "%snot sent:%s %s\n", colorRed, colorReset, sendErr.Text)
			}
			return err
		}
		if res.Recreated {
			fmt.Fprintf(out, "%sconversation was gone; continued in %s%s\n", colorYellow, res.ConversationID, colorReset)
		}
		if err := waitTurn(ctx, eng, res.ConversationID, changes, lines, out); err != nil {
			return err
		}
	}
	return lines.Err()
}

func waitTurn(ctx context.Context, eng *engine.Engine, conversationID string, changes <-chan ingest.Change, lines *bufio.Scanner, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			if err := eng.Interrupt(context.WithoutCancel(ctx), conversationID); err != nil {
				return err
			}
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.Kind == ingest.ChangeBackendExit {
				fmt.Fprintf(out, "%sbackend exited; the next message reconnects%s\n", colorYellow, colorReset)
				return nil
			}
			if c.Kind != ingest.ChangeAppended || c.ConversationID != conversationID || c.Entry == nil {
				continue
			}
			typ := c.Entry.Event.Type
			if line, ok := tui.FormatEntry(*c.Entry); ok && typ != event.TypeUserMessage {
				fmt.Fprintln(out, line)
			}
			if event.IsApprovalRequest(typ) {
				if err := answerApprovals(ctx, eng, conversationID, lines, out); err != nil {
					return err
				}
				continue
			}
			if event.IsTerminal(typ) {
				return nil
			}
		}
	}
}

func answerApprovals(ctx context.Context, eng *engine.Engine, conversationID string, lines *bufio.Scanner, out io.Writer) error {
	for {
		req, ok := eng.Approvals().Current()
		if !ok || req.ConversationID != conversationID {
			return nil
		}
		fmt.Fprintf(out, "%s%s%s\n", styleBoldWhite, tui.DescribeApproval(req), colorReset)
		fmt.Fprint(out, "approve? [a]ccept [s]ession [d]ecline [x] abort: ")
		if !lines.Scan() {
			return eng.Decide(ctx, req.RequestID, protocol.DecisionAbort)
		}
		decision, err := protocol.ParseDecision(shortDecision(lines.Text()))
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if err := eng.Decide(ctx, req.RequestID, decision); err != nil {
			return err
		}
	}
}

func shortDecision(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "y":
		return "accept"
	case "s":
		return "session"
	case "d", "n":
		return "decline"
	case "x":
		return "abort"
	}
	return strings.TrimSpace(s)
}
