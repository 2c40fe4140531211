package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agusx1211/convsync/internal/engine"
	"github.com/agusx1211/convsync/internal/recording"
	"github.com/agusx1211/convsync/internal/tui"
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Rebuild transcripts from a recording",
	Long: `Feed a recording written by "convsync chat --record" through a fresh
sync core and print every conversation's transcript and final turn state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return replay(args[0], os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func replay(path string, out io.Writer) error {
	eng := engine.New(engine.Options{})
	defer eng.Close()

	n, err := recording.ReplayFile(path, func(raw []byte) { eng.HandleNotification(raw) })
	if err != nil {
		return err
	}
	p := eng.Pipeline()
	fmt.Fprintf(out, "%s%d notifications, %d dropped%s\n", colorDim, n, p.Dropped(), colorReset)
	for _, id := range p.Conversations() {
		snap := eng.Snapshot(id)
		fmt.Fprintf(out, "%s%s%s  %s\n", styleBoldCyan, id, colorReset, snap.Turn.Phase())
		for _, e := range snap.Transcript {
			if line, ok := tui.FormatEntry(e); ok {
				fmt.Fprintf(out, "  %3d %s\n", e.Seq, line)
			}
		}
		for _, b := range snap.Buffers {
			fmt.Fprintf(out, "  %s... %s%s\n", colorDim, b.Text, colorReset)
		}
	}
	return nil
}
