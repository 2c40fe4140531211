package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agusx1211/convsync/internal/store"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Show the local conversation index",
	Long: `Print the conversations convsync remembers, grouped by working
directory, newest first. The active conversation of each directory is
marked with *.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.New(loaded.StateDir)
		if err != nil {
			return err
		}
		idx, err := s.LoadIndex()
		if err != nil {
			return err
		}
		if len(idx.Contexts) == 0 {
			fmt.Println(colorDim + "No conversations yet." + colorReset)
			return nil
		}
		keys := make([]string, 0, len(idx.Contexts))
		for k := range idx.Contexts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(styleBoldCyan + k + colorReset)
			for _, rec := range idx.Contexts[k] {
				mark := " "
				if idx.Active[k] == rec.ConversationID {
					mark = colorGreen + "*" + colorReset
				}
				fmt.Printf("  %s %s  %s  %s\n", mark, rec.ConversationID, rec.CreatedAt.Local().Format("2006-01-02 15:04"), rec.Preview)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
