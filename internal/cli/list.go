package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations stored by the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")

		s, err := openSession(cmd.Context(), loaded, false)
		if err != nil {
			return err
		}
		defer s.Close()

		page, err := s.client.ListConversations(cmd.Context(), cursor, limit)
		if err != nil {
			return err
		}
		if len(page.Items) == 0 {
			fmt.Println(colorDim + "No conversations." + colorReset)
			return nil
		}
		for _, c := range page.Items {
			fmt.Printf("%s%-38s%s %-20s %s\n", styleBoldWhite, c.ConversationID, colorReset, c.Timestamp, c.Preview)
		}
		if page.NextCursor != "" {
			fmt.Fprintf(os.Stderr, "%smore: convsync list --cursor %s%s\n", colorDim, page.NextCursor, colorReset)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "Page size")
	listCmd.Flags().String("cursor", "", "Continue from a previous page")
	rootCmd.AddCommand(listCmd)
}
