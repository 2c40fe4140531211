package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agusx1211/convsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := loaded
		fmt.Printf("transport:   %s\n", c.Backend.Transport)
		if c.Backend.Transport == config.TransportWebsocket {
			fmt.Printf("url:         %s\n", c.Backend.URL)
		} else {
			fmt.Printf("command:     %s %v\n", c.Backend.Command, c.Backend.Args)
		}
		fmt.Printf("timeout:     %s\n", c.Backend.RequestTimeout)
		fmt.Printf("model:       %s\n", c.Conversation.Model)
		fmt.Printf("state dir:   %s\n", c.StateDir)
		if err := config.Validate(c); err != nil {
			fmt.Printf("%sinvalid:%s %v\n", colorRed, colorReset, err)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	// The file being created may not exist yet, so skip config loading.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteSample(path); err != nil {
			return err
		}
		fmt.Printf("%swrote%s %s\n", colorGreen, colorReset, path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
