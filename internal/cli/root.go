package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agusx1211/convsync/internal/buildinfo"
	"github.com/agusx1211/convsync/internal/config"
	"github.com/agusx1211/convsync/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Chat with a coding agent over its app-server protocol",
	Long: colorBold + `convsync` + colorReset + ` v` + buildinfo.Current().Version + `

  ` + styleBoldCyan + `Client-side sync for agent conversations.` + colorReset + `
  Streams agent events into per-conversation transcripts, tracks turns,
  queues approval requests and recovers conversations the backend lost.

` + colorBold + `Getting Started:` + colorReset + `
  convsync config init            Write a sample ~/.convsync/config.toml
  convsync chat                   Chat in the current directory
  convsync list                   List conversations stored by the backend
  convsync replay FILE            Rebuild a transcript from a recording`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loaded is the configuration resolved in PersistentPreRunE.
var loaded *config.Config

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to <state_dir>/debug/")
	rootCmd.PersistentFlags().Bool("debug-console", false, "Write human-readable debug lines to stderr instead of a file")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.convsync/config.toml)")
	rootCmd.PersistentFlags().String("cwd", "", "Working directory the conversation is bound to (default: current directory)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		loaded = cfg

		debugFlag, _ := cmd.Flags().GetBool("debug")
		console, _ := cmd.Flags().GetBool("debug-console")
		switch {
		case console:
			debug.InitWriter(os.Stderr, true)
		case debugFlag || cfg.Debug || debug.ShouldEnableFromEnv():
			logPath, err := debug.Init(cfg.StateDir)
			if err != nil {
				return fmt.Errorf("initializing debug logger: %w", err)
			}
			fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		default:
			return nil
		}
		bi := buildinfo.Current()
		debug.LogKV("cli", "convsync starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		debug.Close()
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}

// contextKey resolves the --cwd flag to an absolute directory.
func contextKey(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("cwd")
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	return absPath(dir)
}
