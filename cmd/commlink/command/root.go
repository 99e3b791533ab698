package command

// root.go defines the root command for the commlink CLI and its global flags.

import (
	"fmt"
	"log/slog"
	"os"

	"commlink/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg     *config.Config
	verbose bool // log protocol events to stderr
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "commlink",
	Short: "commlink - line-delimited JSON messaging over TCP",
	Long: `commlink talks to a commlink server. It can:
- Open an interactive session that completes the magic/credentials handshake
- Hash passwords for the hashed credential source
- Issue tokens for the token credential source and the admin API
- Create users for the database credential source

Settings come from the environment (and a .env file) and may be overridden by flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log protocol events to stderr")
}

func commandLogger() *slog.Logger {
	if !verbose {
		return nil
	}
	logCfg := *cfg
	logCfg.LogLevel = "debug"
	return logCfg.NewLogger(os.Stderr)
}
