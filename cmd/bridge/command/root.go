package command

// root.go defines the root command for the js8tastic binary.
// Runtime configuration comes from the environment (see internal/config);
// subcommand flags only cover what is specific to each tool.

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "js8tastic",
	Short: "js8tastic - JS8Call to Meshtastic message bridge",
	Long: `js8tastic relays text traffic between a JS8Call station and a Meshtastic
mesh network. The main mode is the bridge itself, plus two small station
utilities:
- run: start the bidirectional bridge
- beacon: periodically ask a JS8 group for SNR reports
- schedule: switch the rig frequency on a day/night schedule

Configuration for "run" is read from environment variables or a .env file.
Use "js8tastic <command> -h" to see each command's flags.`,
}

// Execute dispatches to the selected subcommand. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the configured level and format.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
