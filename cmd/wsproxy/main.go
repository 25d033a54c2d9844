package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	wsshare "github.com/sammck-go/wsproxy/share"
)

var logLevel string

// rootCommand is the root of the command tree
var rootCommand = &cobra.Command{
	Use:   "wsproxy",
	Short: "WebSocket connection multiplexing proxy.",
	Long: "wsproxy tunnels many TCP, HTTP and HTTPS connections over a single WebSocket. " +
		"Run \"wsproxy server\" on a host with network access, then open connections " +
		"through it from a client.",
	SilenceUsage: true,
}

func init() {
	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: panic, fatal, error, warning, info, debug or trace (default info)")
}

// newLogger creates the command's logger at the level given by --log-level, or def
func newLogger(prefix string, def wsshare.LogLevel) (wsshare.Logger, error) {
	level := def
	if logLevel != "" {
		level = wsshare.StringToLogLevel(logLevel)
		if level == wsshare.LogLevelUnknown {
			return nil, fmt.Errorf("unknown log level %q", logLevel)
		}
	}
	return wsshare.NewLogger(prefix, level), nil
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
