package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sammck-go/wsproxy/pkg/wsclient"
	wsshare "github.com/sammck-go/wsproxy/share"
)

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Prints the wsproxy version.",
	Run:   printVersion,
}

func init() {
	rootCommand.AddCommand(versionCommand)
}

func printVersion(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "wsproxy version %s (protocol %s)\n", wsshare.BuildVersion, wsshare.ProtocolVersion)
	fmt.Fprintf(cmd.OutOrStdout(), "client kinds: %v\n", wsclient.Capabilities())
}
