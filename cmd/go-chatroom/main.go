package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "go-chatroom",
		Short: "Multi-user chat server speaking a framed text protocol over TCP",
		Long: `go-chatroom serves sign up, sign in, direct, group and broadcast chat
over length-prefixed TCP frames, keeps offline messages until the receiver
signs in, and can bridge browsers in through a WebSocket gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
