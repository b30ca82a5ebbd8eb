// Package main implements the hermesnet CLI: the index server, the peer
// node, and the one-shot client commands for declaring, searching and
// downloading content.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Cutipus/HermesNet/pkg/constants"
)

// Build-time variables set by ldflags
var (
	version   = "dev"
	buildTime = "unknown"
)

// Persistent flags
var (
	flagIndex     string
	flagTransport string
	flagOwner     string
)

func main() {
	root := &cobra.Command{
		Use:           "hermesnet",
		Short:         "Content-addressed file indexing and chunked peer-to-peer transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagIndex, "index",
		fmt.Sprintf("localhost:%d", constants.DefaultIndexPort), "index server address")
	root.PersistentFlags().StringVar(&flagTransport, "transport", "tcp", "transport protocol (tcp or quic)")
	root.PersistentFlags().StringVar(&flagOwner, "owner", defaultOwner(), "owner name declared to the index")

	root.AddCommand(
		newServeCmd(),
		newPeerCmd(),
		newDeclareCmd(),
		newWithdrawCmd(),
		newSearchCmd(),
		newLookupCmd(),
		newAllCmd(),
		newPingCmd(),
		newGetCmd(),
		newResumeCmd(),
		newCancelCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hermesnet: %v\n", err)
		os.Exit(1)
	}
}

func defaultOwner() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "anonymous"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hermesnet %s (built %s)\n", version, buildTime)
		},
	}
}
