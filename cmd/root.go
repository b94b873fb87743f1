package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:     "huddle",
	Short:   "Huddle - presence and real-time fanout for chat",
	Long:    `A single-binary chat backend that tracks who is online and fans messages out to live websocket connections.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate("huddle version {{.Version}}\n")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
