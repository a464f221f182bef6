package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/libreqos/bufferbloat-validator/cmd/bufferbloat-server/commands"
)

var rootCmd = &cobra.Command{
	Use:   "bufferbloat-server",
	Short: "Virtual-household bufferbloat and QoS validation server",
	Long: `bufferbloat-server runs the synthetic virtual-household workload
(gamer, video caller, streamer, bulk download archetypes) against a
connected client, plus single-user speed/latency probe endpoints, to
validate that a shaper preserves interactive quality under saturating
load.`,
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
