// Command bufferbloat-client drives a scripted validation run against a
// bufferbloat-server instance: it opens all four virtual-household
// connections, runs the single-user baseline/saturation sweep and
// upload-tiering probe, and prints a summary — useful for CI or
// local smoke-testing without the interactive browser client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/libreqos/bufferbloat-validator/internal/client"
	"github.com/libreqos/bufferbloat-validator/internal/version"
)

var (
	flagServerAddr string
	flagUseTLS     bool
	flagInsecure   bool
	flagJSON       bool
)

var rootCmd = &cobra.Command{
	Use:   "bufferbloat-client",
	Short: "Scripted virtual-household validation run against a bufferbloat-server",
	RunE:  runValidate,
}

func init() {
	rootCmd.Flags().StringVar(&flagServerAddr, "server", "127.0.0.1:443", "host:port of the bufferbloat-server's public surface")
	rootCmd.Flags().BoolVar(&flagUseTLS, "tls", true, "connect over HTTPS/WSS")
	rootCmd.Flags().BoolVar(&flagInsecure, "insecure", false, "accept self-signed TLS certificates")
	rootCmd.Flags().BoolVar(&flagJSON, "json", false, "print the result as JSON instead of a human summary")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runResult is the output printed or JSON-encoded for the caller. The
// upload-tiering classification rides inside the sweep result.
type runResult struct {
	Validation client.ValidationResult `json:"validation"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	if !flagJSON {
		pterm.Info.Printf("bufferbloat-client %s\n", version.Get().Version)
		pterm.Info.Printf("Connecting to %s\n", flagServerAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg := client.DefaultConfig(flagServerAddr)
	cfg.UseTLS = flagUseTLS
	cfg.InsecureTLS = flagInsecure

	orch := client.New(cfg)

	sweepCfg := client.DefaultSweepConfig()
	validationCtx, validationCancel := context.WithTimeout(ctx, cfg.HouseholdDuration+30*time.Second)
	defer validationCancel()

	if !flagJSON {
		pterm.Info.Println("Opening household connections and running the single-user sweep...")
	}
	result, err := orch.RunValidation(validationCtx, sweepCfg)
	if err != nil {
		return fmt.Errorf("validation run failed: %w", err)
	}

	out := runResult{Validation: result}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	printSummary(out)
	return nil
}

func printSummary(out runResult) {
	pterm.Success.Println("Sweep complete")
	if out.Validation.Warmup.UsedDefault {
		pterm.Warning.Printf("Warmup fell back to default: %.1f Mbps\n", out.Validation.Warmup.P95Mbps)
	} else {
		pterm.Info.Printf("Warmup: p95=%.1f Mbps peak=%.1f Mbps (%d samples)\n",
			out.Validation.Warmup.P95Mbps, out.Validation.Warmup.PeakMbps, len(out.Validation.Warmup.Samples))
	}
	for _, phase := range out.Validation.Sweep.Phases {
		pterm.Info.Printf("  %-26s p50=%-10s p95=%-10s samples=%d\n",
			phase.Phase, phase.P50RTT, phase.P95RTT, len(phase.RTTs))
	}

	pterm.Info.Println("Household archetypes:")
	for archetype, stats := range out.Validation.Household {
		status := "ok"
		if stats.Disconnected && stats.DisconnectErr != nil {
			status = fmt.Sprintf("disconnected: %v", stats.DisconnectErr)
		}
		pterm.Info.Printf("  %-14s down=%d up=%d probes=%d (%s)\n",
			archetype, stats.BytesDown, stats.BytesUp, len(stats.ProbeRTTs), status)
	}

	sweep := out.Validation.Sweep
	pterm.Info.Printf("Download: %.1f Mbps\n", sweep.DownloadMbps)
	pterm.Info.Printf("Upload tier: %s (max chunk size %d bytes, steady %.1f Mbps)\n",
		sweep.Tiering.Tier, sweep.Tiering.MaxChunkSize, sweep.Tiering.SteadyMbps)
	for size, mbps := range sweep.Tiering.RampChunkMbps {
		pterm.Info.Printf("  chunk=%d -> %.1f Mbps\n", size, mbps)
	}
	if sweep.AbortedAsymmetric {
		pterm.Warning.Println("Asymmetric link: upload under 20% of download, bidirectional phase skipped")
	}
}
