package commands

import (
	"fmt"

	"github.com/libreqos/bufferbloat-validator/internal/config"
	"github.com/libreqos/bufferbloat-validator/internal/version"
)

// printStartupBanner prints the startup message an operator sees when
// running `bufferbloat-server serve`.
func printStartupBanner(cfg *config.Config) {
	cyan := "\033[36m"
	green := "\033[32m"
	bold := "\033[1m"
	reset := "\033[0m"

	info := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("  ╔══════════════════════════════════════════╗\n")
	fmt.Printf("  ║   bufferbloat-validator                   ║\n")
	fmt.Printf("  ║   virtual household / QoS probe server    ║\n")
	fmt.Printf("  ╚══════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ Startup ──────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:     %s (commit %s)\n", green, reset, info.Version, info.Short())
	fmt.Printf("%s│%s Server mode: %s\n", green, reset, cfg.ServerMode)
	fmt.Printf("%s│%s Bind:        %s:%d\n", green, reset, cfg.Host, cfg.Port)
	for _, archetype := range []string{"gamer", "video_caller", "streamer", "bulk"} {
		fmt.Printf("%s│%s Archetype:   %-12s port %d\n", green, reset, archetype, cfg.ArchetypePorts[archetype])
	}
	fmt.Printf("%s└────────────────────────────────────────────┘%s\n\n", green, reset)
}
