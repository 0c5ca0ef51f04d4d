package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/identity"
	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawbridge doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Gateway
	fmt.Println()
	fmt.Printf("  Gateway:  %s\n", cfg.Gateway.URL)
	if cfg.Gateway.Token != "" {
		fmt.Println("  Token:    configured")
	} else {
		fmt.Println("  Token:    (none, device auth only)")
	}

	// Connectors
	fmt.Println()
	fmt.Println("  Connectors:")
	if len(cfg.Connectors) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, id := range sortedConnectorIDs(cfg) {
		conn := cfg.Connectors[id]
		status := "disabled"
		if conn.Enabled {
			status = "enabled"
		}
		policy := conn.Policy
		if policy == "" {
			policy = config.PolicyPairing
		}
		fmt.Printf("    %-12s %s, policy %s\n", id+":", status, policy)
	}

	// Data dir + identities
	fmt.Println()
	dataDir := cfg.DataDir()
	fmt.Printf("  Data dir: %s", dataDir)
	if _, err := os.Stat(dataDir); err != nil {
		fmt.Println(" (NOT FOUND, created on first start)")
	} else {
		fmt.Println(" (OK)")
	}

	for _, id := range sortedConnectorIDs(cfg) {
		path := identityPathFor(cfg, id)
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("  Identity %s: none yet\n", id)
			continue
		}
		ident, err := identity.LoadOrCreate(path)
		if err != nil {
			fmt.Printf("  Identity %s: ERROR %s\n", id, err)
			continue
		}
		fmt.Printf("  Identity %s: %s...\n", id, ident.DeviceID[:16])
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}
