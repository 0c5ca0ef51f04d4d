package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawbridge/internal/identity"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect and manage device identities",
	}
	cmd.AddCommand(identityShowCmd())
	cmd.AddCommand(identityClearTokenCmd())
	return cmd
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <connector>",
		Short: "Show the device identity for a connector (creates one if missing)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			path := identityPathFor(cfg, args[0])

			ident, err := identity.LoadOrCreate(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading identity: %s\n", err)
				os.Exit(1)
			}

			fmt.Printf("Connector:    %s\n", args[0])
			fmt.Printf("Device ID:    %s\n", ident.DeviceID)
			fmt.Printf("Public key:   %s\n", ident.PublicKeyBase64())
			fmt.Printf("File:         %s\n", path)
			if ident.Token() != "" {
				fmt.Println("Device token: present")
			} else {
				fmt.Println("Device token: none (issued on first connect)")
			}
		},
	}
}

func identityClearTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-token <connector>",
		Short: "Drop the stored device token so the next connect re-registers",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			ident, err := identity.LoadOrCreate(identityPathFor(cfg, args[0]))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading identity: %s\n", err)
				os.Exit(1)
			}
			if err := ident.ClearToken(); err != nil {
				fmt.Fprintf(os.Stderr, "Error clearing token: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Cleared device token for %s.\n", args[0])
		},
	}
}
