package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/internal/store/file"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage sender pairing (approve, list, allow, revoke)",
	}

	cmd.AddCommand(pairingApproveCmd())
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingAllowCmd())
	cmd.AddCommand(pairingRevokeCmd())

	return cmd
}

func openPairingStore() store.PairingStore {
	cfg := mustLoadConfig()
	stores, err := file.NewFileStores(storeConfigFor(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening stores: %s\n", err)
		os.Exit(1)
	}
	return stores.Pairing
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <connector> <code>",
		Short: "Approve a pending pairing code",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			pairing := openPairingStore()
			senderID, ok := pairing.Approve(args[0], args[1])
			if !ok {
				fmt.Fprintf(os.Stderr, "No pending request with code %s on connector %s.\n", args[1], args[0])
				os.Exit(1)
			}
			fmt.Printf("Approved %s on %s.\n", senderID, args[0])
		},
	}
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <connector>",
		Short: "List pending requests and allowed senders",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			pairing := openPairingStore()
			connector := args[0]

			pending := pairing.ListPending(connector)
			if len(pending) == 0 {
				fmt.Println("No pending pairing requests.")
			} else {
				fmt.Printf("Pending (%d):\n", len(pending))
				for _, p := range pending {
					ago := time.Since(time.UnixMilli(p.CreatedAt)).Truncate(time.Second)
					name := p.SenderName
					if name == "" {
						name = p.SenderID
					}
					fmt.Printf("  [%s]  %s  (%s ago)\n", p.Code, name, ago)
				}
			}

			allowed := pairing.AllowedSenders(connector)
			if len(allowed) == 0 {
				fmt.Println("No allowed senders.")
				return
			}
			fmt.Printf("Allowed (%d):\n", len(allowed))
			for _, id := range allowed {
				fmt.Printf("  %s\n", id)
			}
		},
	}
}

func pairingAllowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow <connector> <senderId>",
		Short: "Add a sender to the allowlist directly, skipping the code exchange",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			pairing := openPairingStore()
			pairing.Allow(args[0], args[1])
			fmt.Printf("Allowed %s on %s.\n", args[1], args[0])
		},
	}
}

func pairingRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <connector> <senderId>",
		Short: "Remove a sender from the allowlist",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			pairing := openPairingStore()
			if err := pairing.Revoke(args[0], args[1]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Revoked %s on %s.\n", args[1], args[0])
		},
	}
}
