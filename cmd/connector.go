package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/manager"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/internal/store/file"
	"github.com/nextlevelbuilder/clawbridge/internal/transcript"
)

func connectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Manage connector lifecycle (start, stop, status, list)",
	}
	cmd.AddCommand(connectorStartCmd())
	cmd.AddCommand(connectorStopCmd())
	cmd.AddCommand(connectorStatusCmd())
	cmd.AddCommand(connectorListCmd())
	return cmd
}

func connectorStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [connector...]",
		Short: "Start connectors in the foreground (all enabled if none named)",
		Run: func(cmd *cobra.Command, args []string) {
			runConnectors(args)
		},
	}
}

// runConnectors is the foreground run loop: it wires the store layer, the
// transcript log and the per-connector runtimes, starts everything, then
// blocks until SIGINT/SIGTERM.
func runConnectors(ids []string) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}

	stores, err := file.NewFileStores(storeConfigFor(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening stores: %s\n", err)
		os.Exit(1)
	}

	transcripts, err := transcript.NewStore(storeConfigFor(cfg).TranscriptDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening transcript store: %s\n", err)
		os.Exit(1)
	}
	defer transcripts.Close()

	env := newRuntimeEnv(cfg, stores, transcripts)
	mgr := manager.New(cfg, stores, env.factory())

	if len(ids) == 0 {
		ids = enabledConnectors(cfg)
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "No enabled connectors in config.")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go env.runOutboundPump(ctx)

	// One failed start must not cancel the others, so no group context.
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error { return mgr.Start(ctx, id) })
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Start failed: %s\n", err)
	}
	anyRunning := false
	for _, id := range ids {
		if mgr.IsRunning(id) {
			anyRunning = true
			break
		}
	}
	if !anyRunning {
		fmt.Fprintln(os.Stderr, "No connector started.")
		os.Exit(1)
	}

	watcher := startConfigWatcher(cfgPath, mgr, env)
	if watcher != nil {
		defer watcher.Stop()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("Shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	mgr.StopAll(stopCtx)
}

// startConfigWatcher hot-reloads the config into the manager and each
// live router. Returns nil if the watcher could not be created.
func startConfigWatcher(cfgPath string, mgr *manager.Manager, env *runtimeEnv) *config.Watcher {
	watcher, err := config.NewWatcher(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config watcher unavailable: %s\n", err)
		return nil
	}
	watcher.OnChange(func(cfg *config.Config) {
		mgr.ApplyConfig(cfg)
		env.applyConfig(cfg)
	})
	if err := watcher.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Config watcher failed to start: %s\n", err)
		return nil
	}
	return watcher
}

func enabledConnectors(cfg *config.Config) []string {
	var ids []string
	for id, conn := range cfg.Connectors {
		if conn.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func connectorStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <connector>",
		Short: "Stop a running connector",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := args[0]
			cfg := mustLoadConfig()
			stores, err := file.NewFileStores(storeConfigFor(cfg))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening stores: %s\n", err)
				os.Exit(1)
			}

			status, ok := stores.Connectors.GetStatus(id)
			if !ok || status.State != store.ConnectorStateRunning {
				fmt.Printf("Connector %s is not running.\n", id)
				return
			}

			if status.PID > 0 && status.PID != os.Getpid() {
				if proc, err := os.FindProcess(status.PID); err == nil {
					if err := proc.Signal(syscall.SIGTERM); err == nil {
						fmt.Printf("Sent stop signal to process %d.\n", status.PID)
						return
					}
				}
			}

			// Owning process is gone; correct the stale record.
			status.State = store.ConnectorStateStopped
			if err := stores.Connectors.SetStatus(*status); err != nil {
				fmt.Fprintf(os.Stderr, "Error updating status: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Connector %s marked stopped (stale record).\n", id)
		},
	}
}

func connectorStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <connector>",
		Short: "Show the lifecycle state of one connector",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			stores, err := file.NewFileStores(storeConfigFor(cfg))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening stores: %s\n", err)
				os.Exit(1)
			}

			status, ok := stores.Connectors.GetStatus(args[0])
			if !ok {
				fmt.Printf("Connector %s: no lifecycle record.\n", args[0])
				return
			}
			printStatus(*status)
		},
	}
}

func connectorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all connectors and their lifecycle state",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			stores, err := file.NewFileStores(storeConfigFor(cfg))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening stores: %s\n", err)
				os.Exit(1)
			}

			statuses := stores.Connectors.ListStatuses()
			seen := map[string]bool{}
			for _, s := range statuses {
				seen[s.ID] = true
				printStatus(s)
			}
			// Configured connectors with no record yet.
			for _, id := range sortedConnectorIDs(cfg) {
				if !seen[id] {
					fmt.Printf("%-16s %s\n", id, "never started")
				}
			}
		},
	}
}

func sortedConnectorIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Connectors))
	for id := range cfg.Connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func printStatus(s store.ConnectorStatus) {
	line := fmt.Sprintf("%-16s %s", s.ID, s.State)
	if s.State == store.ConnectorStateRunning && s.StartedAt > 0 {
		up := time.Since(time.UnixMilli(s.StartedAt)).Truncate(time.Second)
		line += fmt.Sprintf("  (pid %d, up %s)", s.PID, up)
	}
	if s.Error != "" {
		line += "  " + s.Error
	}
	fmt.Println(line)
}
