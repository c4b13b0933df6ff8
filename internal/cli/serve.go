package cli

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgferry/pgferry/internal/api"
	"github.com/pgferry/pgferry/internal/cli/ui"
	"github.com/pgferry/pgferry/internal/cloud/gcp"
	"github.com/pgferry/pgferry/internal/cluster"
	"github.com/pgferry/pgferry/internal/orchestrator"
	"github.com/pgferry/pgferry/internal/task"
	"github.com/pgferry/pgferry/pkg/version"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the migration control-plane server",
	Long: `Run the HTTP control plane that executes migration workflows as tasks.

Each task runs one workflow kind (preflight, sync, cutover, cleanup) for one
service, at most one task per (kind, service) at a time.

Examples:
  pgferry serve                     # Listen on :8080 (or $HTTP_PORT)
  pgferry serve --port 3000         # Custom port`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	defaultPort := 8080
	if p, err := strconv.Atoi(os.Getenv("HTTP_PORT")); err == nil {
		defaultPort = p
	}
	serveCmd.Flags().IntVarP(&servePort, "port", "p", defaultPort, "port to serve on")
	serveCmd.Flags().StringVarP(&serveHost, "host", "H", "", "host to bind to")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientset, err := cluster.NewClientset()
	if err != nil {
		return err
	}
	store, err := newStore(ctx, clientset)
	if err != nil {
		return err
	}
	target, err := gcp.NewClient(ctx)
	if err != nil {
		return err
	}

	// Each task gets a fresh orchestrator so its logs flow to its own
	// buffer and its instance-name timestamp is fixed per invocation.
	newOrchestrator := func(link *task.Link) (*orchestrator.Orchestrator, error) {
		clusterClient := cluster.NewClient(clientset, newExecutor(link), link)
		return orchestrator.New(store, target, clusterClient, link)
	}

	manager := task.NewManager()
	manager.Register("preflight", func(ctx context.Context, arg string, link *task.Link) error {
		orc, err := newOrchestrator(link)
		if err != nil {
			return err
		}
		status, err := orc.Preflight(ctx, arg)
		if err != nil {
			return err
		}
		if err := link.SetValue(status); err != nil {
			return err
		}
		link.SetOK(status["pass"] == true)
		return nil
	})
	manager.Register("sync", func(ctx context.Context, arg string, link *task.Link) error {
		orc, err := newOrchestrator(link)
		if err != nil {
			return err
		}
		return orc.Sync(ctx, arg)
	})
	manager.Register("cutover", func(ctx context.Context, arg string, link *task.Link) error {
		orc, err := newOrchestrator(link)
		if err != nil {
			return err
		}
		return orc.Cutover(ctx, arg)
	})
	manager.Register("cleanup", func(ctx context.Context, arg string, link *task.Link) error {
		orc, err := newOrchestrator(link)
		if err != nil {
			return err
		}
		return orc.Cleanup(ctx, arg)
	})

	ui.Info("starting migration control plane on port " + strconv.Itoa(servePort))
	server := api.NewServer(api.Config{
		Host:    serveHost,
		Port:    servePort,
		Verbose: verbose,
		Version: version.Version,
	}, manager)
	return server.Start(ctx)
}
