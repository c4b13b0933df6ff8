package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgferry/pgferry/internal/cli/ui"
	"github.com/pgferry/pgferry/internal/cluster"
	"github.com/pgferry/pgferry/internal/config"
)

var validateConnect bool

var validateCmd = &cobra.Command{
	Use:   "validate [service]",
	Short: "Validate service configuration and workload state",
	Long: `Validate one service, or every known service when no argument is given.
Checks field presence, instance sizing rules, and that the service's pods
are all running. With --connect the source database is also probed with
the replication credentials.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateConnect, "connect", false, "also verify source database connectivity")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	clientset, err := cluster.NewClientset()
	if err != nil {
		return err
	}
	store, err := newStore(ctx, clientset)
	if err != nil {
		return err
	}

	services := store.Keys()
	if len(args) == 1 && args[0] != "all" {
		services = []string{args[0]}
	}

	client := cluster.NewClient(clientset, newExecutor(logSink{}), logSink{})
	failed := 0
	var rows [][]string
	for _, service := range services {
		errs := validateService(ctx, store, client, service)
		if len(errs) == 0 {
			rows = append(rows, []string{service, "ok"})
			continue
		}
		failed++
		for _, e := range errs {
			rows = append(rows, []string{service, e})
		}
	}
	ui.PrintTable([]string{"SERVICE", "STATUS"}, rows)
	if failed > 0 {
		return fmt.Errorf("%d of %d services failed validation", failed, len(services))
	}
	ui.Success(fmt.Sprintf("%d services validated", len(services)))
	return nil
}

func validateService(ctx context.Context, store config.Store, client *cluster.Client, service string) []string {
	cfg, err := store.Get(service)
	if err != nil {
		return []string{err.Error()}
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return errs
	}

	restarts, states, _, err := client.PodsStatus(ctx, cfg.Str("k8s-namespace"), cfg.Str("k8s-service"))
	if err != nil {
		return []string{fmt.Sprintf("%s: %v", service, err)}
	}
	if len(states) != 1 || !states["running"] {
		return []string{fmt.Sprintf("service %s is not running (states: %v, restarts: %d)", service, states, restarts)}
	}

	if validateConnect {
		port, _ := cfg.Int("aws-port")
		err := client.CheckConnection(ctx,
			cfg.Str("aws-host"), port, cfg.Str("database-name"),
			cfg.Str("aws-replication-username"), cfg.Str("aws-replication-password"))
		if err != nil {
			return []string{err.Error()}
		}
	}
	return nil
}
