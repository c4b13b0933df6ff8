package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pgferry/pgferry/internal/cli/ui"
	"github.com/pgferry/pgferry/internal/cluster"
	"github.com/pgferry/pgferry/internal/config"
)

var configPushService string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the service configuration document",
}

var configPushCmd = &cobra.Command{
	Use:   "push <file>",
	Short: "Push a local configuration file into the cluster",
	Long: `Replace the cluster configuration ConfigMap with the content of a local
YAML document. With --service only that service's entry is replaced and
the rest of the ConfigMap is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigPush,
}

var configShowCmd = &cobra.Command{
	Use:   "show [service]",
	Short: "Show the known services and their validation state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPushCmd)
	configCmd.AddCommand(configShowCmd)
	configPushCmd.Flags().StringVar(&configPushService, "service", "", "only replace this service's entry")
}

func runConfigPush(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	var doc map[string]map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}

	clientset, err := cluster.NewClientset()
	if err != nil {
		return err
	}
	store, err := config.NewKubeStore(ctx, clientset, config.DefaultConfigMapName, namespace)
	if err != nil {
		return err
	}
	if err := store.Replace(ctx, doc, configPushService); err != nil {
		return err
	}
	ui.Success(fmt.Sprintf("pushed configuration to %s/%s", namespace, config.DefaultConfigMapName))
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
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
	if len(args) == 1 {
		services = []string{args[0]}
	}
	var rows [][]string
	for _, service := range services {
		cfg, err := store.Get(service)
		if err != nil {
			return err
		}
		state := "ok"
		if errs := cfg.Validate(); len(errs) > 0 {
			state = fmt.Sprintf("%d validation errors", len(errs))
		}
		rows = append(rows, []string{service, cfg.Str("gcp-migration-strategy"), cfg.Str("k8s-env"), state})
	}
	ui.PrintTable([]string{"SERVICE", "STRATEGY", "ENV", "STATE"}, rows)
	return nil
}
