package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgferry/pgferry/internal/cli/ui"
	"github.com/pgferry/pgferry/internal/cloud/aws"
	"github.com/pgferry/pgferry/internal/cluster"
	"github.com/pgferry/pgferry/internal/config"
)

// privateCIDRs are the inbound ranges opened on the source security group so
// the migration service can reach the database over VPC peering.
var privateCIDRs = []string{"10.0.0.0/8", "172.0.0.0/8", "192.0.0.0/8"}

var prepCreateReplicationUser bool

var prepCmd = &cobra.Command{
	Use:   "prep",
	Short: "Prepare source-cloud resources for migration",
}

var prepNetworkCmd = &cobra.Command{
	Use:   "network [service]",
	Short: "Open source database ingress for the migration service",
	Long: `Ensure the source instance's security group allows inbound PostgreSQL
traffic from the private ranges the migration service connects from.
Applies to one service, or to every known service when no argument is
given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPrepNetwork,
}

var prepUsersCmd = &cobra.Command{
	Use:   "users <service|all>",
	Short: "Provision source database credentials",
	Long: `Reset the source master password when none is stored yet, and
optionally create the replication user ahead of sync. Master-password
reset generates a fresh password on every invocation, so it only runs
when the config has no password stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrepUsers,
}

func init() {
	rootCmd.AddCommand(prepCmd)
	prepCmd.AddCommand(prepNetworkCmd)
	prepCmd.AddCommand(prepUsersCmd)
	prepUsersCmd.Flags().BoolVar(&prepCreateReplicationUser, "create-replication-user", false,
		"also create the replication user (otherwise sync does it)")
}

func runPrepNetwork(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	clientset, err := cluster.NewClientset()
	if err != nil {
		return err
	}
	store, err := newStore(ctx, clientset)
	if err != nil {
		return err
	}
	source, err := aws.NewClient(ctx)
	if err != nil {
		return err
	}

	services := store.Keys()
	if len(args) == 1 && args[0] != "all" {
		services = []string{args[0]}
	}
	for _, service := range services {
		cfg, err := store.Get(service)
		if err != nil {
			return err
		}
		instance := cfg.Str("aws-instance")
		added, err := source.AllowIngress(ctx, instance, privateCIDRs)
		if err != nil {
			return err
		}
		if len(added) > 0 {
			ui.Info(fmt.Sprintf("updated allowed cidr blocks for %s/%s: %v", service, instance, added))
		} else {
			ui.Info(fmt.Sprintf("no action taken for %s/%s", service, instance))
		}
	}
	return nil
}

func runPrepUsers(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	clientset, err := cluster.NewClientset()
	if err != nil {
		return err
	}
	store, err := newStore(ctx, clientset)
	if err != nil {
		return err
	}
	source, err := aws.NewClient(ctx)
	if err != nil {
		return err
	}

	services := []string{args[0]}
	if args[0] == "all" {
		services = store.Keys()
	}
	for _, service := range services {
		if err := prepUsers(ctx, store, source, service); err != nil {
			return err
		}
	}
	return nil
}

func prepUsers(ctx context.Context, store config.Store, source *aws.Client, service string) error {
	cfg, err := store.Get(service)
	if err != nil {
		return err
	}

	masterPassword := cfg.Str("aws-master-password")
	if masterPassword == "" {
		ui.Info("resetting master password for " + service)
		masterPassword, err = source.ResetMasterPassword(ctx, cfg.Str("aws-instance"))
		if err != nil {
			return err
		}
		if err := store.Save(service, map[string]any{"aws-master-password": masterPassword}); err != nil {
			return err
		}
	}

	if !prepCreateReplicationUser {
		ui.Info("skipping replication user, sync creates it automatically")
		return nil
	}
	ui.Info("creating replication user")
	username, password, err := source.CreateReplicationUser(ctx,
		cfg.Str("aws-host"), cfg.Str("database-name"), cfg.Str("aws-master-username"), masterPassword)
	if err != nil {
		return err
	}
	if err := store.Save(service, map[string]any{
		"aws-replication-username": username,
		"aws-replication-password": password,
	}); err != nil {
		return err
	}
	ui.Success("replication user ready for " + service)
	return nil
}

