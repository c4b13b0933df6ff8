// Package cli wires the command-line surface: the long-running control-plane
// server plus the local bootstrap commands used before and during a
// migration.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgferry/pgferry/internal/pkg/logger"
)

var (
	cfgFile    string
	configPath string
	namespace  string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pgferry",
	Short: "Orchestrate online PostgreSQL migrations to managed cloud SQL",
	Long: `pgferry drives the online migration of PostgreSQL databases from a
source cloud (RDS) to a target cloud (Cloud SQL) through the managed
Database Migration Service.

It runs the per-service workflow as HTTP-managed tasks: preflight checks,
continuous replication, cutover, and cleanup. Bootstrap subcommands prepare
the source network and users and push configuration into the cluster.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(logger.Config{Debug: verbose || os.Getenv("DEBUG") != ""})
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(func() {
		_ = initConfig()
	})

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pgferry.yaml)")
	rootCmd.PersistentFlags().StringVar(&configPath, "service-config", "k8s", `service configuration: a YAML file path, or "k8s" for the cluster ConfigMap`)
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "db-migration", "namespace holding the configuration ConfigMap")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("namespace", rootCmd.PersistentFlags().Lookup("namespace"))
	viper.BindPFlag("service-config", rootCmd.PersistentFlags().Lookup("service-config"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".pgferry")
	}

	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
	return nil
}
