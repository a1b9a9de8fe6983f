package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/capsulefs/capsule/config"
)

var version = "dev"

var configFiles []string

var rootCmd = &cobra.Command{
	Version: version,
	Use:     "capsule",
	Short:   "Self-hosted S3-compatible object storage",
	Long: `Capsule is a self-hosted object storage server speaking the S3
protocol, with bytes on local volumes and metadata in SQLite or
PostgreSQL.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFiles, cmd.Flags())
		if err != nil {
			return err
		}
		setupLogging(cfg)
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&configFiles, "config", nil, "config file path (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("db-type", "", "database type: sqlite, postgres (env: CAPSULE_DATABASE_TYPE)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database connection string (env: CAPSULE_DATABASE_DSN)")
	rootCmd.PersistentFlags().String("spool-path", "", "multipart spool directory (env: CAPSULE_STORAGE_SPOOL_PATH)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
