package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/capsulefs/capsule/clientcli"
)

var (
	version = "dev"

	cfgFile   string
	server    string
	bucket    string
	accessKey string
	secretKey string
)

var rootCmd = &cobra.Command{
	Use:     "capsule-cli",
	Version: version,
	Short:   "Client for Capsule object storage",
	Long: `Capsule CLI - client for a Capsule object storage server.

Object operations authenticate with pre-signed URLs built from the
bucket's access key and secret key. Settings come from the config file
(~/.capsule/config.yaml), environment variables, or flags, in
increasing order of precedence.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ~/.capsule/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&server, "server", "s", "", "server URL (env: CAPSULE_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&bucket, "bucket", "b", "", "bucket name (env: CAPSULE_BUCKET)")
	rootCmd.PersistentFlags().StringVarP(&accessKey, "access-key", "a", "", "bucket access key (env: CAPSULE_ACCESS_KEY)")
	rootCmd.PersistentFlags().StringVarP(&secretKey, "secret-key", "k", "", "bucket secret key (env: CAPSULE_SECRET_KEY)")

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(configureCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildConfig merges config from file, env vars, and flags.
func buildConfig() *clientcli.Config {
	var configs []*clientcli.Config

	configPath := cfgFile
	if configPath == "" {
		configPath = clientcli.DefaultConfigPath()
	}
	if configPath != "" {
		if fileCfg, err := clientcli.LoadConfigFromFile(configPath); err == nil {
			configs = append(configs, fileCfg)
		}
	}

	configs = append(configs, clientcli.ConfigFromEnv())
	configs = append(configs, &clientcli.Config{
		Server:    server,
		Bucket:    bucket,
		AccessKey: accessKey,
		SecretKey: secretKey,
	})

	return clientcli.MergeConfig(configs...)
}

func getClient() (*clientcli.Client, error) {
	return clientcli.New(buildConfig())
}
