package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/capsulefs/capsule/clientcli"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Save connection settings",
	Long: `Save connection settings interactively.

You will be prompted for:
  - Server URL
  - Bucket name
  - Access key
  - Secret key

Settings are written to ~/.capsule/config.yaml.`,
	RunE: runConfigure,
}

func runConfigure(_ *cobra.Command, _ []string) error {
	existing := buildConfig()

	serverURL, err := (&promptui.Prompt{
		Label:   "Server URL",
		Default: existing.Server,
		Validate: func(s string) error {
			u, parseErr := url.Parse(s)
			if parseErr != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("an http(s) URL is required")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return err
	}

	bucketName, err := (&promptui.Prompt{
		Label:   "Bucket",
		Default: existing.Bucket,
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("a bucket name is required")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return err
	}

	access, err := (&promptui.Prompt{
		Label:   "Access key",
		Default: existing.AccessKey,
	}).Run()
	if err != nil {
		return err
	}

	secret, err := (&promptui.Prompt{
		Label: "Secret key",
		Mask:  '*',
	}).Run()
	if err != nil {
		return err
	}
	if secret == "" {
		secret = existing.SecretKey
	}

	configPath := cfgFile
	if configPath == "" {
		configPath = clientcli.DefaultConfigPath()
	}
	if configPath == "" {
		return fmt.Errorf("cannot determine config path; pass --config")
	}

	cfg := &clientcli.Config{
		Server:    strings.TrimSuffix(serverURL, "/"),
		Bucket:    bucketName,
		AccessKey: access,
		SecretKey: secret,
	}
	if err := clientcli.SaveConfigFile(configPath, cfg); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", configPath)
	return nil
}
