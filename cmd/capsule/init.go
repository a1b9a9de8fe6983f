package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/capsulefs/capsule"
	"github.com/capsulefs/capsule/config"
	"github.com/capsulefs/capsule/filesystem"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive first-run setup",
	Long: `Set up a new Capsule installation interactively.

This command:
  1. Creates the superadmin account
  2. Registers the default storage volume
  3. Writes config.yaml with a generated JWT secret`,
	RunE: runInit,
}

var initConfigOut string

func init() {
	initCmd.Flags().StringVar(&initConfigOut, "out", "config.yaml", "path to write the generated config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	email, err := (&promptui.Prompt{
		Label: "Admin email",
		Validate: func(s string) error {
			if !strings.Contains(s, "@") {
				return fmt.Errorf("not an email address")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return err
	}

	password, err := (&promptui.Prompt{
		Label: "Admin password",
		Mask:  '*',
		Validate: func(s string) error {
			if len(s) < 8 {
				return fmt.Errorf("at least 8 characters")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return err
	}

	volumePath, err := (&promptui.Prompt{
		Label:   "Default volume path",
		Default: "./data",
	}).Run()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(volumePath, 0o750); err != nil {
		return fmt.Errorf("create volume directory: %w", err)
	}

	// Default the volume capacity to the free space on its filesystem.
	capInfo, err := filesystem.Probe(volumePath)
	if err != nil {
		return fmt.Errorf("probe volume path: %w", err)
	}

	capacityStr, err := (&promptui.Prompt{
		Label:   "Volume capacity in bytes",
		Default: strconv.FormatInt(capInfo.Free, 10),
		Validate: func(s string) error {
			n, convErr := strconv.ParseInt(s, 10, 64)
			if convErr != nil || n <= 0 {
				return fmt.Errorf("a positive integer is required")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return err
	}
	capacity, _ := strconv.ParseInt(capacityStr, 10, 64)

	svc, closeDB, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	user, err := svc.CreateUser(ctx, email, password, "", capsule.RoleSuperAdmin)
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	slog.Info("created superadmin", "email", user.Email, "access_key", user.AccessKey)

	vol, err := svc.CreateVolume(ctx, "default", volumePath, capacity, true)
	if err != nil {
		return fmt.Errorf("create default volume: %w", err)
	}
	slog.Info("created default volume", "path", vol.Path, "capacity", vol.Capacity)

	if err := writeConfigFile(initConfigOut, cfg); err != nil {
		return err
	}
	slog.Info("wrote config file", "path", initConfigOut)

	fmt.Println("\nSetup complete. Start the server with:")
	fmt.Printf("  capsule serve --config %s\n", initConfigOut)
	return nil
}

func writeConfigFile(path string, cfg *config.Config) error {
	doc := map[string]any{
		"server": map[string]any{
			"port": cfg.Server.Port,
		},
		"database": map[string]any{
			"type": cfg.Database.Type,
			"dsn":  cfg.Database.DSN,
		},
		"storage": map[string]any{
			"spool_path": cfg.Storage.SpoolPath,
		},
		"auth": map[string]any{
			"jwt_secret": capsule.GenerateSecretKey(),
			"token_ttl":  cfg.Auth.TokenTTL.String(),
		},
		"cleanup": map[string]any{
			"interval": cfg.Cleanup.Interval.String(),
			"max_age":  cfg.Cleanup.MaxAge.String(),
		},
		"log": map[string]any{
			"level": cfg.Log.Level,
		},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
