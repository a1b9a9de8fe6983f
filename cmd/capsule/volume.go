package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/capsulefs/capsule/config"
	"github.com/capsulefs/capsule/filesystem"
)

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage storage volumes",
}

var volumeAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Register a storage volume",
	Long: `Register a directory as a storage volume.

The capacity defaults to the free space on the volume's filesystem.

Examples:
  capsule volume add primary /mnt/disk1
  capsule volume add archive /mnt/disk2 --capacity 500000000000 --default`,
	Args: cobra.ExactArgs(2),
	RunE: runVolumeAdd,
}

var volumeRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a storage volume",
	Long: `Remove a volume from the pool.

Objects on the volume are dropped from the index and buckets preferring
it are reassigned to the default volume. Bytes on disk are not touched.`,
	Args: cobra.ExactArgs(1),
	RunE: runVolumeRemove,
}

var volumeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered volumes",
	RunE:  runVolumeList,
}

var (
	volumeAddCapacity int64
	volumeAddDefault  bool
)

func init() {
	volumeAddCmd.Flags().Int64Var(&volumeAddCapacity, "capacity", 0, "capacity in bytes (default: free space on the filesystem)")
	volumeAddCmd.Flags().BoolVar(&volumeAddDefault, "default", false, "make this the default volume")

	volumeCmd.AddCommand(volumeAddCmd)
	volumeCmd.AddCommand(volumeRemoveCmd)
	volumeCmd.AddCommand(volumeListCmd)
	rootCmd.AddCommand(volumeCmd)
}

func runVolumeAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	name, path := args[0], args[1]

	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create volume directory: %w", err)
	}

	capacity := volumeAddCapacity
	if capacity == 0 {
		info, probeErr := filesystem.Probe(path)
		if probeErr != nil {
			return fmt.Errorf("probe volume path: %w", probeErr)
		}
		capacity = info.Free
	}

	svc, closeDB, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	vol, err := svc.CreateVolume(ctx, name, path, capacity, volumeAddDefault)
	if err != nil {
		return fmt.Errorf("create volume: %w", err)
	}

	slog.Info("volume registered", "id", vol.ID, "path", vol.Path, "capacity", vol.Capacity, "default", vol.IsDefault)
	return nil
}

func runVolumeRemove(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid volume id %q", args[0])
	}

	svc, closeDB, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := svc.DeleteVolume(ctx, id); err != nil {
		return fmt.Errorf("remove volume: %w", err)
	}

	slog.Info("volume removed", "id", id)
	return nil
}

func runVolumeList(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	svc, closeDB, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	volumes, err := svc.ListVolumes(ctx)
	if err != nil {
		return err
	}

	for _, v := range volumes {
		marker := " "
		if v.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %-4d %-20s %s  used %d / %d\n", marker, v.ID, v.Name, v.Path, v.Used, v.Capacity)
	}
	return nil
}
