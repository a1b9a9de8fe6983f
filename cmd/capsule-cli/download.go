package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download <remote-key> [local-path]",
	Short: "Download an object from the bucket",
	Long: `Download an object to a local file. When local-path is omitted the
object is written to the current directory under its base name.

Examples:
  capsule-cli download path/file.txt
  capsule-cli download path/file.txt ./copy.txt`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDownload,
}

func runDownload(_ *cobra.Command, args []string) error {
	remoteKey := args[0]

	localPath := filepath.Base(remoteKey)
	if len(args) == 2 {
		localPath = args[1]
	}

	client, err := getClient()
	if err != nil {
		return err
	}

	data, err := client.Download(context.Background(), remoteKey)
	if err != nil {
		return err
	}

	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}

	fmt.Printf("downloaded %s -> %s (%d bytes)\n", remoteKey, localPath, len(data))
	return nil
}
