package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var uploadContentType string

var uploadCmd = &cobra.Command{
	Use:   "upload <local-path> <remote-key>",
	Short: "Upload a file to the bucket",
	Long: `Upload a local file to the bucket.

Examples:
  capsule-cli upload ./file.txt path/file.txt
  capsule-cli upload --content-type application/json ./data config.json`,
	Args: cobra.ExactArgs(2),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadContentType, "content-type", "t", "", "override content-type")
}

func runUpload(_ *cobra.Command, args []string) error {
	localPath, remoteKey := args[0], args[1]

	client, err := getClient()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	contentType := uploadContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(localPath))
	}

	result, err := client.Upload(context.Background(), remoteKey, data, contentType)
	if err != nil {
		return err
	}

	fmt.Printf("uploaded %s (%d bytes, etag %s)\n", result.Key, result.Size, result.ETag)
	if result.VersionID != "" {
		fmt.Printf("version %s\n", result.VersionID)
	}
	return nil
}
