package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listDelimiter string

var listCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List objects in the bucket",
	Long: `List objects in the bucket, optionally filtered by prefix.

Examples:
  capsule-cli list
  capsule-cli list images/
  capsule-cli list --delimiter / images/`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listDelimiter, "delimiter", "d", "", "group keys by delimiter")
}

func runList(_ *cobra.Command, args []string) error {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}

	client, err := getClient()
	if err != nil {
		return err
	}

	result, err := client.List(context.Background(), prefix, listDelimiter)
	if err != nil {
		return err
	}

	for _, cp := range result.CommonPrefixes {
		fmt.Printf("%26s  %s\n", "PRE", cp)
	}
	for _, obj := range result.Objects {
		fmt.Printf("%s  %10d  %s\n", obj.LastModified, obj.Size, obj.Key)
	}
	if result.IsTruncated {
		fmt.Println("... (truncated)")
	}
	return nil
}
