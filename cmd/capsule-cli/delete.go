package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <remote-key>",
	Aliases: []string{"rm"},
	Short:   "Delete an object from the bucket",
	Long: `Delete an object.

On a versioning-enabled bucket this places a delete marker; older
versions remain recoverable through the management API.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func runDelete(_ *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	if err := client.Delete(context.Background(), args[0]); err != nil {
		return err
	}

	fmt.Printf("deleted %s\n", args[0])
	return nil
}
