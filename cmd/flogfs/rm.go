package main

import (
	"context"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm FILE",
	Short: "delete a file, reclaiming its blocks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		fs, closeDrv, err := openMounted(ctx)
		if err != nil {
			return err
		}
		defer closeDrv()

		if err := fs.Remove(ctx, args[0]); err != nil {
			return err
		}
		log.Infof("removed %s", args[0])
		return nil
	},
}
