package main

import (
	"context"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "list every live file on the volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		fs, closeDrv, err := openMounted(ctx)
		if err != nil {
			return err
		}
		defer closeDrv()

		names, err := fs.List(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			log.Printf("%s", name)
		}
		return nil
	},
}
