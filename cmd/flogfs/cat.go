package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat FILE...",
	Short: "write one or more files' contents to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		fs, closeDrv, err := openMounted(ctx)
		if err != nil {
			return err
		}
		defer closeDrv()

		buf := make([]byte, 4096)
		for _, name := range args {
			h, err := fs.OpenRead(ctx, name)
			if err != nil {
				return err
			}
			for {
				n, err := h.Read(ctx, buf)
				if n > 0 {
					if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
						return werr
					}
				}
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
			}
			if err := h.CloseRead(ctx); err != nil {
				return err
			}
		}
		return nil
	},
}
