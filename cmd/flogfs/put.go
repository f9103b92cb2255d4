package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put SRC DEST",
	Short: "append a local file's contents to a file on the volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		fs, closeDrv, err := openMounted(ctx)
		if err != nil {
			return err
		}
		defer closeDrv()

		src, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer src.Close()

		h, err := fs.OpenWrite(ctx, args[1])
		if err != nil {
			return err
		}

		buf := make([]byte, 4096)
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, werr := h.Write(ctx, buf[:n]); werr != nil {
					return werr
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		if err := h.CloseWrite(ctx); err != nil {
			return err
		}
		log.Infof("wrote %s to %s", args[0], args[1])
		return nil
	},
}
