package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/vorteil/flogfs/pkg/filedriver"
	"github.com/vorteil/flogfs/pkg/flogfs"
	"github.com/vorteil/flogfs/pkg/flogfsconfig"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "erase the device and lay down a fresh, empty volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, err := flogfsconfig.Load(flagConfig)
		if err != nil {
			return err
		}
		drv, err := filedriver.Open(cfg.DevicePath, cfg.Geometry)
		if err != nil {
			return err
		}
		defer drv.Close()

		fs, err := flogfs.New(drv, cfg.Geometry)
		if err != nil {
			return err
		}
		fs.Logger = log
		if err := fs.Format(ctx); err != nil {
			return err
		}
		log.Infof("formatted %s (%d blocks)", cfg.DevicePath, cfg.Geometry.NumBlocks)
		return nil
	},
}
