package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vorteil/flogfs/pkg/filedriver"
	"github.com/vorteil/flogfs/pkg/flogfs"
	"github.com/vorteil/flogfs/pkg/flogfsconfig"
)

// fsckCmd mounts the volume and reports whatever Mount's four-pass
// recovery found. Mounting (not a separate walk) is the consistency
// check: a volume that mounts cleanly is, by construction, one whose
// allocator free list, root inode, and any half-finished allocation or
// deletion are all consistent again.
var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "mount a volume, repairing any interrupted allocation or deletion, and report its state",
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
		if err := fs.Mount(ctx); err != nil {
			return fmt.Errorf("fsck: %s failed to recover: %w", cfg.DevicePath, err)
		}

		dev, err := fs.DeviceInfo(ctx)
		if err != nil {
			return err
		}
		m := fs.Metrics.Snapshot()
		log.Printf("fsck: %s mounted cleanly", cfg.DevicePath)
		log.Printf("blocks: %d free / %d total (mean free age %d)", dev.FreeBlocks, dev.Geometry.NumBlocks, dev.MeanFreeAge)
		log.Printf("ECC corrections: %d, uncorrectable: %d", m.ECCCorrections, m.ECCUncorrectable)
		return nil
	},
}
