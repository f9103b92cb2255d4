package main

import (
	"context"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "report volume geometry, free space, and lifetime counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		fs, closeDrv, err := openMounted(ctx)
		if err != nil {
			return err
		}
		defer closeDrv()

		dev, err := fs.DeviceInfo(ctx)
		if err != nil {
			return err
		}
		m := fs.Metrics.Snapshot()

		log.Printf("blocks: %d free / %d total (mean free age %d)", dev.FreeBlocks, dev.Geometry.NumBlocks, dev.MeanFreeAge)
		log.Printf("sector size: %d, pages/block: %d, sectors/page: %d", dev.Geometry.SectorSize, dev.Geometry.PagesPerBlock, dev.Geometry.SectorsPerPage)
		log.Printf("mounts: %d, allocations: %d, reclaimed blocks: %d", m.Mounts, m.Allocations, m.ReclaimedBlocks)
		log.Printf("ECC corrections: %d, uncorrectable: %d", m.ECCCorrections, m.ECCUncorrectable)
		return nil
	},
}
